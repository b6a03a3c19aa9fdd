package embedding

import (
	"context"
	"math"
	"testing"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(384)
	if p.Dimensions() != 384 {
		t.Fatalf("expected 384 dims, got %d", p.Dimensions())
	}

	a, err := p.Embed(context.Background(), "患者今天去了公园散步")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Embed(context.Background(), "患者今天去了公园散步")
	if err != nil {
		t.Fatal(err)
	}

	as, bs := a.Slice(), b.Slice()
	if len(as) != 384 {
		t.Fatalf("expected 384-dim vector, got %d", len(as))
	}
	for i := range as {
		if as[i] != bs[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, as[i], bs[i])
		}
	}
}

func TestHashProviderNormalized(t *testing.T) {
	p := NewHashProvider(0) // falls back to the default size
	if p.Dimensions() != DefaultHashDims {
		t.Fatalf("expected default dims, got %d", p.Dimensions())
	}

	vec, err := p.Embed(context.Background(), "normalize me please")
	if err != nil {
		t.Fatal(err)
	}

	var norm float64
	for _, v := range vec.Slice() {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-5 {
		t.Fatalf("expected unit norm, got %f", math.Sqrt(norm))
	}
}

func TestHashProviderSimilarTextsCloser(t *testing.T) {
	p := NewHashProvider(384)
	ctx := context.Background()

	base, _ := p.Embed(ctx, "患者今天去了公园散步")
	near, _ := p.Embed(ctx, "患者昨天去了公园散步")
	far, _ := p.Embed(ctx, "database connection pool exhausted")

	if cos(base.Slice(), near.Slice()) <= cos(base.Slice(), far.Slice()) {
		t.Fatal("expected lexically similar text to score higher than unrelated text")
	}
}

func TestHashProviderRejectsEmpty(t *testing.T) {
	p := NewHashProvider(384)
	if _, err := p.Embed(context.Background(), "   "); err == nil {
		t.Fatal("expected error for whitespace-only text")
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"ok", ""}); err == nil {
		t.Fatal("expected error for empty batch item")
	}
}

func TestHashProviderBatchOrder(t *testing.T) {
	p := NewHashProvider(128)
	texts := []string{"first", "second", "third"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for i, text := range texts {
		want, _ := p.Embed(context.Background(), text)
		ws, gs := want.Slice(), vecs[i].Slice()
		for j := range ws {
			if ws[j] != gs[j] {
				t.Fatalf("batch item %d does not match individual embed", i)
			}
		}
	}
}

func cos(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
