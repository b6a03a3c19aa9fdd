package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/pgvector/pgvector-go"
)

// HashProvider generates deterministic embeddings without a model or
// network. Identical input always yields the identical vector, and lexically
// similar texts land near each other, which is enough for offline use and
// tests. It is never a silent substitute for a real model: construction is
// an explicit, logged decision.
type HashProvider struct {
	dims int
}

// DefaultHashDims is the vector size used when none is configured.
const DefaultHashDims = 384

// NewHashProvider creates a deterministic provider with the given
// dimensionality.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *HashProvider) Dimensions() int {
	return p.dims
}

// Name identifies the provider.
func (p *HashProvider) Name() string { return "hash" }

// Embed folds token and bigram hashes into a fixed-size accumulator and
// L2-normalizes the result. Rune bigrams carry the signal for scripts
// without word spacing (Chinese content is the common case here).
func (p *HashProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if err := validateText(text); err != nil {
		return pgvector.Vector{}, err
	}

	acc := make([]float64, p.dims)
	lower := strings.ToLower(text)

	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) {
		p.fold(acc, tok, 1.0)
	}

	runes := []rune(lower)
	for i := 0; i+1 < len(runes); i++ {
		p.fold(acc, string(runes[i:i+2]), 0.5)
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, p.dims)
	if norm > 0 {
		for i, v := range acc {
			vec[i] = float32(v / norm)
		}
	}
	return pgvector.NewVector(vec), nil
}

// fold hashes one feature into two buckets with alternating sign. The
// second, sign-flipped bucket decorrelates features that share a primary
// bucket.
func (p *HashProvider) fold(acc []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	i := int(sum % uint64(p.dims)) //nolint:gosec
	j := int((sum >> 32) % uint64(p.dims))
	acc[i] += weight
	if sum&1 == 0 {
		acc[j] += weight / 2
	} else {
		acc[j] -= weight / 2
	}
}

// EmbedBatch generates embeddings serially; hashing is CPU-trivial.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
