// Package cloudsync replicates a project's persistent memories to an
// S3-compatible bucket and back. Payloads are optionally sealed with
// AES-256-GCM under a passphrase-derived key; the manifest stays in
// plaintext so a peer can discover object names, checksums, and the key
// derivation salt before committing to a download.
package cloudsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/index"
	"github.com/ashita-ai/kioku/internal/integrity"
	"github.com/ashita-ai/kioku/internal/model"
)

// Object names within the sync prefix.
const (
	manifestObject     = "manifest.json"
	memoriesObject     = "memories.jsonl"
	constitutionObject = "constitution.json"
	encSuffix          = ".enc"

	manifestVersion = 1

	// scrollPage bounds how many items one export scroll fetches.
	scrollPage = 10000
)

// Strategy selects the per-item conflict policy on pull.
type Strategy string

const (
	// StrategyLWW overwrites local items that are older than incoming ones.
	StrategyLWW Strategy = "lww"
	// StrategySkip never overwrites an existing local id.
	StrategySkip Strategy = "skip"
	// StrategyMerge is reserved; it currently behaves like skip and counts
	// every collision as a conflict.
	StrategyMerge Strategy = "merge"
)

// Manifest describes one pushed snapshot. Always stored in plaintext.
type Manifest struct {
	Version   int            `json:"version"`
	ProjectID string         `json:"project_id"`
	CreatedAt time.Time      `json:"created_at"`
	Encrypted bool           `json:"encrypted"`
	Salt      string         `json:"salt,omitempty"` // base64, key derivation only
	Objects   []ManifestItem `json:"objects"`
	// Root is a Merkle root over per-item content hashes. It is computed
	// before encryption, so it stays stable across re-sealed snapshots and
	// lets a puller verify the decrypted items, not just the ciphertext.
	Root string `json:"root,omitempty"`
}

// ManifestItem records one object's integrity data.
type ManifestItem struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	SHA256 string `json:"sha256"`
	Count  int    `json:"count"`
}

// Syncer moves memories between the local index and a backend.
type Syncer struct {
	idx        index.Index
	provider   embedding.Provider
	backend    Backend
	projectID  string
	passphrase string // empty disables encryption
	logger     *slog.Logger
}

// New creates a syncer. A non-empty passphrase makes Push seal the memory
// and constitution objects; Pull derives the key from the manifest salt.
func New(idx index.Index, provider embedding.Provider, backend Backend, projectID, passphrase string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		idx:        idx,
		provider:   provider,
		backend:    backend,
		projectID:  projectID,
		passphrase: passphrase,
		logger:     logger,
	}
}

// Push exports every active persistent memory plus the L0 snapshot and
// uploads them with a fresh manifest. The manifest goes up last so a
// reader never sees a manifest pointing at missing objects.
func (s *Syncer) Push(ctx context.Context) (*model.SyncReport, error) {
	memories, err := s.exportMemories(ctx)
	if err != nil {
		return nil, err
	}
	constitution, err := s.idx.Scroll(ctx, index.Filter{Layer: model.LayerIdentity}, scrollPage)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: export constitution: %w", err)
	}

	memData := encodeJSONL(memories)
	conData, err := json.Marshal(constitution)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: marshal constitution: %w", err)
	}

	manifest := Manifest{
		Version:   manifestVersion,
		ProjectID: s.projectID,
		CreatedAt: time.Now().UTC(),
		Root:      snapshotRoot(memories, constitution),
	}

	memName, conName := memoriesObject, constitutionObject
	if s.passphrase != "" {
		salt, err := NewSalt()
		if err != nil {
			return nil, err
		}
		crypter, err := NewCrypter(DeriveKey(s.passphrase, salt), s.projectID)
		if err != nil {
			return nil, err
		}
		memName += encSuffix
		conName += encSuffix
		if memData, err = crypter.Seal(memName, memData); err != nil {
			return nil, err
		}
		if conData, err = crypter.Seal(conName, conData); err != nil {
			return nil, err
		}
		manifest.Encrypted = true
		manifest.Salt = base64.StdEncoding.EncodeToString(salt)
	}

	manifest.Objects = []ManifestItem{
		{Name: memName, Size: len(memData), SHA256: sha256Hex(memData), Count: len(memories)},
		{Name: conName, Size: len(conData), SHA256: sha256Hex(conData), Count: len(constitution)},
	}

	if err := s.backend.Upload(ctx, memName, memData); err != nil {
		return nil, err
	}
	if err := s.backend.Upload(ctx, conName, conData); err != nil {
		return nil, err
	}
	manData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cloudsync: marshal manifest: %w", err)
	}
	if err := s.backend.Upload(ctx, manifestObject, manData); err != nil {
		return nil, err
	}

	s.logger.Info("sync push complete",
		"memories", len(memories), "constitution_items", len(constitution), "encrypted", manifest.Encrypted)
	return &model.SyncReport{Pushed: len(memories) + len(constitution)}, nil
}

// Pull downloads the latest snapshot and imports it under the given
// strategy. Checksum or decryption failures abort before any import.
func (s *Syncer) Pull(ctx context.Context, strategy Strategy) (*model.SyncReport, error) {
	switch strategy {
	case StrategyLWW, StrategySkip, StrategyMerge:
	case "":
		strategy = StrategyLWW
	default:
		return nil, model.Invalid("strategy", "must be lww, skip, or merge")
	}

	manData, err := s.backend.Download(ctx, manifestObject)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manData, &manifest); err != nil {
		return nil, fmt.Errorf("cloudsync: decode manifest: %w", err)
	}

	var crypter *Crypter
	if manifest.Encrypted {
		if s.passphrase == "" {
			return nil, fmt.Errorf("cloudsync: snapshot is encrypted and no passphrase is configured: %w", model.ErrDecrypt)
		}
		salt, err := base64.StdEncoding.DecodeString(manifest.Salt)
		if err != nil {
			return nil, fmt.Errorf("cloudsync: decode manifest salt: %w", err)
		}
		if crypter, err = NewCrypter(DeriveKey(s.passphrase, salt), manifest.ProjectID); err != nil {
			return nil, err
		}
	}

	objects := make(map[string][]byte, len(manifest.Objects))
	for _, obj := range manifest.Objects {
		data, err := s.backend.Download(ctx, obj.Name)
		if err != nil {
			return nil, err
		}
		if got := sha256Hex(data); got != obj.SHA256 {
			return nil, &model.ChecksumError{Object: obj.Name, Want: obj.SHA256, Got: got}
		}
		if crypter != nil {
			if data, err = crypter.Open(obj.Name, data); err != nil {
				return nil, err
			}
		}
		objects[logicalName(obj.Name)] = data
	}

	var memories, constitution []model.MemoryItem
	if data, ok := objects[memoriesObject]; ok {
		if memories, err = decodeJSONL(data); err != nil {
			return nil, err
		}
	}
	if data, ok := objects[constitutionObject]; ok {
		if err := json.Unmarshal(data, &constitution); err != nil {
			return nil, fmt.Errorf("cloudsync: decode constitution: %w", err)
		}
	}

	// Verify the decrypted items against the manifest root before any
	// import touches the index. Manifests without a root predate it.
	if manifest.Root != "" {
		if got := snapshotRoot(memories, constitution); got != manifest.Root {
			return nil, &model.ChecksumError{Object: "snapshot", Want: manifest.Root, Got: got}
		}
	}

	report := &model.SyncReport{}
	s.importItems(ctx, memories, strategy, report)
	s.importItems(ctx, constitution, strategy, report)

	s.logger.Info("sync pull complete",
		"pulled", report.Pulled, "conflicts", report.Conflicts, "skipped", report.Skipped, "errors", len(report.Errors))
	return report, nil
}

// importItems applies the conflict policy item by item. Per-item failures
// are recorded and do not abort the rest of the import.
func (s *Syncer) importItems(ctx context.Context, items []model.MemoryItem, strategy Strategy, report *model.SyncReport) {
	mergeWarned := false
	for _, item := range items {
		item := s.normalize(item)
		if err := item.Validate(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", item.ID, err))
			continue
		}

		existing, err := s.idx.RetrieveByID(ctx, item.ID)
		switch {
		case err == nil:
			switch strategy {
			case StrategySkip:
				report.Skipped++
				continue
			case StrategyMerge:
				if !mergeWarned {
					s.logger.Warn("merge strategy is not implemented, treating collisions as skip")
					mergeWarned = true
				}
				report.Conflicts++
				report.Skipped++
				continue
			case StrategyLWW:
				if !existing.UpdatedAt.Before(item.UpdatedAt) {
					report.Conflicts++
					continue
				}
				report.Conflicts++
			}
		case !isNotFound(err):
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", item.ID, err))
			continue
		}

		vec, err := s.provider.Embed(ctx, item.Content)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: embed: %v", item.ID, err))
			continue
		}
		if err := s.idx.Upsert(ctx, []model.MemoryItem{item}, []pgvector.Vector{vec}); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: upsert: %v", item.ID, err))
			continue
		}
		report.Pulled++
	}
}

// normalize repairs an incoming item: layer aliases collapse to canonical
// names and non-UUID ids are regenerated with the original preserved.
func (s *Syncer) normalize(item model.MemoryItem) model.MemoryItem {
	if layer, err := model.NormalizeLayer(string(item.Layer)); err == nil {
		item.Layer = layer
	}
	if _, err := uuid.Parse(item.ID); err != nil {
		original := item.ID
		item.ID = uuid.NewString()
		if item.Metadata == nil {
			item.Metadata = map[string]any{}
		}
		item.Metadata["original_id"] = original
		s.logger.Debug("regenerated invalid sync item id", "original_id", original, "new_id", item.ID)
	}
	return item
}

// exportMemories scrolls the active episodic, fact, and operational layers.
func (s *Syncer) exportMemories(ctx context.Context) ([]model.MemoryItem, error) {
	var out []model.MemoryItem
	for _, layer := range []model.Layer{model.LayerEventLog, model.LayerFact, model.LayerOperational} {
		items, err := s.idx.Scroll(ctx, index.Filter{Layer: layer}, scrollPage)
		if err != nil {
			return nil, fmt.Errorf("cloudsync: export %s: %w", layer, err)
		}
		out = append(out, items...)
	}
	return out, nil
}

func encodeJSONL(items []model.MemoryItem) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		_ = enc.Encode(item)
	}
	return buf.Bytes()
}

func decodeJSONL(data []byte) ([]model.MemoryItem, error) {
	var out []model.MemoryItem
	for i, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var item model.MemoryItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("cloudsync: decode memories line %d: %w", i+1, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// snapshotRoot hashes every item in the snapshot and folds the hashes
// into an order-independent Merkle root.
func snapshotRoot(groups ...[]model.MemoryItem) string {
	var leaves []string
	for _, items := range groups {
		for _, item := range items {
			leaves = append(leaves, integrity.ItemHash(item.ID, string(item.Layer), item.Content, float32(item.Confidence), item.UpdatedAt))
		}
	}
	return integrity.SnapshotRoot(leaves)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// logicalName strips the encryption suffix so downstream handling can key
// on the object's logical name.
func logicalName(name string) string {
	return strings.TrimSuffix(name, encSuffix)
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
