// Package integrity provides tamper-evident hashing for memory snapshots.
// All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Hash version prefix. The prefix travels with the hash so the encoding
// can evolve without invalidating stored snapshots.
const hashV1Prefix = "v1:"

// ItemHash produces a versioned SHA-256 hex digest over a memory item's
// canonical fields. Each field is encoded with a 4-byte big-endian length
// prefix, so freeform content cannot collide with delimiters.
func ItemHash(id string, layer string, content string, confidence float32, updatedAt time.Time) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(id)
	writeField(layer)
	writeField(content)
	writeField(strconv.FormatFloat(float64(confidence), 'f', 10, 32))
	writeField(updatedAt.UTC().Format(time.RFC3339Nano))
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyItemHash checks whether a stored hash matches the recomputed one.
func VerifyItemHash(stored string, id string, layer string, content string, confidence float32, updatedAt time.Time) bool {
	if !strings.HasPrefix(stored, hashV1Prefix) {
		return false
	}
	return stored == ItemHash(id, layer, content, confidence, updatedAt)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes
// (per RFC 6962), so internal nodes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotRoot sorts the leaf hashes and returns their Merkle root.
// Sorting makes the root independent of export order, so two snapshots
// with the same items always agree.
func SnapshotRoot(leaves []string) string {
	sorted := make([]string, len(leaves))
	copy(sorted, leaves)
	sort.Strings(sorted)
	return BuildMerkleRoot(sorted)
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns
// the root. Leaves must already be in canonical order. An empty input
// yields an empty root; a single leaf is its own root. Odd-length levels
// hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
