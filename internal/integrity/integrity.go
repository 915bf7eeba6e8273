// Package integrity provides tamper-evident hashing for the conflict audit
// trail. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/model"
)

// Hash version prefix. The version is part of the stored hash so the
// encoding can evolve without invalidating existing trail entries.
const hashV1Prefix = "v1:"

// ComputeEntryHash produces a versioned SHA-256 hex digest from the canonical
// audit entry fields. The stored EntryHash field itself is not an input.
func ComputeEntryHash(e model.AuditEntry) string {
	return hashV1Prefix + computeV1Hash(e)
}

// VerifyEntryHash checks whether an entry's stored hash matches the hash
// recomputed from its fields. Entries with an unknown version prefix fail
// verification rather than being skipped.
func VerifyEntryHash(e model.AuditEntry) bool {
	if !strings.HasPrefix(e.EntryHash, hashV1Prefix) {
		return false
	}
	return e.EntryHash == hashV1Prefix+computeV1Hash(e)
}

// computeV1Hash produces a length-prefixed SHA-256 hex digest. Each field is
// encoded as a 4-byte big-endian length prefix followed by the field bytes,
// which avoids delimiter collisions when freeform text fields contain the
// delimiter character.
func computeV1Hash(e model.AuditEntry) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by HTTP request body limits (~1MB)
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(e.EntryID.String())
	writeField(e.RunID.String())
	writeField(e.FirmID.String())
	writeField(e.SubjectEntityID.String())
	writeField(e.Actor)
	writeField(e.DecisionSummary)
	writeField(e.InputHash)
	writeField(strconv.Itoa(e.RetryCount))
	writeField(e.Timestamp.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf entry hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// TrailRoot constructs a Merkle tree over the entries' stored hashes, in the
// order given, and returns the root. Callers pass entries in trail order
// (completed_at ascending, entry ID as tiebreak) so the root is deterministic
// for a given export window.
// If entries is empty, returns an empty string.
// If entries has one element, the root is that entry's hash.
// Odd-length levels hash the last node with itself for structural binding.
func TrailRoot(entries []model.AuditEntry) string {
	if len(entries) == 0 {
		return ""
	}

	level := make([]string, len(entries))
	for i, e := range entries {
		level[i] = e.EntryHash
	}

	// Build tree bottom-up.
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding to tree position.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
