// Package audit defines the hash-chained audit log domain model (C9): the
// individual entries, their canonical encoding, and the batches that chain
// them together via SHA-256.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// BufferCap is the default bounded non-blocking channel capacity for
// incoming audit entries before they are batched and flushed (spec §4.7).
const BufferCap = 100

// Entry is a single audit log event. Fields mirror spec §4.7: actor, action,
// target, and an opaque detail payload.
type Entry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"` // user id, api key id, or "system"
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExclusionPaths are request paths never audited: the health endpoint and
// the SSE dashboard polling path (spec §4.7 exclusion rules).
var ExclusionPaths = map[string]bool{
	"/health":          true,
	"/api/events/poll": true,
}

// staticAssetExtensions are dashboard static asset extensions never audited.
var staticAssetExtensions = map[string]bool{
	".js": true, ".css": true, ".png": true, ".jpg": true,
	".svg": true, ".ico": true, ".woff": true, ".woff2": true, ".map": true,
}

// CanonicalJSON serializes entries deterministically: object keys sorted,
// no insignificant whitespace, so that the same logical batch always hashes
// to the same digest regardless of map iteration order.
func CanonicalJSON(entries []Entry) ([]byte, error) {
	canon := make([]canonicalEntry, len(entries))
	for i, e := range entries {
		detail, err := canonicalizeMap(e.Detail)
		if err != nil {
			return nil, err
		}
		canon[i] = canonicalEntry{
			ID:        e.ID,
			Actor:     e.Actor,
			Action:    e.Action,
			Target:    e.Target,
			Detail:    detail,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canon); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type canonicalEntry struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Target    string          `json:"target,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// canonicalizeMap re-marshals a map with keys in sorted order so hashing is
// independent of Go's randomized map iteration.
func canonicalizeMap(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// GenesisHash is the previous-batch hash used for the very first batch in
// the chain — the empty string (spec §4.7 genesis rule).
const GenesisHash = ""

// Batch is a flushed, hash-chained group of audit entries.
type Batch struct {
	ID            string    `json:"id"`
	SequenceNum   int64     `json:"sequence_num"`
	Entries       []Entry   `json:"entries"`
	PrevBatchHash string    `json:"prev_batch_hash"`
	BatchHash     string    `json:"batch_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// ComputeBatchHash returns hex(SHA-256(prevBatchHash ‖ canonical_json(entries))).
func ComputeBatchHash(prevBatchHash string, entries []Entry) (string, error) {
	payload, err := CanonicalJSON(entries)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevBatchHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewBatch builds a batch from entries chained onto prevBatchHash.
func NewBatch(id string, seq int64, prevBatchHash string, entries []Entry, now time.Time) (Batch, error) {
	hash, err := ComputeBatchHash(prevBatchHash, entries)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		ID:            id,
		SequenceNum:   seq,
		Entries:       entries,
		PrevBatchHash: prevBatchHash,
		BatchHash:      hash,
		CreatedAt:     now,
	}, nil
}

// VerifyChain walks batches in sequence order and confirms each batch's
// stored hash matches a freshly recomputed hash over its own entries chained
// onto the previous batch's hash. Returns the index of the first mismatch,
// or -1 if the whole chain verifies.
func VerifyChain(batches []Batch) (int, error) {
	prev := GenesisHash
	for i, b := range batches {
		if b.PrevBatchHash != prev {
			return i, nil
		}
		recomputed, err := ComputeBatchHash(b.PrevBatchHash, b.Entries)
		if err != nil {
			return i, err
		}
		if recomputed != b.BatchHash {
			return i, nil
		}
		prev = b.BatchHash
	}
	return -1, nil
}

// ShouldAudit reports whether a request path should be recorded. WebSocket
// upgrade paths, the health endpoint, dashboard static asset extensions, and
// the SSE polling path are excluded; every other HTTP request is recorded.
func ShouldAudit(path string) bool {
	if ExclusionPaths[path] {
		return false
	}
	if strings.HasPrefix(path, "/ws") {
		return false
	}
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 && staticAssetExtensions[path[dot:]] {
		return false
	}
	return true
}
