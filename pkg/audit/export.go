package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tamluxury/atelier/pkg/canonicalize"
	"github.com/tamluxury/atelier/pkg/store"
)

const (
	entryKeyPrefix = "audit:entry:"
	headKey        = "audit:head"
)

// Bundle is a self-verifying export of the retained window: the entries plus
// a digest over their canonical form, so a bundle handed to a regulator can
// be checked without access to the live chain.
type Bundle struct {
	BundleID   string   `json:"bundle_id"`
	CreatedAt  int64    `json:"created_at"`
	EntryCount int      `json:"entry_count"`
	Entries    []*Entry `json:"entries"`
	ChainHead  string   `json:"chain_head"`
	BundleHash string   `json:"bundle_hash"`
}

// Export packages up to limit retained entries (newest first) into a sealed
// bundle. limit <= 0 exports the full retained window.
func (c *Chain) Export(limit int) (*Bundle, error) {
	entries := c.Entries(limit)
	hash, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return nil, fmt.Errorf("audit: hash bundle: %w", err)
	}
	return &Bundle{
		BundleID:   "bnd_" + uuid.New().String(),
		CreatedAt:  c.clock().UnixMilli(),
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  c.Head(),
		BundleHash: hash,
	}, nil
}

// VerifyBundle checks a bundle in isolation: the bundle digest, every entry's
// recomputed hash, and the link between consecutive entries (newest first, so
// each entry's PrevHash must equal the next entry's Hash).
func VerifyBundle(b *Bundle) error {
	if b == nil {
		return fmt.Errorf("audit: nil bundle")
	}
	if len(b.Entries) != b.EntryCount {
		return fmt.Errorf("audit: bundle entry count %d does not match %d entries", b.EntryCount, len(b.Entries))
	}
	hash, err := canonicalize.CanonicalHash(b.Entries)
	if err != nil {
		return fmt.Errorf("audit: hash bundle: %w", err)
	}
	if hash != b.BundleHash {
		return fmt.Errorf("audit: bundle hash mismatch")
	}
	for i, e := range b.Entries {
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.Hash {
			return fmt.Errorf("audit: entry %d hash mismatch", e.Sequence)
		}
		if i+1 < len(b.Entries) && e.PrevHash != b.Entries[i+1].Hash {
			return fmt.Errorf("audit: broken link at entry %d", e.Sequence)
		}
	}
	return nil
}

// persistedHead anchors a restored chain at the right sequence and hashes.
type persistedHead struct {
	LastSequence uint64 `json:"last_sequence"`
	LastHash     string `json:"last_hash"`
	BaseHash     string `json:"base_hash"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Persist writes the retained window and the head anchor to the store so the
// chain survives a restart. Entry keys embed a zero-padded sequence so
// ordered key scans reproduce append order. Keys below the retained window
// are deleted; a restored chain must start at the base hash.
func (c *Chain) Persist(ctx context.Context, kv store.KV) error {
	c.mu.RLock()
	entries := make([]*Entry, len(c.entries))
	copy(entries, c.entries)
	head := persistedHead{
		LastSequence: c.sequence,
		LastHash:     c.headHash,
		BaseHash:     c.baseHash,
		UpdatedAt:    c.clock().UnixMilli(),
	}
	c.mu.RUnlock()

	oldest := ""
	if len(entries) > 0 {
		oldest = fmt.Sprintf("%s%020d", entryKeyPrefix, entries[0].Sequence)
	}
	stale, err := kv.Keys(ctx, entryKeyPrefix)
	if err != nil {
		return err
	}
	for _, k := range stale {
		if oldest == "" || k < oldest {
			if err := kv.Delete(ctx, k); err != nil {
				return err
			}
		}
	}

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit: marshal entry %d: %w", e.Sequence, err)
		}
		key := fmt.Sprintf("%s%020d", entryKeyPrefix, e.Sequence)
		if err := kv.Set(ctx, key, data); err != nil {
			return err
		}
	}
	headData, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("audit: marshal head: %w", err)
	}
	return kv.Set(ctx, headKey, headData)
}

// Restore rebuilds a chain from a persisted window and verifies it before
// returning. A chain that fails verification is not handed back.
func Restore(ctx context.Context, kv store.KV, opts ...Option) (*Chain, error) {
	c := NewChain(opts...)

	raw, ok, err := kv.Get(ctx, headKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c, nil // nothing persisted yet
	}
	var head persistedHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("audit: corrupt head record: %w", err)
	}

	keys, err := kv.Keys(ctx, entryKeyPrefix)
	if err != nil {
		return nil, err
	}
	// Zero-padded sequence keys sort lexicographically into append order.
	sort.Strings(keys)

	entries := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		data, found, err := kv.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("audit: corrupt entry %s: %w", k, err)
		}
		entries = append(entries, &e)
	}

	c.mu.Lock()
	c.entries = entries
	c.sequence = head.LastSequence
	c.headHash = head.LastHash
	c.baseHash = head.BaseHash
	c.mu.Unlock()

	if report := c.VerifyChainIntegrity(); !report.Valid {
		return nil, fmt.Errorf("audit: restored chain broken at index %d", report.BrokenAt)
	}
	return c, nil
}
