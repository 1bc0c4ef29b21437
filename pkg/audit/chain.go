// Package audit implements the append-only, hash-linked action log. Every
// mutating action leaves an entry whose hash covers the previous entry's
// hash, making after-the-fact mutation evident from genesis forward.
//
// The chain records faults, it does not block them: an orphan entry (no
// causal parent on a non-root action) is flagged and alerted but still
// appended.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tamluxury/atelier/pkg/canonicalize"
)

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// KindOrphanAction is the closed-taxonomy reason raised for orphan entries.
const KindOrphanAction = "ORPHAN_ACTION"

// DefaultRetention is the bounded window of retained entries.
const DefaultRetention = 10000

// rootActions may legally start a causal chain with no parent.
var rootActions = map[string]bool{
	"SYSTEM_STARTUP": true,
	"SYSTEM_INIT":    true,
	"CHAIN_GENESIS":  true,
}

// Entry is a single immutable audit record.
type Entry struct {
	ID          string                 `json:"id"`
	Sequence    uint64                 `json:"sequence"`
	Timestamp   int64                  `json:"timestamp"`
	Actor       string                 `json:"actor"`
	Action      string                 `json:"action"`
	Details     map[string]interface{} `json:"details"`
	Hash        string                 `json:"hash"`
	PrevHash    string                 `json:"prev_hash"`
	CausationID string                 `json:"causation_id,omitempty"`
	Orphan      bool                   `json:"orphan,omitempty"`
}

// Report is the result of a full chain re-verification.
type Report struct {
	Valid        bool `json:"valid"`
	TotalRecords int  `json:"total_records"`
	// BrokenAt is the index (within the retained window) of the first entry
	// whose recomputed hash or link does not match; -1 when intact.
	BrokenAt int `json:"broken_at"`
	Orphans  int `json:"orphans"`
}

// AlertFunc is invoked when an orphan entry is appended.
type AlertFunc func(e *Entry)

// Chain is the append-only audit log. Appends are serialized; reads return
// snapshots.
type Chain struct {
	mu        sync.RWMutex
	entries   []*Entry
	headHash  string
	baseHash  string // prev-hash of the oldest retained entry
	sequence  uint64
	retention int
	clock     func() time.Time
	onOrphan  AlertFunc
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

// WithRetention bounds the retained window.
func WithRetention(n int) Option {
	return func(c *Chain) { c.retention = n }
}

// WithOrphanAlert registers the orphan alert hook.
func WithOrphanAlert(fn AlertFunc) Option {
	return func(c *Chain) { c.onOrphan = fn }
}

// NewChain creates an empty audit chain.
func NewChain(opts ...Option) *Chain {
	c := &Chain{
		headHash:  GenesisHash,
		baseHash:  GenesisHash,
		retention: DefaultRetention,
		clock:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsRootAction reports whether action may start a chain without a parent.
func IsRootAction(action string) bool {
	return rootActions[action]
}

// Log appends an entry for a mutating action and returns its hash.
// causationID may be empty only for root actions; otherwise the entry is
// flagged ORPHAN, alerted, and still appended.
func (c *Chain) Log(actor, action string, details map[string]interface{}, causationID string) (string, error) {
	if action == "" {
		return "", fmt.Errorf("audit: empty action")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	entry := &Entry{
		ID:          "aud_" + uuid.New().String(),
		Sequence:    c.sequence,
		Timestamp:   c.clock().UnixMilli(),
		Actor:       actor,
		Action:      action,
		Details:     details,
		PrevHash:    c.headHash,
		CausationID: causationID,
		Orphan:      causationID == "" && !IsRootAction(action),
	}

	hash, err := entryHash(entry)
	if err != nil {
		c.sequence--
		return "", err
	}
	entry.Hash = hash
	c.headHash = hash

	c.entries = append(c.entries, entry)
	if len(c.entries) > c.retention {
		evicted := c.entries[0]
		c.entries = c.entries[1:]
		c.baseHash = evicted.Hash
	}

	if entry.Orphan && c.onOrphan != nil {
		c.onOrphan(entry)
	}
	return hash, nil
}

// entryHash computes the SHA-256 digest over the canonical form of the
// hashable fields, including the previous entry's hash.
func entryHash(e *Entry) (string, error) {
	hashable := map[string]interface{}{
		"sequence":     e.Sequence,
		"timestamp":    e.Timestamp,
		"actor":        e.Actor,
		"action":       e.Action,
		"details":      e.Details,
		"prev_hash":    e.PrevHash,
		"causation_id": e.CausationID,
	}
	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry %d: %w", e.Sequence, err)
	}
	return hash, nil
}

// Head returns the hash of the most recent entry (GenesisHash when empty).
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headHash
}

// Len returns the number of retained entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns up to limit retained entries, newest first.
// limit <= 0 returns the full retained window.
func (c *Chain) Entries(limit int) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, n)
	for i := 0; i < n; i++ {
		out[i] = c.entries[len(c.entries)-1-i]
	}
	return out
}

// ByCausation returns all retained entries caused by the given id, oldest
// first. Used to walk a causation chain forward.
func (c *Chain) ByCausation(causationID string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Entry
	for _, e := range c.entries {
		if e.CausationID == causationID {
			out = append(out, e)
		}
	}
	return out
}

// VerifyChainIntegrity recomputes every retained entry's hash from the chain
// base forward and checks each link. It reports the first index at which the
// stored state diverges from the recomputation. The orphan tally covers the
// whole window even when the chain is broken partway through.
func (c *Chain) VerifyChainIntegrity() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := Report{Valid: true, TotalRecords: len(c.entries), BrokenAt: -1}
	expectedPrev := c.baseHash
	for i, e := range c.entries {
		if e.Orphan {
			report.Orphans++
		}
		if !report.Valid {
			continue
		}
		if e.PrevHash != expectedPrev {
			report.Valid = false
			report.BrokenAt = i
			continue
		}
		computed, err := entryHash(e)
		if err != nil || computed != e.Hash {
			report.Valid = false
			report.BrokenAt = i
			continue
		}
		expectedPrev = e.Hash
	}
	return report
}
