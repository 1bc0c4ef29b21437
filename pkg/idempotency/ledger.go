// Package idempotency implements the exactly-once execution guard. Each
// business effect is keyed by a deterministic hash of (event id, tenant,
// service, canonicalized payload); the first caller to claim a key wins and
// every later caller sees a duplicate, optionally with the cached result.
//
// The claim is a single atomic check-and-set against the backing store.
// PROCESSING entries carry a lease so a crashed or timed-out handler cannot
// wedge the key forever.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tamluxury/atelier/pkg/canonicalize"
	"github.com/tamluxury/atelier/pkg/store"
)

// Status is the lifecycle state of a ledger record. A key transitions
// PROCESSING → PROCESSED|FAILED exactly once.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

const keyPrefix = "idem:"

// Record is the persisted ledger entry for one idempotency key.
type Record struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	ServiceName    string          `json:"service_name"`
	Status         Status          `json:"status"`
	ResultCache    json.RawMessage `json:"result_cache,omitempty"`
	ProcessedAt    int64           `json:"processed_at"`
	CompletedAt    int64           `json:"completed_at,omitempty"`
	ExpiresAt      int64           `json:"expires_at"`
	LeaseExpiresAt int64           `json:"lease_expires_at"`
}

// Result is the outcome of an Enforce call. CachedResult is populated only
// when a prior attempt completed successfully.
type Result struct {
	IsDuplicate  bool
	CachedResult json.RawMessage
}

// Ledger is the exactly-once guard. Safe for concurrent use.
type Ledger struct {
	kv store.KV

	// mu serializes the lease-retake path; the fresh-claim path relies on
	// the store's atomic SetNX alone.
	mu sync.Mutex

	clock    func() time.Time
	leaseTTL time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLeaseTTL bounds how long a PROCESSING claim blocks retakes.
func WithLeaseTTL(d time.Duration) Option {
	return func(l *Ledger) { l.leaseTTL = d }
}

// NewLedger creates a ledger over the given store.
func NewLedger(kv store.KV, opts ...Option) *Ledger {
	l := &Ledger{
		kv:       kv,
		clock:    time.Now,
		leaseTTL: 5 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Key derives the deterministic idempotency key. The payload is stripped of
// volatile fields, NFC-normalized, and canonicalized so retried calls with
// regenerated timestamps or reordered fields still collide.
func Key(eventID, tenantID, serviceName string, payload map[string]interface{}) (string, error) {
	stable := canonicalize.Normalize(canonicalize.StripVolatile(payload))
	fingerprint := []interface{}{
		canonicalize.NormalizeString(eventID),
		canonicalize.NormalizeString(tenantID),
		canonicalize.NormalizeString(serviceName),
		stable,
	}
	hash, err := canonicalize.CanonicalHash(fingerprint)
	if err != nil {
		return "", fmt.Errorf("idempotency: key derivation: %w", err)
	}
	return hash, nil
}

// Enforce claims the key for (eventID, tenantID, serviceName, payload).
// The first caller gets {IsDuplicate: false} and owns execution. Later
// callers get {IsDuplicate: true}, with the cached result if the first
// attempt completed successfully. PROCESSING and FAILED entries are reported
// as duplicates with no result: the caller must not retry automatically.
func (l *Ledger) Enforce(ctx context.Context, eventID, tenantID, serviceName string, payload map[string]interface{}, ttl time.Duration) (Result, error) {
	key, err := Key(eventID, tenantID, serviceName, payload)
	if err != nil {
		return Result{}, err
	}
	if err := l.purgeExpired(ctx); err != nil {
		return Result{}, err
	}

	now := l.clock()
	fresh := Record{
		EventID:        eventID,
		TenantID:       tenantID,
		ServiceName:    serviceName,
		Status:         StatusProcessing,
		ProcessedAt:    now.UnixMilli(),
		ExpiresAt:      now.Add(ttl).UnixMilli(),
		LeaseExpiresAt: now.Add(l.leaseTTL).UnixMilli(),
	}
	freshBytes, err := json.Marshal(fresh)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency: marshal record: %w", err)
	}

	// Fast path: atomic conditional insert. Exactly one concurrent caller
	// wins this write.
	won, err := l.kv.SetNX(ctx, keyPrefix+key, freshBytes)
	if err != nil {
		return Result{}, err
	}
	if won {
		return Result{IsDuplicate: false}, nil
	}

	// Key exists: inspect the prior record.
	raw, ok, err := l.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// Purged between SetNX and Get; treat as duplicate, owner unknown.
		return Result{IsDuplicate: true}, nil
	}
	var existing Record
	if err := json.Unmarshal(raw, &existing); err != nil {
		return Result{}, fmt.Errorf("idempotency: corrupt record for %s: %w", key, err)
	}

	switch existing.Status {
	case StatusProcessed:
		return Result{IsDuplicate: true, CachedResult: existing.ResultCache}, nil
	case StatusProcessing:
		if existing.LeaseExpiresAt <= now.UnixMilli() {
			// Prior attempt crashed or timed out; retake under lock.
			l.mu.Lock()
			defer l.mu.Unlock()
			raw2, ok2, err := l.kv.Get(ctx, keyPrefix+key)
			if err != nil {
				return Result{}, err
			}
			var current Record
			if ok2 {
				if err := json.Unmarshal(raw2, &current); err != nil {
					return Result{}, fmt.Errorf("idempotency: corrupt record for %s: %w", key, err)
				}
			}
			if !ok2 || (current.Status == StatusProcessing && current.LeaseExpiresAt <= now.UnixMilli()) {
				if err := l.kv.Set(ctx, keyPrefix+key, freshBytes); err != nil {
					return Result{}, err
				}
				return Result{IsDuplicate: false}, nil
			}
			// Someone else resolved or retook it first.
			if current.Status == StatusProcessed {
				return Result{IsDuplicate: true, CachedResult: current.ResultCache}, nil
			}
			return Result{IsDuplicate: true}, nil
		}
		return Result{IsDuplicate: true}, nil
	default: // FAILED
		return Result{IsDuplicate: true}, nil
	}
}

// SetResult finalizes the key: PROCESSED when the result is a success,
// FAILED when it signals failure (a map carrying status=FAILED). The cached
// result is persisted for replay to later duplicate callers.
func (l *Ledger) SetResult(ctx context.Context, eventID, tenantID, serviceName string, payload map[string]interface{}, result interface{}) error {
	key, err := Key(eventID, tenantID, serviceName, payload)
	if err != nil {
		return err
	}
	raw, ok, err := l.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("idempotency: no record to finalize for event %s", eventID)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("idempotency: corrupt record for %s: %w", key, err)
	}
	if rec.Status != StatusProcessing {
		return fmt.Errorf("idempotency: record for event %s already %s", eventID, rec.Status)
	}

	rec.Status = StatusProcessed
	if resultFailed(result) {
		rec.Status = StatusFailed
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}
	rec.ResultCache = resultBytes
	rec.CompletedAt = l.clock().UnixMilli()

	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: marshal record: %w", err)
	}
	return l.kv.Set(ctx, keyPrefix+key, updated)
}

// resultFailed reports whether the result signals failure.
func resultFailed(result interface{}) bool {
	m, ok := result.(map[string]interface{})
	if !ok {
		return false
	}
	status, _ := m["status"].(string)
	return strings.EqualFold(status, string(StatusFailed))
}

// purgeExpired removes every record whose TTL has passed.
func (l *Ledger) purgeExpired(ctx context.Context) error {
	keys, err := l.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	now := l.clock().UnixMilli()
	for _, k := range keys {
		raw, ok, err := l.kv.Get(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.ExpiresAt < now {
			if err := l.kv.Delete(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}
