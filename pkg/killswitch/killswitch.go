// Package killswitch is the emergency circuit breaker for AI actors. Actors
// accumulate governance violations; a critical violation or the third strike
// terminates the actor, dumps its recent state for forensics, and broadcasts
// a quarantine so every cell stops honoring it.
//
// Violation counts are monotonic. Reinstatement restores the state machine
// but never erases the history.
package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tamluxury/atelier/pkg/audit"
	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/store"
)

// State is the per-actor circuit state.
type State string

const (
	StateNormal     State = "NORMAL"
	StateWarned     State = "WARNED"
	StateTerminated State = "TERMINATED"
)

// SeverityCritical terminates on the first violation regardless of count.
const SeverityCritical = "CRITICAL"

// terminateAfter is the strike count that trips the switch for non-critical
// violations.
const terminateAfter = 3

const snapshotKeyPrefix = "snapshot:"

// QuarantineEventType is broadcast on the bus when an actor is terminated.
const QuarantineEventType = "governance.actor.terminated"

// governanceCell is the source cell for quarantine broadcasts.
const governanceCell = "cell:governance"

// Violation is one recorded strike against an actor.
type Violation struct {
	ActorID  string `json:"actor_id"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	At       int64  `json:"at"`
}

// Snapshot is the forensic dump persisted when an actor is terminated.
type Snapshot struct {
	ActorID      string      `json:"actor_id"`
	TerminatedAt int64       `json:"terminated_at"`
	Count        int         `json:"violation_count"`
	Violations   []Violation `json:"violations"`
	Trigger      Violation   `json:"trigger"`
}

type actorRecord struct {
	state      State
	count      int
	violations []Violation
}

// Switch tracks violations per actor and trips termination. Safe for
// concurrent use.
type Switch struct {
	mu          sync.RWMutex
	actors      map[string]*actorRecord
	quarantined map[string]bool

	kv     store.KV
	chain  *audit.Chain
	bus    *bus.Bus
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Switch.
type Option func(*Switch)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Switch) { s.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Switch) { s.logger = l }
}

// New creates a kill-switch. kv receives forensic snapshots, chain records
// terminations, b carries quarantine broadcasts. Any of the three may be nil
// in tests that do not exercise that path.
func New(kv store.KV, chain *audit.Chain, b *bus.Bus, opts ...Option) *Switch {
	s := &Switch{
		actors:      make(map[string]*actorRecord),
		quarantined: make(map[string]bool),
		kv:          kv,
		chain:       chain,
		bus:         b,
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnViolation records a strike. A CRITICAL violation, or the third strike of
// any severity, terminates the actor. Violations against an already
// terminated actor still count but change nothing else.
func (s *Switch) OnViolation(ctx context.Context, actorID, kind, severity, detail string) {
	s.mu.Lock()
	rec := s.actors[actorID]
	if rec == nil {
		rec = &actorRecord{state: StateNormal}
		s.actors[actorID] = rec
	}
	v := Violation{
		ActorID:  actorID,
		Kind:     kind,
		Severity: severity,
		Detail:   detail,
		At:       s.clock().UnixMilli(),
	}
	rec.count++
	rec.violations = append(rec.violations, v)

	if rec.state == StateTerminated {
		s.mu.Unlock()
		return
	}

	terminate := severity == SeverityCritical || rec.count >= terminateAfter
	if !terminate {
		rec.state = StateWarned
		s.mu.Unlock()
		s.logger.Warn("actor warned", "actor", actorID, "kind", kind, "count", rec.count)
		return
	}

	rec.state = StateTerminated
	s.quarantined[actorID] = true
	snapshot := Snapshot{
		ActorID:      actorID,
		TerminatedAt: v.At,
		Count:        rec.count,
		Violations:   append([]Violation(nil), rec.violations...),
		Trigger:      v,
	}
	s.mu.Unlock()

	s.logger.Error("actor terminated", "actor", actorID, "kind", kind, "count", snapshot.Count)
	s.persistSnapshot(ctx, snapshot)
	s.recordTermination(snapshot)
	s.broadcastQuarantine(ctx, snapshot)
}

func (s *Switch) persistSnapshot(ctx context.Context, snap Snapshot) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("snapshot marshal failed", "actor", snap.ActorID, "error", err)
		return
	}
	if err := s.kv.Set(ctx, snapshotKeyPrefix+snap.ActorID, data); err != nil {
		s.logger.Error("snapshot persist failed", "actor", snap.ActorID, "error", err)
	}
}

func (s *Switch) recordTermination(snap Snapshot) {
	if s.chain == nil {
		return
	}
	_, err := s.chain.Log("kill-switch", "ACTOR_TERMINATED", map[string]interface{}{
		"actor_id":        snap.ActorID,
		"violation_count": snap.Count,
		"trigger_kind":    snap.Trigger.Kind,
		"severity":        snap.Trigger.Severity,
	}, "violation:"+snap.Trigger.Kind)
	if err != nil {
		s.logger.Error("termination audit failed", "actor", snap.ActorID, "error", err)
	}
}

func (s *Switch) broadcastQuarantine(ctx context.Context, snap Snapshot) {
	if s.bus == nil {
		return
	}
	evt := event.New(QuarantineEventType, governanceCell, event.DomainGovernance,
		event.Actor{Persona: "system", UserID: "kill-switch"},
		map[string]interface{}{
			"actor_id":        snap.ActorID,
			"violation_count": snap.Count,
			"trigger_kind":    snap.Trigger.Kind,
		})
	if err := s.bus.Publish(ctx, evt, bus.Options{Priority: bus.PriorityCritical}); err != nil {
		s.logger.Error("quarantine broadcast failed", "actor", snap.ActorID, "error", err)
	}
}

// IsQuarantined reports whether the actor is currently terminated.
func (s *Switch) IsQuarantined(actorID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quarantined[actorID]
}

// StateOf returns the actor's circuit state (NORMAL for unknown actors).
func (s *Switch) StateOf(actorID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.actors[actorID]; ok {
		return rec.state
	}
	return StateNormal
}

// CountOf returns the actor's lifetime violation count.
func (s *Switch) CountOf(actorID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.actors[actorID]; ok {
		return rec.count
	}
	return 0
}

// Terminated returns the ids of all currently terminated actors.
func (s *Switch) Terminated() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, q := range s.quarantined {
		if q {
			out = append(out, id)
		}
	}
	return out
}

// Violations returns a copy of the actor's recorded strikes, oldest first.
func (s *Switch) Violations(actorID string) []Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.actors[actorID]
	if !ok {
		return nil
	}
	return append([]Violation(nil), rec.violations...)
}

// Reinstate lifts a termination. The state returns to NORMAL and the
// quarantine clears, but the violation count is preserved: history is never
// erased. Reinstating a non-terminated actor is an error.
func (s *Switch) Reinstate(ctx context.Context, actorID string) error {
	s.mu.Lock()
	rec, ok := s.actors[actorID]
	if !ok || rec.state != StateTerminated {
		s.mu.Unlock()
		return fmt.Errorf("killswitch: actor %s is not terminated", actorID)
	}
	rec.state = StateNormal
	delete(s.quarantined, actorID)
	count := rec.count
	s.mu.Unlock()

	s.logger.Info("actor reinstated", "actor", actorID, "count", count)
	if s.chain != nil {
		if _, err := s.chain.Log("kill-switch", "ACTOR_REINSTATED", map[string]interface{}{
			"actor_id":        actorID,
			"violation_count": count,
		}, "reinstate:"+actorID); err != nil {
			s.logger.Error("reinstatement audit failed", "actor", actorID, "error", err)
		}
	}
	return nil
}
