package killswitch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamluxury/atelier/pkg/audit"
	"github.com/tamluxury/atelier/pkg/authority"
	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/governance"
	"github.com/tamluxury/atelier/pkg/layers"
	"github.com/tamluxury/atelier/pkg/store"
)

func testSwitch(t *testing.T) (*Switch, store.KV, *audit.Chain, *bus.Bus) {
	t.Helper()
	kv := store.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })
	chain := audit.NewChain()
	b := bus.New()
	return New(kv, chain, b), kv, chain, b
}

func TestThirdStrikeTerminates(t *testing.T) {
	s, _, _, _ := testSwitch(t)
	ctx := context.Background()

	s.OnViolation(ctx, "agent-1", "SCOPE_VIOLATION", "HIGH", "first")
	assert.Equal(t, StateWarned, s.StateOf("agent-1"))
	assert.False(t, s.IsQuarantined("agent-1"))

	s.OnViolation(ctx, "agent-1", "TRACE_MISSING", "MEDIUM", "second")
	assert.Equal(t, StateWarned, s.StateOf("agent-1"))

	s.OnViolation(ctx, "agent-1", "SCOPE_VIOLATION", "HIGH", "third")
	assert.Equal(t, StateTerminated, s.StateOf("agent-1"))
	assert.True(t, s.IsQuarantined("agent-1"))
	assert.Equal(t, 3, s.CountOf("agent-1"))
	assert.Equal(t, []string{"agent-1"}, s.Terminated())
}

func TestCriticalTerminatesImmediately(t *testing.T) {
	s, _, _, _ := testSwitch(t)
	s.OnViolation(context.Background(), "agent-1", "CONSTITUTIONAL_VIOLATION", SeverityCritical, "breach")

	assert.Equal(t, StateTerminated, s.StateOf("agent-1"))
	assert.Equal(t, 1, s.CountOf("agent-1"))
}

func TestTerminationPersistsSnapshot(t *testing.T) {
	s, kv, chain, _ := testSwitch(t)
	ctx := context.Background()
	s.OnViolation(ctx, "agent-1", "SCOPE_VIOLATION", "HIGH", "a")
	s.OnViolation(ctx, "agent-1", "SCOPE_VIOLATION", "HIGH", "b")
	s.OnViolation(ctx, "agent-1", "CONSTITUTIONAL_VIOLATION", SeverityCritical, "c")

	raw, ok, err := kv.Get(ctx, "snapshot:agent-1")
	require.NoError(t, err)
	require.True(t, ok)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, "agent-1", snap.ActorID)
	assert.Equal(t, 3, snap.Count)
	assert.Len(t, snap.Violations, 3)
	assert.Equal(t, "CONSTITUTIONAL_VIOLATION", snap.Trigger.Kind)

	entries := chain.Entries(0)
	require.NotEmpty(t, entries)
	assert.Equal(t, "ACTOR_TERMINATED", entries[0].Action)
}

func TestTerminationBroadcastsQuarantine(t *testing.T) {
	s, _, _, b := testSwitch(t)
	var seen []*event.Event
	_, err := b.Subscribe("governance.*", func(_ context.Context, evt *event.Event) error {
		seen = append(seen, evt)
		return nil
	}, "cell:listener")
	require.NoError(t, err)

	s.OnViolation(context.Background(), "agent-1", "X", SeverityCritical, "")
	// Quarantine broadcasts are CRITICAL priority, hence synchronous.
	require.Len(t, seen, 1)
	assert.Equal(t, QuarantineEventType, seen[0].EventType)
	assert.Equal(t, "agent-1", seen[0].Payload["actor_id"])
	assert.Equal(t, event.DomainGovernance, seen[0].Domain)
	assert.True(t, seen[0].AuditRequired)
}

func TestCountIsMonotonic(t *testing.T) {
	s, _, _, _ := testSwitch(t)
	ctx := context.Background()
	s.OnViolation(ctx, "agent-1", "X", SeverityCritical, "")
	require.Equal(t, StateTerminated, s.StateOf("agent-1"))

	// Violations against a dead actor still count.
	s.OnViolation(ctx, "agent-1", "Y", "LOW", "")
	assert.Equal(t, 2, s.CountOf("agent-1"))
	assert.Equal(t, StateTerminated, s.StateOf("agent-1"))
}

func TestReinstate(t *testing.T) {
	s, _, chain, _ := testSwitch(t)
	ctx := context.Background()

	// Only terminated actors can be reinstated.
	assert.Error(t, s.Reinstate(ctx, "agent-1"))

	s.OnViolation(ctx, "agent-1", "X", SeverityCritical, "")
	require.True(t, s.IsQuarantined("agent-1"))

	require.NoError(t, s.Reinstate(ctx, "agent-1"))
	assert.Equal(t, StateNormal, s.StateOf("agent-1"))
	assert.False(t, s.IsQuarantined("agent-1"))
	// History survives reinstatement.
	assert.Equal(t, 1, s.CountOf("agent-1"))
	assert.Len(t, s.Violations("agent-1"), 1)

	entries := chain.Entries(0)
	require.NotEmpty(t, entries)
	assert.Equal(t, "ACTOR_REINSTATED", entries[0].Action)

	// Two more strikes terminate again: the old count still stands.
	s.OnViolation(ctx, "agent-1", "Y", "LOW", "")
	s.OnViolation(ctx, "agent-1", "Z", "LOW", "")
	assert.Equal(t, StateTerminated, s.StateOf("agent-1"))
}

func TestTerminatedActorBlockedByGovernance(t *testing.T) {
	s, _, _, _ := testSwitch(t)
	ctx := context.Background()

	policy := &governance.Policy{
		Version: "1.0.0",
		ActorRegistry: map[string]governance.ActorPolicy{
			"agent-1": {ScopeLimit: "*"},
		},
	}
	engine, err := governance.NewEngine(policy, authority.NewRegistry(), layers.NewRegistry(),
		governance.WithNotifier(s),
		governance.WithQuarantine(s),
	)
	require.NoError(t, err)

	action := governance.ActionEnvelope{ActorID: "agent-1", CommandID: "cmd_x"}
	d := engine.ValidateAction(ctx, action)
	require.True(t, d.Allowed)

	s.OnViolation(ctx, "agent-1", "CONSTITUTIONAL_VIOLATION", SeverityCritical, "breach")
	require.True(t, s.IsQuarantined("agent-1"))

	// Well-formed actions stay blocked while the actor is terminated.
	d = engine.ValidateAction(ctx, action)
	assert.False(t, d.Allowed)
	assert.Equal(t, governance.ReasonActorTerminated, d.Reason)
	assert.Empty(t, d.TraceID)

	// Only an explicit reinstatement lifts the block.
	require.NoError(t, s.Reinstate(ctx, "agent-1"))
	d = engine.ValidateAction(ctx, action)
	assert.True(t, d.Allowed)
}

func TestSeparateActorsTrackedIndependently(t *testing.T) {
	s, _, _, _ := testSwitch(t)
	ctx := context.Background()
	s.OnViolation(ctx, "agent-1", "X", "LOW", "")
	s.OnViolation(ctx, "agent-2", "X", SeverityCritical, "")

	assert.Equal(t, StateWarned, s.StateOf("agent-1"))
	assert.Equal(t, StateTerminated, s.StateOf("agent-2"))
	assert.Equal(t, StateNormal, s.StateOf("agent-3"))
	assert.Zero(t, s.CountOf("agent-3"))
}
