package governance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tamluxury/atelier/pkg/authority"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/layers"
)

// Denial reasons form a closed taxonomy. Consumers switch on these; free-text
// lives in Decision.Detail only.
const (
	ReasonNoCommand               = "NO_COMMAND"
	ReasonAINotRegistered         = "AI_NOT_REGISTERED"
	ReasonScopeViolation          = "SCOPE_VIOLATION"
	ReasonTraceMissing            = "TRACE_MISSING"
	ReasonConstitutionalViolation = "CONSTITUTIONAL_VIOLATION"
	ReasonLayerViolation          = "LAYER_VIOLATION"
	ReasonPolicyHashMismatch      = "POLICY_HASH_MISMATCH"
	ReasonDuplicateEvent          = "DUPLICATE_EVENT"
	ReasonOrphanAction            = "ORPHAN_ACTION"
	ReasonActorTerminated         = "ACTOR_TERMINATED"
)

// Decision is the outcome of a governance check. An allowed decision carries
// the minted trace id; a denied one carries the reason and detail.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// ActionEnvelope is an AI-initiated action submitted for validation.
type ActionEnvelope struct {
	ActorID    string                 `json:"actor_id"`
	CommandID  string                 `json:"command_id"`
	TargetPath string                 `json:"target_path,omitempty"`
	Fields     map[string]interface{} `json:"fields"`
}

// Notifier receives denial notifications. The kill-switch hangs off this;
// governance never talks to it directly.
type Notifier interface {
	OnViolation(ctx context.Context, actorID, kind, severity, detail string)
}

// Quarantiner answers whether an actor is currently terminated. The
// kill-switch implements this; with no quarantiner wired, no actor is.
type Quarantiner interface {
	IsQuarantined(actorID string) bool
}

// Metrics records denial counts and check latency. The observability
// provider satisfies this.
type Metrics interface {
	RecordDenial(ctx context.Context, reason string, attrs ...attribute.KeyValue)
	RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue)
}

// Violation severities as reported to the notifier.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Engine validates AI actions against the sealed policy and the cell
// registries. All checks run in a fixed order and short-circuit on the first
// failure.
type Engine struct {
	policy     *Policy
	authority  *authority.Registry
	layers     *layers.Registry
	rules      *RuleEvaluator
	notifier   Notifier
	quarantine Quarantiner
	metrics    Metrics
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNotifier wires the violation sink (typically the kill-switch).
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithQuarantine wires the terminated-actor check (typically the same
// kill-switch as the notifier).
func WithQuarantine(q Quarantiner) EngineOption {
	return func(e *Engine) { e.quarantine = q }
}

// WithMetrics wires the denial and latency instruments.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds the decision point. The policy must already be verified;
// LoadPolicy refuses unverified documents.
func NewEngine(policy *Policy, auth *authority.Registry, lay *layers.Registry, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policy:    policy,
		authority: auth,
		layers:    lay,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if len(policy.Rules) > 0 {
		ev, err := NewRuleEvaluator()
		if err != nil {
			return nil, err
		}
		e.rules = ev
	}
	return e, nil
}

// ValidateAction runs the full check sequence on an action envelope:
// command present, actor registered and not quarantined, target inside the
// actor's write scope, trace fields present, constitutional rules satisfied.
// On success a trace id is minted; on failure the notifier hears about it.
func (e *Engine) ValidateAction(ctx context.Context, action ActionEnvelope) Decision {
	if e.metrics != nil {
		defer func(start time.Time) {
			e.metrics.RecordDuration(ctx, time.Since(start),
				attribute.String("operation", "validate_action"))
		}(time.Now())
	}

	if action.CommandID == "" {
		return e.deny(ctx, action.ActorID, ReasonNoCommand, SeverityMedium, "action has no command id")
	}

	actor, registered := e.policy.ActorRegistry[action.ActorID]
	if !registered {
		return e.deny(ctx, action.ActorID, ReasonAINotRegistered, SeverityHigh,
			fmt.Sprintf("actor %s is not in the policy registry", action.ActorID))
	}

	// A terminated actor stays blocked until an explicit reinstatement, no
	// matter how well-formed its actions are.
	if e.quarantine != nil && e.quarantine.IsQuarantined(action.ActorID) {
		return e.deny(ctx, action.ActorID, ReasonActorTerminated, SeverityHigh,
			fmt.Sprintf("actor %s is terminated and awaiting reinstatement", action.ActorID))
	}

	// An action with no target path touches nothing, so scope is trivially
	// satisfied.
	if action.TargetPath != "" && !scopeAllows(actor.ScopeLimit, action.TargetPath) {
		return e.deny(ctx, action.ActorID, ReasonScopeViolation, SeverityHigh,
			fmt.Sprintf("target %s is outside scope %s", action.TargetPath, actor.ScopeLimit))
	}

	for _, field := range e.policy.TraceRequirements.RequiredFields {
		if _, ok := action.Fields[field]; !ok {
			return e.deny(ctx, action.ActorID, ReasonTraceMissing, SeverityMedium,
				fmt.Sprintf("required trace field missing: %s", field))
		}
	}

	if e.rules != nil {
		input := map[string]any{
			"actor_id":    action.ActorID,
			"command_id":  action.CommandID,
			"target_path": action.TargetPath,
			"fields":      action.Fields,
		}
		for _, rule := range e.policy.Rules {
			allowed, err := e.rules.Evaluate(rule.Expr, input)
			if err != nil {
				return e.deny(ctx, action.ActorID, ReasonConstitutionalViolation, SeverityCritical,
					fmt.Sprintf("rule %s failed to evaluate: %v", rule.Name, err))
			}
			if !allowed {
				return e.deny(ctx, action.ActorID, ReasonConstitutionalViolation, SeverityCritical,
					fmt.Sprintf("rule %s denied the action", rule.Name))
			}
		}
	}

	return Decision{Allowed: true, TraceID: "trace-" + uuid.New().String()}
}

// ValidateEmit checks that a cell may emit the given event: the source must
// hold authority over the event type. Authority denials are constitutional.
func (e *Engine) ValidateEmit(ctx context.Context, ev *event.Event) Decision {
	if v := e.authority.Validate(ev.SourceCell, ev.EventType); v != nil {
		return e.deny(ctx, ev.SourceCell, ReasonConstitutionalViolation, SeverityCritical, v.Message)
	}
	return Decision{Allowed: true, TraceID: "trace-" + uuid.New().String()}
}

// ValidateDependency checks the layer direction rule between two cells.
func (e *Engine) ValidateDependency(ctx context.Context, source, target string) Decision {
	if v := e.layers.Validate(source, target); v != nil {
		return e.deny(ctx, source, ReasonLayerViolation, SeverityHigh, v.Message)
	}
	return Decision{Allowed: true}
}

func (e *Engine) deny(ctx context.Context, actorID, reason, severity, detail string) Decision {
	e.logger.Warn("governance denial",
		"actor", actorID,
		"reason", reason,
		"severity", severity,
		"detail", detail,
	)
	if e.metrics != nil {
		e.metrics.RecordDenial(ctx, reason, attribute.String("actor", actorID))
	}
	if e.notifier != nil {
		e.notifier.OnViolation(ctx, actorID, reason, severity, detail)
	}
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// scopeAllows matches a target path against a scope glob: "*" allows
// everything, "dir/*" allows anything under dir/, anything else is exact.
func scopeAllows(scope, target string) bool {
	if scope == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(scope, "/*"); ok {
		return strings.HasPrefix(target, prefix+"/")
	}
	return scope == target
}
