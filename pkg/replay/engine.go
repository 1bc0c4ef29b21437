package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/event"
)

// ApplyFunc applies one replayed event to live state. It is only invoked on
// committed (non-dry-run) sessions.
type ApplyFunc func(ctx context.Context, evt *event.Event) error

// BusApply returns an ApplyFunc that republishes each replayed event through
// the bus, so committed sessions drive the same handlers live traffic does.
func BusApply(b *bus.Bus) ApplyFunc {
	return func(ctx context.Context, evt *event.Event) error {
		return b.Publish(ctx, evt, bus.Options{Priority: bus.PriorityCritical})
	}
}

// Result summarizes one replay session.
type Result struct {
	EventsProcessed int      `json:"events_processed"`
	EventsSkipped   int      `json:"events_skipped"`
	Errors          []string `json:"errors,omitempty"`
	FinalState      State    `json:"final_state"`
}

// Engine runs replay sessions over an event history.
type Engine struct {
	apply  ApplyFunc
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a replay engine. apply may be nil for engines that only
// ever dry-run.
func NewEngine(apply ApplyFunc, opts ...EngineOption) *Engine {
	e := &Engine{apply: apply, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run replays the selected slice of history through the boot ladder. Events
// are applied in order; an event not yet admissible at the current rung
// advances the ladder toward the session's target state, never past it. An
// event still inadmissible at the target rung is skipped. Dry-run sessions
// walk the ladder without touching live state.
func (e *Engine) Run(ctx context.Context, history []*event.Event, c *Context) *Result {
	selected := FilterForReplay(history, c)
	result := &Result{FinalState: State1}

	state := State1
	for _, evt := range selected {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("session aborted: %v", err))
			break
		}

		for state != c.TargetState && !IsEventValidForState(evt.EventType, state) {
			next := NextState(state)
			if next == state {
				break
			}
			state = next
		}
		if !IsEventValidForState(evt.EventType, state) {
			result.EventsSkipped++
			e.logger.Debug("replay skip", "event", evt.EventID, "type", evt.EventType, "state", state)
			continue
		}

		if !c.DryRun && e.apply != nil {
			if err := e.apply(ctx, evt); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", evt.EventID, err))
				result.EventsSkipped++
				continue
			}
		}
		result.EventsProcessed++
	}

	result.FinalState = state
	e.logger.Info("replay session complete",
		"mode", c.Mode,
		"dry_run", c.DryRun,
		"processed", result.EventsProcessed,
		"skipped", result.EventsSkipped,
		"final_state", state,
	)
	return result
}
