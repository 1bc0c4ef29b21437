// Package replay reconstructs system state by re-running the event history
// in a controlled session. Sessions are dry-run by default: handlers observe
// the events but side effects stay off until the operator commits.
//
// The session walks a fixed boot ladder (STATE_1 through STATE_7); each rung
// only admits the event namespaces that are safe at that point, so a replay
// cannot, say, apply API traffic before configuration exists.
package replay

import (
	"fmt"
	"strings"

	"github.com/tamluxury/atelier/pkg/event"
)

// Mode selects which slice of history a session replays.
type Mode string

const (
	// ModeFull replays the entire retained history.
	ModeFull Mode = "FULL"
	// ModeSaga replays every event sharing one correlation id.
	ModeSaga Mode = "SAGA"
	// ModeSelective replays only the named event types.
	ModeSelective Mode = "SELECTIVE"
	// ModePointInTime replays history up to a timestamp.
	ModePointInTime Mode = "POINT_IN_TIME"
)

// State is a rung on the recovery boot ladder.
type State string

const (
	State1 State = "STATE_1"
	State2 State = "STATE_2"
	State3 State = "STATE_3"
	State4 State = "STATE_4"
	State5 State = "STATE_5"
	State6 State = "STATE_6"
	State7 State = "STATE_7"
)

// stateLadder orders the rungs for advancement.
var stateLadder = []State{State1, State2, State3, State4, State5, State6, State7}

// validNamespaces maps each rung to the event-type prefixes it admits.
// A "*" entry admits everything. Later rungs are supersets of earlier ones.
var validNamespaces = map[State][]string{
	State1: {"config."},
	State2: {"config.", "rbac.", "monitor.", "audit.", "security."},
	State3: {"config.", "rbac.", "monitor.", "audit.", "security.", "sync.", "api."},
	State4: {"*"},
	State5: {"*"},
	State6: {"*"},
	State7: {"*"},
}

// IsEventValidForState reports whether an event type may be applied at the
// given rung.
func IsEventValidForState(eventType string, state State) bool {
	namespaces, ok := validNamespaces[state]
	if !ok {
		return false
	}
	for _, ns := range namespaces {
		if ns == "*" || strings.HasPrefix(eventType, ns) {
			return true
		}
	}
	return false
}

// NextState returns the rung after s, or s itself at the top of the ladder.
func NextState(s State) State {
	for i, rung := range stateLadder {
		if rung == s && i+1 < len(stateLadder) {
			return stateLadder[i+1]
		}
	}
	return s
}

// Context carries the parameters of one replay session. Build it with
// NewContext so mode-specific requirements are checked up front.
type Context struct {
	Mode          Mode
	TargetState   State
	CorrelationID string
	EventTypes    []string
	FromTimestamp int64
	ToTimestamp   int64
	DryRun        bool
}

// NewContext validates the target state and the mode-specific requirements
// and returns a session context. Only events admissible at the target rung
// are replayed. Sessions start dry-run; flip DryRun off explicitly to commit.
func NewContext(mode Mode, target State, opts ...ContextOption) (*Context, error) {
	if _, ok := validNamespaces[target]; !ok {
		return nil, fmt.Errorf("replay: unknown target state %q", target)
	}
	c := &Context{Mode: mode, TargetState: target, DryRun: true}
	for _, o := range opts {
		o(c)
	}
	switch mode {
	case ModeFull:
	case ModeSaga:
		if c.CorrelationID == "" {
			return nil, fmt.Errorf("replay: SAGA mode requires a correlation id")
		}
	case ModeSelective:
		if len(c.EventTypes) == 0 {
			return nil, fmt.Errorf("replay: SELECTIVE mode requires event types")
		}
	case ModePointInTime:
		if c.ToTimestamp == 0 {
			return nil, fmt.Errorf("replay: POINT_IN_TIME mode requires a target timestamp")
		}
	default:
		return nil, fmt.Errorf("replay: unknown mode %q", mode)
	}
	return c, nil
}

// ContextOption configures a session context.
type ContextOption func(*Context)

// WithCorrelation scopes a SAGA session.
func WithCorrelation(id string) ContextOption {
	return func(c *Context) { c.CorrelationID = id }
}

// WithEventTypes scopes a SELECTIVE session.
func WithEventTypes(types ...string) ContextOption {
	return func(c *Context) { c.EventTypes = types }
}

// WithWindow bounds the replayed timestamps. from may be zero for an open
// lower bound.
func WithWindow(from, to int64) ContextOption {
	return func(c *Context) {
		c.FromTimestamp = from
		c.ToTimestamp = to
	}
}

// WithCommit turns the dry run off: handlers run with side effects live.
func WithCommit() ContextOption {
	return func(c *Context) { c.DryRun = false }
}

// Matches reports whether the context selects evt. The time window and the
// target-state whitelist apply in every mode; the mode only narrows further.
func (c *Context) Matches(evt *event.Event) bool {
	if c.FromTimestamp != 0 && evt.Timestamp < c.FromTimestamp {
		return false
	}
	if c.ToTimestamp != 0 && evt.Timestamp > c.ToTimestamp {
		return false
	}
	if !IsEventValidForState(evt.EventType, c.TargetState) {
		return false
	}
	switch c.Mode {
	case ModeFull, ModePointInTime:
		return true
	case ModeSaga:
		return evt.CorrelationID == c.CorrelationID
	case ModeSelective:
		for _, t := range c.EventTypes {
			if evt.EventType == t {
				return true
			}
		}
		return false
	}
	return false
}

// FilterForReplay returns the slice of history the context selects,
// preserving order.
func FilterForReplay(history []*event.Event, c *Context) []*event.Event {
	var out []*event.Event
	for _, evt := range history {
		if c.Matches(evt) {
			out = append(out, evt)
		}
	}
	return out
}
