// Package authority maps event-type patterns to the single cell permitted to
// emit them. A cell emitting a type it does not own is a constitutional
// violation. Rules are seeded at startup and rarely change at runtime.
package authority

import (
	"fmt"
	"sync"

	"github.com/tamluxury/atelier/pkg/event"
)

// KindConstitutionalViolation is the closed-taxonomy reason for an
// unauthorized emission.
const KindConstitutionalViolation = "CONSTITUTIONAL_VIOLATION"

// Rule binds a cell to the event-type patterns it owns.
type Rule struct {
	CellID            string   `json:"cell_id" yaml:"cell_id"`
	EventPatterns     []string `json:"event_patterns" yaml:"event_patterns"`
	DelegationAllowed bool     `json:"delegation_allowed" yaml:"delegation_allowed"`
}

// Violation is the structured result of a failed authority check.
type Violation struct {
	Kind      string `json:"type"`
	CellID    string `json:"cell_id"`
	EventType string `json:"event_type"`
	Message   string `json:"message"`
}

// Registry holds authority rules in registration order; lookups return the
// first matching rule.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRegistry creates an empty authority registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a rule. Patterns must be well-formed and must not overlap an
// already-registered cell's patterns: at most one cell owns any concrete type.
func (r *Registry) Register(rule Rule) error {
	if rule.CellID == "" {
		return fmt.Errorf("authority: rule missing cell_id")
	}
	if len(rule.EventPatterns) == 0 {
		return fmt.Errorf("authority: rule for %s has no patterns", rule.CellID)
	}
	for _, p := range rule.EventPatterns {
		if !event.ValidPattern(p) {
			return fmt.Errorf("authority: invalid pattern %q for %s", p, rule.CellID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rules {
		if existing.CellID == rule.CellID {
			continue
		}
		for _, ep := range existing.EventPatterns {
			for _, np := range rule.EventPatterns {
				if patternsOverlap(ep, np) {
					return fmt.Errorf("authority: pattern %q of %s overlaps %q owned by %s",
						np, rule.CellID, ep, existing.CellID)
				}
			}
		}
	}
	r.rules = append(r.rules, rule)
	return nil
}

// Remove drops every rule owned by cellID. Removing an unknown cell is a
// no-op.
func (r *Registry) Remove(cellID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.CellID != cellID {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
}

// HasAuthority reports whether cellID owns eventType.
func (r *Registry) HasAuthority(cellID, eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.CellID != cellID {
			continue
		}
		for _, p := range rule.EventPatterns {
			if event.MatchPattern(p, eventType) {
				return true
			}
		}
	}
	return false
}

// Validate returns a Violation if cellID may not emit eventType, nil otherwise.
func (r *Registry) Validate(cellID, eventType string) *Violation {
	if r.HasAuthority(cellID, eventType) {
		return nil
	}
	return &Violation{
		Kind:      KindConstitutionalViolation,
		CellID:    cellID,
		EventType: eventType,
		Message:   fmt.Sprintf("cell %s has no authority over event type %s", cellID, eventType),
	}
}

// AuthorizedCellFor returns the owning cell for eventType, iterating rules in
// registration order, or "" if no rule matches.
func (r *Registry) AuthorizedCellFor(eventType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		for _, p := range rule.EventPatterns {
			if event.MatchPattern(p, eventType) {
				return rule.CellID
			}
		}
	}
	return ""
}

// Rules returns a snapshot of the registered rules.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// patternsOverlap reports whether two patterns can match the same concrete
// event type. Used to enforce single ownership at registration time.
func patternsOverlap(a, b string) bool {
	if a == "*" || b == "*" {
		return true
	}
	aWild := len(a) > 2 && a[len(a)-2:] == ".*"
	bWild := len(b) > 2 && b[len(b)-2:] == ".*"
	switch {
	case !aWild && !bWild:
		return a == b
	case aWild && !bWild:
		return event.MatchPattern(a, b)
	case !aWild && bWild:
		return event.MatchPattern(b, a)
	default:
		// Both wildcards overlap when either prefix extends the other.
		ap, bp := a[:len(a)-1], b[:len(b)-1] // keep trailing dot
		return len(ap) >= len(bp) && ap[:len(bp)] == bp ||
			len(bp) >= len(ap) && bp[:len(ap)] == ap
	}
}
