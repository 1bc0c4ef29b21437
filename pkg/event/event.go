// Package event defines the envelope every cross-cell interaction travels in:
// identity, causality chain, domain tagging, and the pattern grammar shared by
// the bus, the authority registry, and the replay engine.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain tags an event with the business area it belongs to.
type Domain string

const (
	DomainGovernance Domain = "GOVERNANCE"
	DomainAccounting Domain = "ACCOUNTING"
	DomainHR         Domain = "HR"
	DomainSales      Domain = "SALES"
	DomainWarehouse  Domain = "WAREHOUSE"
	DomainProduction Domain = "PRODUCTION"
	DomainSystem     Domain = "SYSTEM"
)

var validDomains = map[Domain]bool{
	DomainGovernance: true,
	DomainAccounting: true,
	DomainHR:         true,
	DomainSales:      true,
	DomainWarehouse:  true,
	DomainProduction: true,
	DomainSystem:     true,
}

// Actor identifies who caused an event: a persona plus optional user/session.
type Actor struct {
	Persona   string `json:"persona"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Event is the envelope for every state-changing action in the system.
type Event struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	EventVersion string                 `json:"event_version"`

	SourceCell string `json:"source_cell"`

	Actor  Actor  `json:"actor"`
	Domain Domain `json:"domain"`

	// Causality chain. CorrelationID groups all events in one logical
	// transaction; CausationID points at the immediate parent event.
	Timestamp     int64  `json:"timestamp"`
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`

	Payload map[string]interface{} `json:"payload"`

	AuditRequired bool `json:"audit_required"`
}

var (
	ErrMissingEventID     = errors.New("event: missing event_id")
	ErrMissingEventType   = errors.New("event: missing event_type")
	ErrBadEventType       = errors.New("event: event_type must be dot-namespaced")
	ErrMissingSourceCell  = errors.New("event: missing source_cell")
	ErrUnknownDomain      = errors.New("event: unknown domain")
	ErrMissingCorrelation = errors.New("event: correlation_id must not be empty")
)

// NewEventID mints a globally unique event identifier.
func NewEventID() string {
	return "evt_" + uuid.New().String()
}

// NewCorrelationID mints an identifier for a fresh causal chain.
func NewCorrelationID() string {
	return "cor_" + uuid.New().String()
}

// New constructs a root event: a fresh correlation chain with no parent.
func New(eventType, sourceCell string, domain Domain, actor Actor, payload map[string]interface{}) *Event {
	return &Event{
		EventID:       NewEventID(),
		EventType:     eventType,
		EventVersion:  "1.0.0",
		SourceCell:    sourceCell,
		Actor:         actor,
		Domain:        domain,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: NewCorrelationID(),
		Payload:       payload,
		AuditRequired: auditRequired(domain),
	}
}

// NewChild constructs an event caused by parent: same correlation chain,
// causation pointing at the parent's id.
func NewChild(parent *Event, eventType, sourceCell string, domain Domain, actor Actor, payload map[string]interface{}) *Event {
	evt := New(eventType, sourceCell, domain, actor, payload)
	evt.CorrelationID = parent.CorrelationID
	evt.CausationID = parent.EventID
	return evt
}

// auditRequired derives the audit flag from the domain: governance and
// accounting effects are always audited.
func auditRequired(d Domain) bool {
	return d == DomainGovernance || d == DomainAccounting
}

// Validate checks envelope invariants. An event with an empty correlation id
// or a non-namespaced type must never reach the bus.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if !strings.Contains(e.EventType, ".") {
		return fmt.Errorf("%w: %q", ErrBadEventType, e.EventType)
	}
	if e.SourceCell == "" {
		return ErrMissingSourceCell
	}
	if !validDomains[e.Domain] {
		return fmt.Errorf("%w: %q", ErrUnknownDomain, e.Domain)
	}
	if e.CorrelationID == "" {
		return ErrMissingCorrelation
	}
	if _, err := ParseVersion(e.EventVersion); err != nil {
		return err
	}
	return nil
}

// MatchPattern reports whether eventType matches pattern. The grammar is
// shared across the bus, authority registry, governance scopes, and replay
// whitelists: "*" matches everything, "prefix.*" matches any type beginning
// with "prefix.", anything else is an exact match.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// ValidPattern reports whether pattern is a legal subscription pattern.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	// A wildcard is only legal as the final ".*" segment.
	if i := strings.Index(pattern, "*"); i >= 0 {
		return strings.HasSuffix(pattern, ".*") && strings.Count(pattern, "*") == 1
	}
	return true
}
