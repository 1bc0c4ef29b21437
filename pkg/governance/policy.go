// Package governance is the decision point for AI-initiated actions. Every
// action is checked against a hash-sealed policy document before it may touch
// anything, and every denial carries a machine-readable reason from a closed
// taxonomy.
package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tamluxury/atelier/pkg/canonicalize"
)

// ErrPolicyHashMismatch means the policy file does not match its embedded
// integrity hash. This is fatal at boot: a tampered constitution must never
// govern.
var ErrPolicyHashMismatch = errors.New("governance: policy integrity hash mismatch")

// ActorPolicy is the registration record for one AI actor.
type ActorPolicy struct {
	// ScopeLimit is a path glob ("src/*", "*") bounding where the actor may
	// write. Empty means no write scope at all.
	ScopeLimit  string   `json:"scope_limit"`
	Permissions []string `json:"permissions,omitempty"`
}

// TraceRequirements names the envelope fields every governed action must
// carry for attribution.
type TraceRequirements struct {
	RequiredFields []string `json:"required_fields"`
}

// Rule is a named CEL predicate over the action envelope. A rule that
// evaluates false denies the action.
type Rule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// Policy is the governance constitution. IntegrityHash seals the rest of the
// document: it is the canonical hash of the policy with the hash field
// zeroed.
type Policy struct {
	Version           string                 `json:"version"`
	IntegrityHash     string                 `json:"integrity_hash"`
	ActorRegistry     map[string]ActorPolicy `json:"actor_registry"`
	TraceRequirements TraceRequirements      `json:"trace_requirements"`
	Rules             []Rule                 `json:"rules,omitempty"`
}

// ComputeIntegrityHash returns the canonical hash of p with IntegrityHash
// cleared. Used both to seal a policy and to verify one.
func ComputeIntegrityHash(p *Policy) (string, error) {
	clone := *p
	clone.IntegrityHash = ""
	hash, err := canonicalize.CanonicalHash(&clone)
	if err != nil {
		return "", fmt.Errorf("governance: hash policy: %w", err)
	}
	return hash, nil
}

// Verify checks the policy against its embedded integrity hash.
func (p *Policy) Verify() error {
	computed, err := ComputeIntegrityHash(p)
	if err != nil {
		return err
	}
	if computed != p.IntegrityHash {
		return fmt.Errorf("%w: computed %s, declared %s", ErrPolicyHashMismatch, computed, p.IntegrityHash)
	}
	return nil
}

// LoadPolicy reads and verifies a policy document. A policy that fails its
// hash check is never returned.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("governance: read policy %s: %w", path, err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("governance: parse policy %s: %w", path, err)
	}
	if p.Version == "" {
		return nil, fmt.Errorf("governance: policy %s missing version", path)
	}
	if err := p.Verify(); err != nil {
		return nil, err
	}
	return &p, nil
}
