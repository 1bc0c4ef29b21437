package governance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *Policy {
	return &Policy{
		Version: "1.0.0",
		ActorRegistry: map[string]ActorPolicy{
			"sales-agent": {ScopeLimit: "orders/*", Permissions: []string{"order.create"}},
		},
		TraceRequirements: TraceRequirements{RequiredFields: []string{"user_id", "session_id"}},
		Rules: []Rule{
			{Name: "namespaced-commands", Expr: `command_id.startsWith("cmd_")`},
		},
	}
}

func sealPolicy(t *testing.T, p *Policy) *Policy {
	t.Helper()
	hash, err := ComputeIntegrityHash(p)
	require.NoError(t, err)
	p.IntegrityHash = hash
	return p
}

func writePolicy(t *testing.T, p *Policy) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSealAndVerify(t *testing.T) {
	p := sealPolicy(t, testPolicy())
	require.NoError(t, p.Verify())

	// The hash field itself is excluded from the digest.
	recomputed, err := ComputeIntegrityHash(p)
	require.NoError(t, err)
	assert.Equal(t, p.IntegrityHash, recomputed)
}

func TestVerifyDetectsMutation(t *testing.T) {
	p := sealPolicy(t, testPolicy())
	p.ActorRegistry["rogue-agent"] = ActorPolicy{ScopeLimit: "*"}
	err := p.Verify()
	assert.ErrorIs(t, err, ErrPolicyHashMismatch)
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicy(t, sealPolicy(t, testPolicy()))
	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", p.Version)
	assert.Contains(t, p.ActorRegistry, "sales-agent")
}

func TestLoadPolicyRejectsTampered(t *testing.T) {
	p := sealPolicy(t, testPolicy())
	p.Version = "6.6.6" // mutate after sealing
	path := writePolicy(t, p)
	_, err := LoadPolicy(path)
	assert.ErrorIs(t, err, ErrPolicyHashMismatch)
}

func TestLoadPolicyRejectsUnsealed(t *testing.T) {
	path := writePolicy(t, testPolicy())
	_, err := LoadPolicy(path)
	assert.ErrorIs(t, err, ErrPolicyHashMismatch)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadPolicyRequiresVersion(t *testing.T) {
	p := testPolicy()
	p.Version = ""
	path := writePolicy(t, sealPolicy(t, p))
	_, err := LoadPolicy(path)
	assert.Error(t, err)
}
