package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("cell:kernel", Kernel))
	require.NoError(t, reg.Register("cell:db", Infrastructure))
	require.NoError(t, reg.Register("cell:sales", Business))
	require.NoError(t, reg.Register("cell:ui", Presentation))
	return reg
}

func TestDependencyDirection(t *testing.T) {
	reg := seeded(t)
	cases := []struct {
		source, target string
		allowed        bool
	}{
		{"cell:kernel", "cell:db", false},
		{"cell:kernel", "cell:sales", false},
		{"cell:db", "cell:kernel", true},
		{"cell:db", "cell:sales", false},
		{"cell:sales", "cell:kernel", true},
		{"cell:sales", "cell:db", true},
		{"cell:sales", "cell:ui", false},
		{"cell:ui", "cell:kernel", true},
		{"cell:ui", "cell:db", true},
		{"cell:ui", "cell:sales", true},
	}
	for _, tc := range cases {
		t.Run(tc.source+"->"+tc.target, func(t *testing.T) {
			assert.Equal(t, tc.allowed, reg.CanDependOn(tc.source, tc.target))
			if tc.allowed {
				assert.Nil(t, reg.Validate(tc.source, tc.target))
			} else {
				v := reg.Validate(tc.source, tc.target)
				require.NotNil(t, v)
				assert.Equal(t, KindLayerViolation, v.Kind)
			}
		})
	}
}

func TestSelfDependencyAllowed(t *testing.T) {
	reg := seeded(t)
	assert.True(t, reg.CanDependOn("cell:sales", "cell:sales"))
	assert.Nil(t, reg.Validate("cell:sales", "cell:sales"))
}

func TestUnknownCells(t *testing.T) {
	reg := seeded(t)

	v := reg.Validate("cell:ghost", "cell:sales")
	require.NotNil(t, v)
	assert.Contains(t, v.Message, "unknown source cell")

	v = reg.Validate("cell:sales", "cell:ghost")
	require.NotNil(t, v)
	assert.Contains(t, v.Message, "unknown target cell")

	assert.False(t, reg.CanDependOn("cell:ghost", "cell:sales"))
}

func TestRegisterConflicts(t *testing.T) {
	reg := seeded(t)
	// Same layer again is a no-op.
	assert.NoError(t, reg.Register("cell:sales", Business))
	// A different layer is a conflict.
	assert.Error(t, reg.Register("cell:sales", Presentation))
	assert.Error(t, reg.Register("", Business))
	assert.Error(t, reg.Register("cell:x", Layer(9)))
}

func TestParseLayer(t *testing.T) {
	for _, name := range []string{"KERNEL", "INFRASTRUCTURE", "BUSINESS", "PRESENTATION"} {
		l, err := ParseLayer(name)
		require.NoError(t, err)
		assert.Equal(t, name, l.String())
	}
	_, err := ParseLayer("MEZZANINE")
	assert.Error(t, err)
}

func TestLayerOf(t *testing.T) {
	reg := seeded(t)
	l, ok := reg.LayerOf("cell:db")
	assert.True(t, ok)
	assert.Equal(t, Infrastructure, l)
	_, ok = reg.LayerOf("cell:ghost")
	assert.False(t, ok)
}
