package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamluxury/atelier/pkg/store"
)

func populatedChain(t *testing.T, n int) *Chain {
	t.Helper()
	c := NewChain()
	for i := 0; i < n; i++ {
		_, err := c.Log("kernel", "SYSTEM_INIT", map[string]interface{}{"n": i}, "")
		require.NoError(t, err)
	}
	return c
}

func TestExportAndVerifyBundle(t *testing.T) {
	c := populatedChain(t, 4)
	b, err := c.Export(0)
	require.NoError(t, err)

	assert.Equal(t, 4, b.EntryCount)
	assert.Equal(t, c.Head(), b.ChainHead)
	assert.NotEmpty(t, b.BundleID)
	require.NoError(t, VerifyBundle(b))
}

func TestVerifyBundleDetectsTampering(t *testing.T) {
	c := populatedChain(t, 4)
	b, err := c.Export(0)
	require.NoError(t, err)

	b.Entries[1].Details["n"] = 999
	assert.Error(t, VerifyBundle(b))
}

func TestVerifyBundleDetectsCountMismatch(t *testing.T) {
	c := populatedChain(t, 3)
	b, err := c.Export(0)
	require.NoError(t, err)

	b.Entries = b.Entries[:2]
	assert.Error(t, VerifyBundle(b))
	assert.Error(t, VerifyBundle(nil))
}

func TestExportLimit(t *testing.T) {
	c := populatedChain(t, 5)
	b, err := c.Export(2)
	require.NoError(t, err)
	assert.Equal(t, 2, b.EntryCount)
	require.NoError(t, VerifyBundle(b))
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })

	c := populatedChain(t, 6)
	require.NoError(t, c.Persist(ctx, kv))

	restored, err := Restore(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, c.Len(), restored.Len())
	assert.Equal(t, c.Head(), restored.Head())

	report := restored.VerifyChainIntegrity()
	assert.True(t, report.Valid)

	// The restored chain keeps appending from the right sequence.
	_, err = restored.Log("kernel", "SYSTEM_INIT", nil, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), restored.Entries(1)[0].Sequence)
}

func TestPersistPrunesEvictedEntries(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })

	c := NewChain(WithRetention(2))
	for i := 0; i < 2; i++ {
		_, err := c.Log("kernel", "SYSTEM_INIT", map[string]interface{}{"n": i}, "")
		require.NoError(t, err)
	}
	require.NoError(t, c.Persist(ctx, kv))

	// The next append evicts sequence 1 from the retained window.
	_, err := c.Log("kernel", "SYSTEM_INIT", map[string]interface{}{"n": 2}, "")
	require.NoError(t, err)
	require.NoError(t, c.Persist(ctx, kv))

	keys, err := kv.Keys(ctx, entryKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	restored, err := Restore(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, c.Head(), restored.Head())
	assert.True(t, restored.VerifyChainIntegrity().Valid)
}

func TestRestoreEmptyStore(t *testing.T) {
	kv := store.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })

	c, err := Restore(context.Background(), kv)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, GenesisHash, c.Head())
}

func TestRestoreRejectsTamperedStore(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })

	c := populatedChain(t, 3)
	require.NoError(t, c.Persist(ctx, kv))

	// Corrupt one persisted entry.
	keys, err := kv.Keys(ctx, entryKeyPrefix)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	raw, _, err := kv.Get(ctx, keys[0])
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(raw, &entry))
	entry.Details = map[string]interface{}{"n": 999}
	tampered, err := json.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, keys[0], tampered))

	_, err = Restore(ctx, kv)
	assert.Error(t, err)
}
