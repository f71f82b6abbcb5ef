package kv_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intenc "github.com/i5heu/chainsync/internal/encryption"
	intstore "github.com/i5heu/chainsync/internal/store"
	"github.com/i5heu/chainsync/pkg/encryption"
	"github.com/i5heu/chainsync/pkg/kv"
)

const testHost = "79b2ad1c-3b2c-4e09-a316-a1ac03acb166"

func newTestEnv(t *testing.T) (*kv.KvStore, *intstore.BadgerStore, []byte) {
	t.Helper()

	st, err := intstore.NewBadgerStore(intstore.StoreConfig{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	key := make([]byte, encryption.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to source random key: %v", err)
	}

	return kv.NewKvStore(intenc.NewEnvelope(), nil), st, key
}

func TestKvStore_SetGet(t *testing.T) {
	kvs, st, key := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, kvs.Set(ctx, st, testHost, key, "colour", "green"))

	got, err := kvs.Get(ctx, st, testHost, key, "colour")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "green", got.Value)
}

func TestKvStore_ChainResolution(t *testing.T) {
	kvs, st, key := newTestEnv(t)
	ctx := context.Background()

	// later writes shadow earlier ones for the same key
	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "1"))
	require.NoError(t, kvs.Set(ctx, st, testHost, key, "b", "2"))
	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "3"))

	got, err := kvs.Get(ctx, st, testHost, key, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "3", got.Value)

	got, err = kvs.Get(ctx, st, testHost, key, "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2", got.Value)

	got, err = kvs.Get(ctx, st, testHost, key, "c")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestKvStore_GetOnEmptyChain(t *testing.T) {
	kvs, st, key := newTestEnv(t)

	got, err := kvs.Get(context.Background(), st, testHost, key, "anything")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestKvStore_ChainLinkage(t *testing.T) {
	kvs, st, key := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "1"))
	require.NoError(t, kvs.Set(ctx, st, testHost, key, "b", "2"))

	n, err := st.Len(ctx, testHost, kv.KvTag)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tail, err := st.Last(ctx, testHost, kv.KvTag)
	require.NoError(t, err)
	require.NotEmpty(t, tail.Parent)

	head, err := st.Get(ctx, tail.Parent)
	require.NoError(t, err)
	assert.Empty(t, head.Parent)
}

func TestIndex_RebuildMatchesChainWalk(t *testing.T) {
	kvs, st, key := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "1"))
	require.NoError(t, kvs.Set(ctx, st, testHost, key, "b", "2"))
	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "3"))

	idx := kvs.Index()
	assert.False(t, idx.Built())

	walked, err := idx.Rebuild(ctx, st, intenc.NewEnvelope(), testHost, key)
	require.NoError(t, err)
	assert.Equal(t, 3, walked)
	assert.True(t, idx.Built())

	// indexed lookups agree with the linear scan
	got, err := kvs.Get(ctx, st, testHost, key, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "3", got.Value)

	got, err = kvs.Get(ctx, st, testHost, key, "c")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIndex_MaintainedOnSet(t *testing.T) {
	kvs, st, key := newTestEnv(t)
	ctx := context.Background()

	_, err := kvs.Index().Rebuild(ctx, st, intenc.NewEnvelope(), testHost, key)
	require.NoError(t, err)

	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "1"))
	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "2"))

	id, ok := kvs.Index().Lookup("a")
	require.True(t, ok)

	tail, err := st.Last(ctx, testHost, kv.KvTag)
	require.NoError(t, err)
	assert.Equal(t, tail.ID, id)
}

func TestIndex_InvalidateFallsBackToScan(t *testing.T) {
	kvs, st, key := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, kvs.Set(ctx, st, testHost, key, "a", "1"))

	_, err := kvs.Index().Rebuild(ctx, st, intenc.NewEnvelope(), testHost, key)
	require.NoError(t, err)
	kvs.Index().Invalidate()

	got, err := kvs.Get(ctx, st, testHost, key, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1", got.Value)
}

func TestKvRecord_SerializeRoundTrip(t *testing.T) {
	rec := kv.KvRecord{Key: "path", Value: "/usr/local/bin"}

	b, err := rec.Serialize()
	require.NoError(t, err)

	got, err := kv.DeserializeKvRecord(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}
