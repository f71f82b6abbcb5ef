package chainsync

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intrelay "github.com/i5heu/chainsync/internal/relay"
	"github.com/i5heu/chainsync/pkg/encryption"
	"github.com/i5heu/chainsync/pkg/kv"
	"github.com/i5heu/chainsync/pkg/relay"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, encryption.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestNode(t *testing.T, hostID string, key []byte, rl relay.Client) *ChainSync {
	t.Helper()
	cs, err := New(Config{
		InMemory:  true,
		HostID:    hostID,
		MasterKey: key,
		Relay:     rl,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{InMemory: true, MasterKey: testKey(t)})
	assert.Error(t, err, "missing host id must be rejected")

	_, err = New(Config{InMemory: true, HostID: "host1", MasterKey: []byte("short")})
	assert.Error(t, err, "wrong key size must be rejected")
}

func TestKv_SetGetThroughFacade(t *testing.T) {
	ctx := context.Background()
	cs := newTestNode(t, "host1", testKey(t), nil)

	require.NoError(t, cs.KvSet(ctx, "editor", "vim"))
	require.NoError(t, cs.KvSet(ctx, "shell", "zsh"))
	require.NoError(t, cs.KvSet(ctx, "editor", "helix"))

	got, err := cs.KvGet(ctx, "editor")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "helix", got.Value)

	got, err = cs.KvGet(ctx, "shell")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "zsh", got.Value)

	got, err = cs.KvGet(ctx, "never-set")
	require.NoError(t, err)
	assert.Nil(t, got)

	walked, err := cs.RebuildKvIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, walked)
}

func TestSync_TwoHostsConverge(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	rl := intrelay.NewMemoryRelay()

	hostA := newTestNode(t, "host-a", key, rl)
	hostB := newTestNode(t, "host-b", key, rl)

	require.NoError(t, hostA.KvSet(ctx, "editor", "vim"))
	require.NoError(t, hostA.KvSet(ctx, "shell", "zsh"))
	require.NoError(t, hostA.KvSet(ctx, "editor", "helix"))

	down, up, err := hostA.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, down)
	assert.Equal(t, 3, up)

	down, up, err = hostB.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, down)
	assert.Equal(t, 0, up)

	require.NoError(t, hostB.KvSet(ctx, "pager", "less"))

	// the upload batch walks back from now and overlaps records the
	// relay already holds; the relay dedupes them by id
	_, up, err = hostB.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, up)

	down, _, err = hostA.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, down)

	// both stores now hold the same four records
	for _, cs := range []*ChainSync{hostA, hostB} {
		total, err := cs.Store().TotalLen(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, total)
	}
	assert.Len(t, rl.IDs(), 4)

	// a further pass is a no-op on both sides
	down, up, err = hostA.Sync(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, down)
	assert.Zero(t, up)
}

func TestSync_DownloadedRecordsDecryptWithSharedKey(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	rl := intrelay.NewMemoryRelay()

	hostA := newTestNode(t, "host-a", key, rl)
	hostB := newTestNode(t, "host-b", key, rl)

	require.NoError(t, hostA.KvSet(ctx, "editor", "vim"))
	_, _, err := hostA.Sync(ctx, 0)
	require.NoError(t, err)
	_, _, err = hostB.Sync(ctx, 0)
	require.NoError(t, err)

	// host-b can read host-a's chain with the shared master key
	tail, err := hostB.Store().Last(ctx, "host-a", kv.KvTag)
	require.NoError(t, err)

	plain, err := encryption.DecryptRecord(hostB.enc, tail, key)
	require.NoError(t, err)

	kvRec, err := kv.DeserializeKvRecord(plain.Data)
	require.NoError(t, err)
	assert.Equal(t, kv.KvRecord{Key: "editor", Value: "vim"}, kvRec)
}

func TestSync_RelayOnlySeesCiphertext(t *testing.T) {
	ctx := context.Background()
	rl := intrelay.NewMemoryRelay()
	cs := newTestNode(t, "host1", testKey(t), rl)

	require.NoError(t, cs.KvSet(ctx, "secret-key", "secret-value"))
	_, _, err := cs.Sync(ctx, 0)
	require.NoError(t, err)

	page, err := rl.Page(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	assert.NotContains(t, page[0].Data.Data, "secret-value")
	assert.NotContains(t, page[0].Data.ContentEncryptionKey, "secret-value")
}

func TestDecrypt_RejectsReassignedHost(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	cs := newTestNode(t, "host1", key, nil)

	require.NoError(t, cs.KvSet(ctx, "editor", "vim"))

	rec, err := cs.Store().Last(ctx, "host1", kv.KvTag)
	require.NoError(t, err)

	// a relay rewriting the record's owner must not go unnoticed, even
	// with the correct key in hand
	rec.Host = "host2"
	_, err = encryption.DecryptRecord(cs.enc, rec, key)
	assert.ErrorIs(t, err, encryption.ErrDecryptionFailed)
}

func TestRotateKey_EndToEnd(t *testing.T) {
	ctx := context.Background()
	oldKey := testKey(t)
	cs := newTestNode(t, "host1", oldKey, nil)

	require.NoError(t, cs.KvSet(ctx, "editor", "vim"))
	require.NoError(t, cs.KvSet(ctx, "shell", "zsh"))

	newKey := testKey(t)
	rotated, err := cs.RotateKey(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, 2, rotated)

	// the facade switched over; reads keep working
	got, err := cs.KvGet(ctx, "editor")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "vim", got.Value)

	// the old key no longer opens anything
	rec, err := cs.Store().Last(ctx, "host1", kv.KvTag)
	require.NoError(t, err)
	_, err = encryption.DecryptRecord(cs.enc, rec, oldKey)
	assert.ErrorIs(t, err, encryption.ErrKeyMismatch)
}

func TestRotateKey_RejectsWrongSize(t *testing.T) {
	cs := newTestNode(t, "host1", testKey(t), nil)

	_, err := cs.RotateKey(context.Background(), []byte("short"))
	assert.Error(t, err)
}

func TestBackupRestore_EndToEnd(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	src := newTestNode(t, "host1", key, nil)

	require.NoError(t, src.KvSet(ctx, "editor", "vim"))
	require.NoError(t, src.KvSet(ctx, "shell", "zsh"))

	var buf bytes.Buffer
	exported, err := src.Backup(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, exported)

	dst := newTestNode(t, "host1", key, nil)
	imported, err := dst.Restore(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	got, err := dst.KvGet(ctx, "shell")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "zsh", got.Value)
}

func TestSync_WithoutRelayFails(t *testing.T) {
	cs := newTestNode(t, "host1", testKey(t), nil)

	_, _, err := cs.Sync(context.Background(), 0)
	assert.Error(t, err)
}
