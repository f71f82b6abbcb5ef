package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/chainsync/pkg/encryption"
)

func TestLoad_CreatesDefaultsAndHostID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.NotEmpty(t, conf.HostID)
	assert.NotEmpty(t, conf.DBPath)
	assert.NotEmpty(t, conf.KeyPath)
	assert.Equal(t, 100, conf.PageSize)

	// the generated host id is stable across loads
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, conf.HostID, again.HostID)
}

func TestLoad_KeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("sync_address: https://relay.example.com\npage_size: 25\n"), 0o600))

	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", conf.SyncAddress)
	assert.Equal(t, 25, conf.PageSize)
}

func TestSave_PersistsLastSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	conf, err := Load(path)
	require.NoError(t, err)

	conf.LastSync = 123456789
	require.NoError(t, Save(path, conf))

	again, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 123456789, again.LastSync)
}

func TestKey_GenerateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	key, err := GenerateKey(path)
	require.NoError(t, err)
	assert.Len(t, key, encryption.KeySize)

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)

	// a second generate must not clobber the existing key
	_, err = GenerateKey(path)
	assert.Error(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	key, err := EnsureKey(path)
	require.NoError(t, err)

	again, err := EnsureKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestLoadKey_RejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("c2hvcnQ"), 0o600))

	_, err := LoadKey(path)
	assert.Error(t, err)
}
