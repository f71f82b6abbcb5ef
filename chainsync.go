// Package chainsync keeps per-host, per-category append-only chains of
// envelope-encrypted records and converges them with an untrusted
// relay. The relay never sees plaintext: payloads are sealed under
// per-record content keys wrapped by the node's master key, and every
// ciphertext is authenticated against the record's identity so
// tampering or cross-chain substitution fails loudly at decrypt time.
package chainsync

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/chainsync/internal/backup"
	intenc "github.com/i5heu/chainsync/internal/encryption"
	intstore "github.com/i5heu/chainsync/internal/store"
	intsync "github.com/i5heu/chainsync/internal/sync"
	"github.com/i5heu/chainsync/pkg/encryption"
	"github.com/i5heu/chainsync/pkg/kv"
	"github.com/i5heu/chainsync/pkg/relay"
	"github.com/i5heu/chainsync/pkg/store"
)

// Config wires a ChainSync node. HostID and MasterKey are required;
// they are held by the facade and passed explicitly into every engine
// operation.
type Config struct {
	// DBPath is the badger directory of the record store.
	DBPath string

	// InMemory keeps the store in memory. Useful for tests.
	InMemory bool

	// MinimumFreeGB refuses to open the store below this free space.
	// Zero disables the check.
	MinimumFreeGB int

	// HostID identifies this device in every record it creates.
	HostID string

	// MasterKey is the 32-byte key-encryption key.
	MasterKey []byte

	// Relay is the client used for sync. Nil disables sync.
	Relay relay.Client

	// PageSize bounds sync pages and upload batches. Zero selects the
	// default.
	PageSize int

	Logger *logrus.Logger
}

// ChainSync is the top-level handle tying the store, the encryption
// engine and the domain services together.
type ChainSync struct {
	config Config
	store  *intstore.BadgerStore
	enc    encryption.Encryption
	kv     *kv.KvStore
	syncer *intsync.Syncer
	log    *logrus.Logger
}

// New opens the record store and wires up a node.
func New(config Config) (*ChainSync, error) {
	if config.HostID == "" {
		return nil, fmt.Errorf("chainsync: host id is required")
	}
	if len(config.MasterKey) != encryption.KeySize {
		return nil, fmt.Errorf("chainsync: master key must be %d bytes, got %d", encryption.KeySize, len(config.MasterKey))
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	st, err := intstore.NewBadgerStore(intstore.StoreConfig{
		Path:          config.DBPath,
		InMemory:      config.InMemory,
		MinimumFreeGB: config.MinimumFreeGB,
		Logger:        config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("chainsync: open store: %w", err)
	}

	engine := intenc.NewEnvelope()

	cs := &ChainSync{
		config: config,
		store:  st,
		enc:    engine,
		kv:     kv.NewKvStore(engine, config.Logger),
		log:    config.Logger,
	}

	if config.Relay != nil {
		cs.syncer = intsync.New(st, config.Relay, config.Logger, config.PageSize)
	}

	return cs, nil
}

// Close releases the underlying store.
func (c *ChainSync) Close() error {
	return c.store.Close()
}

// Store exposes the record store contract, e.g. for building further
// typed services on other chain tags.
func (c *ChainSync) Store() store.Store {
	return c.store
}

// KvSet writes key to value on this host's kv chain.
func (c *ChainSync) KvSet(ctx context.Context, key, value string) error {
	return c.kv.Set(ctx, c.store, c.config.HostID, c.config.MasterKey, key, value)
}

// KvGet returns the current value for key, or nil if it was never set.
func (c *ChainSync) KvGet(ctx context.Context, key string) (*kv.KvRecord, error) {
	return c.kv.Get(ctx, c.store, c.config.HostID, c.config.MasterKey, key)
}

// RebuildKvIndex rebuilds the key index from this host's kv chain and
// returns the number of records walked.
func (c *ChainSync) RebuildKvIndex(ctx context.Context) (int, error) {
	return c.kv.Index().Rebuild(ctx, c.store, c.enc, c.config.HostID, c.config.MasterKey)
}

// Sync runs one download-then-upload pass against the configured
// relay. lastSync is the watermark persisted after the previous pass.
// The returned counts are valid even when an error is returned.
func (c *ChainSync) Sync(ctx context.Context, lastSync int64) (downloaded, uploaded int, err error) {
	if c.syncer == nil {
		return 0, 0, fmt.Errorf("chainsync: no relay configured")
	}

	stats, err := c.syncer.Run(ctx, lastSync)
	return stats.Downloaded, stats.Uploaded, err
}

// RotateKey rewraps every stored record's content key from the current
// master key to newKey and switches the node over to it. Ciphertexts
// are untouched. Returns the number of records rewrapped.
func (c *ChainSync) RotateKey(ctx context.Context, newKey []byte) (int, error) {
	if len(newKey) != encryption.KeySize {
		return 0, fmt.Errorf("chainsync: new master key must be %d bytes, got %d", encryption.KeySize, len(newKey))
	}

	rotated, err := c.store.ReEncryptAll(ctx, c.enc, c.config.MasterKey, newKey)
	if err != nil {
		return rotated, err
	}

	c.config.MasterKey = newKey
	return rotated, nil
}

// Backup writes every stored record to w as a compressed archive.
func (c *ChainSync) Backup(ctx context.Context, w io.Writer) (int, error) {
	return backup.Export(ctx, c.store, w)
}

// Restore reads an archive produced by Backup into the store.
// Already-known records are skipped.
func (c *ChainSync) Restore(ctx context.Context, r io.Reader) (int, error) {
	return backup.Import(ctx, c.store, r)
}
