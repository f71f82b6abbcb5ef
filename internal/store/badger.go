// Package store provides the badger-backed implementation of the
// record store contract.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/i5heu/chainsync/pkg/encryption"
	"github.com/i5heu/chainsync/pkg/model"
	"github.com/i5heu/chainsync/pkg/store"
)

const (
	prefixRecord  = "record:"
	prefixChainTS = "cts:" // cts:<host>:<tag>:<padded ts>:<id> -> id
	prefixTS      = "ts:"  // ts:<padded ts>:<id> -> id
	prefixLen     = "len:" // len:<host>:<tag> -> uint64
	keyTotalLen   = "meta:count"
)

// StoreConfig configures a BadgerStore.
type StoreConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory. Useful for tests.
	InMemory bool

	// MinimumFreeGB aborts opening when the filesystem holding Path has
	// less free space than this. Zero disables the check.
	MinimumFreeGB int

	Logger *logrus.Logger
}

// BadgerStore implements the Store contract on top of badger. Records
// are kept under their id; two timestamp-ordered index keyspaces (one
// per chain, one global) serve Last and Before without a tail pointer,
// so pages arriving out of order during sync cannot corrupt chain
// lookups.
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Logger

	// chainLocks serializes pushes per (host, tag) chain.
	mu         sync.Mutex
	chainLocks map[string]*sync.Mutex
}

// NewBadgerStore opens (or creates) the store at config.Path.
func NewBadgerStore(config StoreConfig) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if !config.InMemory && config.MinimumFreeGB > 0 {
		if err := checkFreeSpace(config.Path, config.MinimumFreeGB, config.Logger); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.SyncWrites = false
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", config.Path, err)
	}

	return &BadgerStore{
		db:         db,
		log:        config.Logger,
		chainLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close syncs and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) chainLock(host, tag string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := host + "\x00" + tag
	l, ok := s.chainLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.chainLocks[key] = l
	}
	return l
}

func recordKey(id string) []byte {
	return []byte(prefixRecord + id)
}

// paddedTS renders a timestamp so lexicographic order equals numeric
// order.
func paddedTS(ts int64) string {
	return fmt.Sprintf("%020d", ts)
}

func chainTSKey(rec model.EncryptedRecord) []byte {
	return []byte(prefixChainTS + rec.Host + ":" + rec.Tag + ":" + paddedTS(rec.Timestamp) + ":" + rec.ID)
}

func tsKey(rec model.EncryptedRecord) []byte {
	return []byte(prefixTS + paddedTS(rec.Timestamp) + ":" + rec.ID)
}

func lenKey(host, tag string) []byte {
	return []byte(prefixLen + host + ":" + tag)
}

func getCounter(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var n uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("counter %q has %d bytes, want 8", key, len(v))
		}
		n = binary.BigEndian.Uint64(v)
		return nil
	})
	return n, err
}

func setCounter(txn *badger.Txn, key []byte, n uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return txn.Set(key, buf)
}

// Len reports the number of records in the (host, tag) chain.
func (s *BadgerStore) Len(ctx context.Context, host, tag string) (int, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getCounter(txn, lenKey(host, tag))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read chain length: %w", err)
	}
	return int(n), nil
}

// TotalLen reports the number of records across all chains.
func (s *BadgerStore) TotalLen(ctx context.Context) (int, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getCounter(txn, []byte(keyTotalLen))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read total length: %w", err)
	}
	return int(n), nil
}

// Get returns the record with the given id.
func (s *BadgerStore) Get(ctx context.Context, id string) (model.EncryptedRecord, error) {
	var rec model.EncryptedRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return msgpack.Unmarshal(v, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return model.EncryptedRecord{}, store.ErrNotFound
	}
	if err != nil {
		return model.EncryptedRecord{}, fmt.Errorf("read record %s: %w", id, err)
	}
	return rec, nil
}

// Last returns the most recent record of the (host, tag) chain.
func (s *BadgerStore) Last(ctx context.Context, host, tag string) (model.EncryptedRecord, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixChainTS + host + ":" + tag + ":")
		// seek one past the end of the prefix range
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return badger.ErrKeyNotFound
		}

		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = string(v)
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return model.EncryptedRecord{}, store.ErrNotFound
	}
	if err != nil {
		return model.EncryptedRecord{}, fmt.Errorf("find chain tail: %w", err)
	}

	return s.Get(ctx, id)
}

// Push appends a record. Pushing an already-known id is a no-op.
func (s *BadgerStore) Push(ctx context.Context, rec model.EncryptedRecord) error {
	lock := s.chainLock(rec.Host, rec.Tag)
	lock.Lock()
	defer lock.Unlock()

	return s.push(rec)
}

func (s *BadgerStore) push(rec model.EncryptedRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize record %s: %w", rec.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(rec.ID)); err == nil {
			// already present, keep counters and indexes untouched
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
		if err := txn.Set(chainTSKey(rec), []byte(rec.ID)); err != nil {
			return err
		}
		if err := txn.Set(tsKey(rec), []byte(rec.ID)); err != nil {
			return err
		}

		n, err := getCounter(txn, lenKey(rec.Host, rec.Tag))
		if err != nil {
			return err
		}
		if err := setCounter(txn, lenKey(rec.Host, rec.Tag), n+1); err != nil {
			return err
		}

		total, err := getCounter(txn, []byte(keyTotalLen))
		if err != nil {
			return err
		}
		return setCounter(txn, []byte(keyTotalLen), total+1)
	})
	if err != nil {
		return fmt.Errorf("push record %s: %w", rec.ID, err)
	}
	return nil
}

// PushBatch pushes a page of records. Every record is committed
// independently so a cancelled or failed batch can simply be re-applied.
func (s *BadgerStore) PushBatch(ctx context.Context, recs []model.EncryptedRecord) error {
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.Push(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Before returns up to limit records strictly older than timestamp,
// newest first, across all chains.
func (s *BadgerStore) Before(ctx context.Context, timestamp int64, limit int) ([]model.EncryptedRecord, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixTS)
		// every key of the target timestamp sorts after this seek key,
		// so iteration starts strictly before it
		seek := []byte(prefixTS + paddedTS(timestamp))
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			if bytes.Compare(it.Item().Key(), seek) >= 0 {
				continue
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records before %d: %w", timestamp, err)
	}

	recs := make([]model.EncryptedRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Walk calls fn for every record in the store, in no particular order.
func (s *BadgerStore) Walk(ctx context.Context, fn func(model.EncryptedRecord) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec model.EncryptedRecord
			err := it.Item().Value(func(v []byte) error {
				return msgpack.Unmarshal(v, &rec)
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReEncryptAll rewraps the content key of every record from oldKey to
// newKey. Payload ciphertext is untouched; only the wrapped-key footer
// changes, which is the one sanctioned in-place mutation of a stored
// record. Returns the number of records rewrapped.
func (s *BadgerStore) ReEncryptAll(ctx context.Context, enc encryption.Encryption, oldKey, newKey []byte) (int, error) {
	var ids []string
	err := s.Walk(ctx, func(rec model.EncryptedRecord) error {
		ids = append(ids, rec.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return rotated, ctx.Err()
		default:
		}

		rec, err := s.Get(ctx, id)
		if err != nil {
			return rotated, err
		}

		rec, err = encryption.ReEncryptRecord(enc, rec, oldKey, newKey)
		if err != nil {
			return rotated, fmt.Errorf("rewrap record %s: %w", id, err)
		}

		data, err := msgpack.Marshal(rec)
		if err != nil {
			return rotated, fmt.Errorf("serialize record %s: %w", id, err)
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(recordKey(id), data)
		})
		if err != nil {
			return rotated, fmt.Errorf("store rewrapped record %s: %w", id, err)
		}
		rotated++
	}

	s.log.WithField("records", rotated).Info("master key rotated")
	return rotated, nil
}

// Ensure BadgerStore implements the Store contract.
var _ store.Store = (*BadgerStore)(nil)
