// Package kv exposes get/set semantics for a logical key space on top
// of one record chain per host.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/i5heu/chainsync/pkg/encryption"
	"github.com/i5heu/chainsync/pkg/model"
	"github.com/i5heu/chainsync/pkg/store"
)

const (
	// KvVersion tags the payload encoding of kv records.
	KvVersion = "v0"
	// KvTag is the chain tag for kv records.
	KvTag = "kv"
)

// KvRecord is the decrypted payload of a kv chain entry.
type KvRecord struct {
	Key   string `msgpack:"key"`
	Value string `msgpack:"value"`
}

// Serialize encodes the record to its compact binary payload form.
func (r KvRecord) Serialize() ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("serialize kv record: %w", err)
	}
	return b, nil
}

// DeserializeKvRecord decodes a payload produced by Serialize.
func DeserializeKvRecord(b []byte) (KvRecord, error) {
	var r KvRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return KvRecord{}, fmt.Errorf("deserialize kv record: %w", err)
	}
	return r, nil
}

// KvStore resolves "current value for a key" over a kv chain: the most
// recent record (tail towards head) whose key matches wins. Host id
// and master key are supplied by the caller on every operation; the
// service never reads them from ambient state.
type KvStore struct {
	enc encryption.Encryption
	idx *Index
	log *logrus.Logger
}

// NewKvStore creates a kv service using the given encryption engine.
func NewKvStore(enc encryption.Encryption, log *logrus.Logger) *KvStore {
	if log == nil {
		log = logrus.New()
	}
	return &KvStore{
		enc: enc,
		idx: NewIndex(),
		log: log,
	}
}

// Index returns the key index maintained by this service.
func (kv *KvStore) Index() *Index {
	return kv.idx
}

// Set appends a new record with the given key/value as the chain tail.
func (kv *KvStore) Set(ctx context.Context, st store.Store, hostID string, masterKey []byte, key, value string) error {
	payload, err := KvRecord{Key: key, Value: value}.Serialize()
	if err != nil {
		return err
	}

	// read-then-write: the store does not enforce linearity, so this
	// assumes a single logical writer per (host, tag)
	parent := ""
	n, err := st.Len(ctx, hostID, KvTag)
	if err != nil {
		return fmt.Errorf("read chain length: %w", err)
	}
	if n > 0 {
		last, err := st.Last(ctx, hostID, KvTag)
		if err != nil {
			return fmt.Errorf("read chain tail: %w", err)
		}
		parent = last.ID
	}

	rec := model.NewRecord(hostID, KvVersion, KvTag, parent, payload)

	encRec, err := encryption.EncryptRecord(kv.enc, rec, masterKey)
	if err != nil {
		return err
	}

	if err := st.Push(ctx, encRec); err != nil {
		return err
	}

	kv.idx.Put(key, rec.ID)
	return nil
}

// Get returns the current value for key, or nil if the key was never
// set. When the index has been built it answers point lookups without
// scanning; otherwise the chain is walked tail towards head, which is
// O(chain length).
func (kv *KvStore) Get(ctx context.Context, st store.Store, hostID string, masterKey []byte, key string) (*KvRecord, error) {
	if id, ok := kv.idx.Lookup(key); ok {
		rec, err := st.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return kv.decode(rec, masterKey)
	}

	rec, err := st.Last(ctx, hostID, KvTag)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for {
		kvRec, err := kv.decode(rec, masterKey)
		if err != nil {
			return nil, err
		}
		if kvRec.Key == key {
			return kvRec, nil
		}

		if rec.Parent == "" {
			return nil, nil
		}

		rec, err = st.Get(ctx, rec.Parent)
		if err != nil {
			return nil, err
		}
	}
}

func (kv *KvStore) decode(rec model.EncryptedRecord, masterKey []byte) (*KvRecord, error) {
	plain, err := encryption.DecryptRecord(kv.enc, rec, masterKey)
	if err != nil {
		return nil, err
	}

	kvRec, err := DeserializeKvRecord(plain.Data)
	if err != nil {
		return nil, err
	}
	return &kvRec, nil
}
