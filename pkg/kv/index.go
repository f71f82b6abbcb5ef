package kv

import (
	"context"
	"errors"
	"sync"

	"github.com/i5heu/chainsync/pkg/encryption"
	"github.com/i5heu/chainsync/pkg/store"
)

// Index maps kv keys to the id of their most recent record, replacing
// the linear chain scan for point lookups. It is maintained
// incrementally on every Set and can be rebuilt from the chain after a
// restart or a sync.
type Index struct {
	mu    sync.RWMutex
	byKey map[string]string
	built bool
}

// NewIndex creates an empty, unbuilt index.
func NewIndex() *Index {
	return &Index{
		byKey: make(map[string]string),
	}
}

// Put records id as the most recent record for key.
func (i *Index) Put(key, id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byKey[key] = id
}

// Lookup returns the most recent record id for key. The second return
// is false when the index has not been built or the key is unknown; an
// unbuilt index cannot distinguish "never set" from "not indexed", so
// callers fall back to the chain walk.
func (i *Index) Lookup(key string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if !i.built {
		return "", false
	}
	id, ok := i.byKey[key]
	return id, ok
}

// Built reports whether the index reflects the full chain.
func (i *Index) Built() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.built
}

// Invalidate drops the index. The next lookup falls back to the chain
// walk until Rebuild runs again.
func (i *Index) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.built = false
	clear(i.byKey)
}

// Rebuild walks the chain tail towards head and records the first
// (most recent) id seen per key. Returns the number of records walked.
func (i *Index) Rebuild(ctx context.Context, st store.Store, enc encryption.Encryption, hostID string, masterKey []byte) (int, error) {
	seen := make(map[string]string)

	rec, err := st.Last(ctx, hostID, KvTag)
	if errors.Is(err, store.ErrNotFound) {
		i.mu.Lock()
		defer i.mu.Unlock()
		clear(i.byKey)
		i.built = true
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	walked := 0
	for {
		select {
		case <-ctx.Done():
			return walked, ctx.Err()
		default:
		}

		plain, err := encryption.DecryptRecord(enc, rec, masterKey)
		if err != nil {
			return walked, err
		}
		kvRec, err := DeserializeKvRecord(plain.Data)
		if err != nil {
			return walked, err
		}

		if _, ok := seen[kvRec.Key]; !ok {
			seen[kvRec.Key] = rec.ID
		}
		walked++

		if rec.Parent == "" {
			break
		}
		rec, err = st.Get(ctx, rec.Parent)
		if err != nil {
			return walked, err
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.byKey = seen
	i.built = true
	return walked, nil
}
