package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/i5heu/chainsync/pkg/model"
	"github.com/i5heu/chainsync/pkg/relay"
)

// MemoryRelay is an in-process relay implementation. It mirrors the
// contract of a real relay (idempotent batch posts, timestamp-ordered
// pages) and backs tests and local two-store setups without a network.
type MemoryRelay struct {
	mu      sync.Mutex
	byID    map[string]model.EncryptedRecord
	ordered []model.EncryptedRecord
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		byID: make(map[string]model.EncryptedRecord),
	}
}

// Count returns the relay's total record count.
func (m *MemoryRelay) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.byID)), nil
}

// Page returns up to limit records with timestamps strictly after the
// cursor, oldest first.
func (m *MemoryRelay) Page(ctx context.Context, lastSync, after int64, limit int) ([]model.EncryptedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var page []model.EncryptedRecord
	for _, rec := range m.ordered {
		if rec.Timestamp <= after {
			continue
		}
		page = append(page, rec)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

// PostBatch stores a batch; already-known record ids are no-ops.
func (m *MemoryRelay) PostBatch(ctx context.Context, recs []model.EncryptedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, rec := range recs {
		if _, ok := m.byID[rec.ID]; ok {
			continue
		}
		m.byID[rec.ID] = rec
		m.ordered = append(m.ordered, rec)
		changed = true
	}

	if changed {
		sort.SliceStable(m.ordered, func(i, j int) bool {
			if m.ordered[i].Timestamp != m.ordered[j].Timestamp {
				return m.ordered[i].Timestamp < m.ordered[j].Timestamp
			}
			return m.ordered[i].ID < m.ordered[j].ID
		})
	}
	return nil
}

// IDs returns the ids of all stored records.
func (m *MemoryRelay) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ensure MemoryRelay implements the relay client contract.
var _ relay.Client = (*MemoryRelay)(nil)
