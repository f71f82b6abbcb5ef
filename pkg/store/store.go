// Package store defines the persistence contract a backing store must
// satisfy for record chains, independent of storage technology.
package store

import (
	"context"
	"errors"

	"github.com/i5heu/chainsync/pkg/model"
)

// ErrNotFound is returned by lookups when the chain is empty or the
// record id is unknown.
var ErrNotFound = errors.New("store: record not found")

// Store persists encrypted records organized into per-(host, tag)
// chains. The contract does not enforce chain linearity: the caller is
// responsible for reading the current tail and setting parent before a
// Push. Implementations must serialize concurrent pushes to the same
// chain, but two logical writers racing on one chain can still fork it;
// the engine assumes a single logical writer per (host, tag).
type Store interface {
	// Len reports the number of records in the (host, tag) chain.
	Len(ctx context.Context, host, tag string) (int, error)

	// TotalLen reports the number of records across all chains. Sync
	// count comparisons operate on this figure.
	TotalLen(ctx context.Context) (int, error)

	// Last returns the most recent record of the (host, tag) chain.
	// Fails with ErrNotFound if the chain is empty.
	Last(ctx context.Context, host, tag string) (model.EncryptedRecord, error)

	// Get returns the record with the given id. Fails with ErrNotFound
	// if the id is unknown.
	Get(ctx context.Context, id string) (model.EncryptedRecord, error)

	// Push appends a record. Pushing an id that already exists is a
	// no-op, which makes re-applying a sync page safe.
	Push(ctx context.Context, rec model.EncryptedRecord) error

	// PushBatch pushes a page of records with the same idempotency
	// guarantee as Push. Records may belong to different chains.
	PushBatch(ctx context.Context, recs []model.EncryptedRecord) error

	// Before returns up to limit records strictly older than the given
	// timestamp, newest first, across all chains. Used by sync upload
	// to walk backwards from a moving cursor.
	Before(ctx context.Context, timestamp int64, limit int) ([]model.EncryptedRecord, error)
}
