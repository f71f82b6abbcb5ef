// Package relay defines the client contract for the untrusted relay a
// chainsync node converges with. The relay only ever sees encrypted
// records; transport and authentication are outside this contract.
package relay

import (
	"context"
	"errors"

	"github.com/i5heu/chainsync/pkg/model"
)

// ErrTransport wraps relay reachability and bad-response failures.
// Sync treats them as retryable by re-running the loop from scratch.
var ErrTransport = errors.New("relay: transport failure")

// Client is the request/response surface of a relay.
type Client interface {
	// Count returns the relay's total record count.
	Count(ctx context.Context) (int64, error)

	// Page returns up to limit records newer than the (lastSync, after)
	// watermark, oldest first. An empty page means the relay has
	// nothing more for this watermark.
	Page(ctx context.Context, lastSync, after int64, limit int) ([]model.EncryptedRecord, error)

	// PostBatch uploads a batch of records. Posting an already-known
	// record id is a no-op on the relay side, so partial batches can
	// be retried safely.
	PostBatch(ctx context.Context, recs []model.EncryptedRecord) error
}
