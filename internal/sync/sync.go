// Package sync converges the local record store with a remote relay.
// Reconciliation needs no central sequence authority: record counts and
// timestamp cursors are compared on every pass, so an interrupted sync
// simply resumes from scratch on the next run.
package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/chainsync/pkg/relay"
	"github.com/i5heu/chainsync/pkg/store"
)

// DefaultPageSize bounds download pages and upload batches. Bounded
// batches keep request sizes predictable and let a partial batch be
// retried; the relay treats re-posted record ids as no-ops.
const DefaultPageSize = 100

// Stats reports how many records a sync pass transferred. On failure
// the counts cover everything transferred before the error.
type Stats struct {
	Downloaded int
	Uploaded   int
}

// Syncer runs the reconciliation protocol between a store and a relay.
type Syncer struct {
	store    store.Store
	client   relay.Client
	log      *logrus.Logger
	pageSize int
}

// New creates a Syncer. pageSize <= 0 selects DefaultPageSize.
func New(st store.Store, client relay.Client, log *logrus.Logger, pageSize int) *Syncer {
	if log == nil {
		log = logrus.New()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Syncer{
		store:    st,
		client:   client,
		log:      log,
		pageSize: pageSize,
	}
}

// Download pulls records the relay has and the local store lacks.
// lastSync is the caller's persisted watermark from the previous
// successful sync. Returns the number of records downloaded, which is
// valid even when an error is returned.
func (s *Syncer) Download(ctx context.Context, lastSync int64) (int, error) {
	remoteCount, err := s.client.Count(ctx)
	if err != nil {
		return 0, err
	}

	initialLocal, err := s.store.TotalLen(ctx)
	if err != nil {
		return 0, err
	}
	localCount := initialLocal

	var cursor int64 // epoch

	for remoteCount > int64(localCount) {
		select {
		case <-ctx.Done():
			return localCount - initialLocal, ctx.Err()
		default:
		}

		page, err := s.client.Page(ctx, lastSync, cursor, s.pageSize)
		if err != nil {
			return localCount - initialLocal, err
		}

		// counts disagree but the relay has nothing newer for this
		// watermark: treat as convergence, not an error
		if len(page) == 0 {
			break
		}

		if err := s.store.PushBatch(ctx, page); err != nil {
			return localCount - initialLocal, err
		}

		// refresh into a fresh variable: clobbering localCount on a
		// failed read would turn the error return negative
		refreshed, err := s.store.TotalLen(ctx)
		if err != nil {
			return localCount - initialLocal, err
		}
		localCount = refreshed

		pageLast := page[len(page)-1].Timestamp
		if pageLast == cursor {
			// a page full of duplicate timestamps would never advance;
			// restart the cursor from the epoch instead of looping
			cursor = 0
		} else {
			cursor = pageLast
		}
	}

	return localCount - initialLocal, nil
}

// Upload pushes records the local store has and the relay lacks,
// walking backwards from now in bounded batches. Returns the number of
// records posted, valid even when an error is returned.
func (s *Syncer) Upload(ctx context.Context) (int, error) {
	remoteCount, err := s.client.Count(ctx)
	if err != nil {
		return 0, err
	}

	localCount, err := s.store.TotalLen(ctx)
	if err != nil {
		return 0, err
	}

	cursor := time.Now().UnixNano()
	uploaded := 0

	for int64(localCount) > remoteCount {
		select {
		case <-ctx.Done():
			return uploaded, ctx.Err()
		default:
		}

		batch, err := s.store.Before(ctx, cursor, s.pageSize)
		if err != nil {
			return uploaded, err
		}
		if len(batch) == 0 {
			break
		}

		if err := s.client.PostBatch(ctx, batch); err != nil {
			return uploaded, err
		}
		uploaded += len(batch)

		// batch is newest first; continue below its oldest record
		cursor = batch[len(batch)-1].Timestamp

		remoteCount, err = s.client.Count(ctx)
		if err != nil {
			return uploaded, err
		}
	}

	return uploaded, nil
}

// Run executes a full download-then-upload pass. Repeated invocation
// reaches a fixed point where both sides hold the same records,
// assuming no concurrent writers during the sync window.
func (s *Syncer) Run(ctx context.Context, lastSync int64) (Stats, error) {
	var stats Stats

	downloaded, err := s.Download(ctx, lastSync)
	stats.Downloaded = downloaded
	if err != nil {
		return stats, err
	}
	s.log.WithField("records", downloaded).Debug("sync downloaded")

	uploaded, err := s.Upload(ctx)
	stats.Uploaded = uploaded
	if err != nil {
		return stats, err
	}
	s.log.WithField("records", uploaded).Debug("sync uploaded")

	return stats, nil
}
