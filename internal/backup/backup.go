// Package backup exports and restores the record store as a compressed
// archive. Records stay in their encrypted at-rest form, so an archive
// is as opaque as the store itself and needs no key to produce.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/i5heu/chainsync/pkg/model"
)

// restoreBatchSize bounds how many records are pushed per batch during
// a restore.
const restoreBatchSize = 100

// Source yields every record of a store.
type Source interface {
	Walk(ctx context.Context, fn func(model.EncryptedRecord) error) error
}

// Sink accepts restored records. PushBatch must be idempotent on
// record ids so a restore can be re-applied.
type Sink interface {
	PushBatch(ctx context.Context, recs []model.EncryptedRecord) error
}

// Export writes every record from src to w as an lzma-compressed
// msgpack stream. Returns the number of records written.
func Export(ctx context.Context, src Source, w io.Writer) (int, error) {
	lz, err := lzma.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("open lzma writer: %w", err)
	}

	enc := msgpack.NewEncoder(lz)
	count := 0

	err = src.Walk(ctx, func(rec model.EncryptedRecord) error {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	if err := lz.Close(); err != nil {
		return count, fmt.Errorf("finish lzma stream: %w", err)
	}
	return count, nil
}

// Import reads an archive produced by Export and pushes its records
// into dst in bounded batches. Already-known records are no-ops, so a
// partially applied restore can simply be re-run. Returns the number of
// records read.
func Import(ctx context.Context, dst Sink, r io.Reader) (int, error) {
	lz, err := lzma.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open lzma reader: %w", err)
	}

	dec := msgpack.NewDecoder(lz)
	count := 0
	batch := make([]model.EncryptedRecord, 0, restoreBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := dst.PushBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		var rec model.EncryptedRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("decode archive record: %w", err)
		}

		batch = append(batch, rec)
		count++

		if len(batch) == restoreBatchSize {
			if err := flush(); err != nil {
				return count - len(batch), err
			}
		}
	}

	if err := flush(); err != nil {
		return count - len(batch), err
	}
	return count, nil
}
