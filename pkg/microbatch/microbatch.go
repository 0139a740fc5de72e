// Package microbatch batches statements onto a transaction in
// fixed-size chunks.
package microbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Insert creates batches limited by the configured batch size.
type Insert struct {
	// a transaction to send the batch on
	tx pgx.Tx
	// the current batch holding queued inserts.
	currBatch *pgx.Batch
	// the size we flush a batch
	batchSize int
	// the current queued inserts
	currQueue int
	// the total number of rows queued
	total int
	// the timeout specified for a batch operation
	timeout time.Duration
	// rows affected across all sends
	affected int64
}

// NewInsert returns a new micro batcher sending inserts on the given
// transaction.
func NewInsert(tx pgx.Tx, batchSize int, timeout time.Duration) *Insert {
	if timeout == 0 {
		timeout = time.Minute
	}
	return &Insert{
		tx:        tx,
		batchSize: batchSize,
		timeout:   timeout,
	}
}

// Queue enqueues a query and its arguments into a batch.
//
// When Queue is called all queued inserts may be sent if the
// configured batch size is reached.
func (v *Insert) Queue(ctx context.Context, query string, args ...interface{}) error {
	// flush if batchSize reached
	if v.currQueue == v.batchSize {
		if err := v.sendBatch(ctx); err != nil {
			return fmt.Errorf("failed to flush batch while queueing: %w", err)
		}
		v.currQueue = 0
	}

	if v.currBatch == nil {
		v.currBatch = &pgx.Batch{}
	}
	v.currBatch.Queue(query, args...)
	v.currQueue++
	v.total++
	return nil
}

// Done flushes any remaining batch contents.
//
// Once Done is called the batcher must not be reused.
func (v *Insert) Done(ctx context.Context) error {
	if v.currBatch == nil || v.currBatch.Len() == 0 {
		return nil
	}
	if err := v.sendBatch(ctx); err != nil {
		return fmt.Errorf("failed to flush final batch: %w", err)
	}
	return nil
}

// Total reports the number of rows queued over the batcher's lifetime.
func (v *Insert) Total() int { return v.total }

// Affected reports the summed rows-affected counts of every statement
// sent so far. With ON CONFLICT DO NOTHING inserts this is the number
// of rows actually written.
func (v *Insert) Affected() int64 { return v.affected }

func (v *Insert) sendBatch(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	n := v.currBatch.Len()
	res := v.tx.SendBatch(tctx, v.currBatch)
	defer res.Close()
	for i := 0; i < n; i++ {
		tag, err := res.Exec()
		if err != nil {
			return err
		}
		v.affected += tag.RowsAffected()
	}
	v.currBatch = nil
	return nil
}
