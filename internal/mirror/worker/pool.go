// Package worker drains the index queue.
//
// A Pool claims batches of Pending entries (oldest first), runs an Extractor
// on each file and reports the outcome back to the queue: the node gets its
// content hash and index time and the entry is marked Completed, or the entry
// is marked Failed with the extractor's error. Several pools, in one process
// or many, may share a database; a claim never hands the same entry to two
// workers.
//
// A Housekeeper runs the queue's maintenance operations on an interval:
// stale Processing entries go back to Pending, failed entries are retried up
// to a limit, and old Completed entries are purged.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
)

// Config holds configuration for a Pool.
type Config struct {
	// Concurrency is the number of files extracted in parallel. Default: 4.
	Concurrency int

	// BatchSize is the number of entries claimed per round trip. Default: 32.
	BatchSize int

	// PollInterval is how long Run sleeps when the queue is empty. Default: 1s.
	PollInterval time.Duration

	// ProjectID restricts the pool to one project. nil drains every project.
	ProjectID *int64

	// Extractor indexes files. Default: ChecksumExtractor{}.
	Extractor Extractor

	// Logger for worker activity. Default: stderr with "[worker] " prefix.
	Logger *log.Logger

	// OnProcessed, if set, is called after every entry reaches a terminal
	// state. err is the extractor error for failed entries.
	OnProcessed func(entry *schema.QueueEntry, elapsed time.Duration, err error)
}

// Stats counts what a Pool has done since it was created.
type Stats struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	// Dropped counts entries that vanished or were reset while being
	// processed, so their outcome could not be recorded.
	Dropped int64 `json:"dropped"`
}

// Pool claims and processes queue entries.
type Pool struct {
	db     *db.DB
	config Config

	claimed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a Pool. Zero fields in cfg take their defaults.
func NewPool(database *db.DB, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Extractor == nil {
		cfg.Extractor = ChecksumExtractor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[worker] ", log.LstdFlags)
	}
	return &Pool{db: database, config: cfg}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Claimed:   p.claimed.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Run processes entries until ctx is cancelled, sleeping PollInterval
// whenever the queue is empty. It returns nil on cancellation.
func (p *Pool) Run(ctx context.Context) error {
	p.config.Logger.Printf("Worker started (concurrency %d, batch %d)", p.config.Concurrency, p.config.BatchSize)

	for {
		n, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			p.config.Logger.Printf("Worker stopped: %+v", p.Stats())
			return nil
		}
		if err != nil {
			p.config.Logger.Printf("Error processing batch: %v", err)
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			p.config.Logger.Printf("Worker stopped: %+v", p.Stats())
			return nil
		case <-time.After(p.config.PollInterval):
		}
	}
}

// Drain processes entries until the queue has nothing left to claim and
// returns how many entries were processed.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// RunOnce claims one batch and processes it. It returns the number of
// entries claimed; 0 means the queue was empty.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	entries, err := p.db.ClaimBatch(ctx, p.config.ProjectID, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	p.claimed.Add(int64(len(entries)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			return p.process(gctx, entry)
		})
	}
	return len(entries), g.Wait()
}

// process extracts one entry and records the outcome. Only database errors
// are returned; extraction failures are recorded on the entry.
func (p *Pool) process(ctx context.Context, entry *schema.QueueEntry) error {
	start := time.Now()
	ext, extErr := p.config.Extractor.Extract(ctx, entry)
	if extErr != nil && ctx.Err() != nil {
		// Cancelled mid-extraction; the entry stays Processing until
		// ResetStale returns it to Pending.
		return nil
	}

	var err error
	if extErr != nil {
		err = p.db.MarkFailed(ctx, entry.ID, extErr.Error())
	} else {
		var hash string
		if ext != nil {
			hash = ext.ContentHash
		}
		err = p.db.InTx(ctx, func(tx *db.Tx) error {
			if err := tx.RecordIndexed(ctx, entry.NodeID, hash, time.Now()); err != nil {
				return err
			}
			return tx.MarkCompleted(ctx, entry.ID)
		})
	}

	switch {
	case err == nil:
	case errors.Is(err, schema.ErrConsistency), errors.Is(err, schema.ErrInvalidTransition):
		// The node was deleted (taking the entry with it) or the entry was
		// reset while we held it.
		p.dropped.Add(1)
		p.config.Logger.Printf("Warning: dropping result for entry %d (%s): %v", entry.ID, entry.FilePath, err)
		return nil
	default:
		return fmt.Errorf("entry %d: %w", entry.ID, err)
	}

	if extErr != nil {
		p.failed.Add(1)
		p.config.Logger.Printf("Failed to index %s: %v", entry.FilePath, extErr)
	} else {
		p.completed.Add(1)
	}

	if p.config.OnProcessed != nil {
		p.config.OnProcessed(entry, time.Since(start), extErr)
	}
	return nil
}
