// Package driver sequences the whole run: resolving where to resume
// from, seeding source cohorts as their bootstrap blocks come due, and
// handing each block in turn to the engine pipeline (spec.md §4.5.3).
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainwatch/uncleanliness/internal/chainsource"
	"github.com/chainwatch/uncleanliness/internal/config"
	"github.com/chainwatch/uncleanliness/internal/engine"
	"github.com/chainwatch/uncleanliness/internal/store"
	"github.com/chainwatch/uncleanliness/internal/taint"
)

// transportRetryDelay is how long Run waits before retrying a block
// after a chain-source transport error. Invariant violations are never
// retried — only errors that aren't an *engine.InvariantError.
const transportRetryDelay = 5 * time.Second

// maxTransportRetries bounds how many consecutive transport failures
// Run tolerates on a single block before giving up.
const maxTransportRetries = 5

// Driver owns the store, chain connection and engine pipeline for one
// run and drives the main block-processing loop.
type Driver struct {
	Config   config.Config
	Store    *store.Store
	Chain    chainsource.Source
	Pipeline *engine.Pipeline
}

// New wires a Driver from an already-loaded config and a dialed chain
// source. It opens the store at cfg.StoreDir.
func New(cfg config.Config, chain chainsource.Source) (*Driver, error) {
	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("driver: open store: %w", err)
	}

	cache := taint.NewCache()
	recorder := engine.NewRecorder(st, cache, chain, cfg)
	pipeline := &engine.Pipeline{
		Recorder:       recorder,
		Chain:          chain,
		Store:          st,
		POSBlockNumber: cfg.POSBlockNumber,
	}

	return &Driver{Config: cfg, Store: st, Chain: chain, Pipeline: pipeline}, nil
}

// Close releases the underlying store handle.
func (d *Driver) Close() error {
	return d.Store.Close()
}

// Resume determines the block the run should (re)start processing from:
// either a fresh bootstrap (reset requested, or the store has no recorded
// snapshot) or one past the last block with a recorded snapshot.
func (d *Driver) Resume(ctx context.Context, reset bool) (uint64, error) {
	if !reset {
		if last, ok, err := d.Store.LastBlockNumber(); err != nil {
			return 0, err
		} else if ok {
			return last + 1, nil
		}
	}
	return engine.Reset(ctx, d.Store, d.Chain, d.Config)
}

// Run processes every block from start through cfg.EndBlockNumber
// inclusive (or indefinitely if EndBlockNumber is 0), seeding any source
// cohort whose bootstrap block comes due before the pipeline runs on
// that block.
func (d *Driver) Run(ctx context.Context, start uint64) error {
	for number := start; d.Config.EndBlockNumber == 0 || number <= d.Config.EndBlockNumber; number++ {
		pending, err := engine.PendingCohorts(d.Store, d.Config, number)
		if err != nil {
			return err
		}
		for _, cohort := range pending {
			log.Info("seeding source cohort", "name", cohort.Name, "block", number, "addresses", len(cohort.Addresses))
			if err := engine.SeedCohort(ctx, d.Store, d.Chain, cohort); err != nil {
				return fmt.Errorf("driver: seed cohort %s at block %d: %w", cohort.Name, number, err)
			}
		}

		if err := d.processBlockWithRetry(ctx, number); err != nil {
			return fmt.Errorf("driver: process block %d: %w", number, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// processBlockWithRetry retries ProcessBlock on transport errors (a
// dropped WebSocket connection, a node timing out a debug_trace call),
// honoring context cancellation between attempts. An *engine.InvariantError
// is never retried — it means the trace itself is inconsistent, not that
// the chain source hiccuped.
func (d *Driver) processBlockWithRetry(ctx context.Context, number uint64) error {
	var lastErr error
	for attempt := 0; attempt <= maxTransportRetries; attempt++ {
		err := d.Pipeline.ProcessBlock(ctx, number)
		if err == nil {
			return nil
		}

		var invErr *engine.InvariantError
		if errors.As(err, &invErr) {
			return err
		}
		lastErr = err

		log.Warn("transport error processing block, retrying", "block", number, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transportRetryDelay):
		}
	}
	return fmt.Errorf("exhausted %d retries: %w", maxTransportRetries, lastErr)
}
