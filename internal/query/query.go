// Package query implements the read-only reporting surface (C6 of
// spec.md §4.5.4) against a committed store: point-in-time scores,
// historical lookups, and the aggregates the CSV and Postgres exporters
// assemble their output from.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainwatch/uncleanliness/internal/chainsource"
	"github.com/chainwatch/uncleanliness/internal/store"
	"github.com/chainwatch/uncleanliness/internal/taint"
)

// Engine answers read queries against a store, falling back to a live
// chain-source balance query (scored clean) when an address was never
// recorded dirty as of the reference block.
type Engine struct {
	Store              *store.Store
	Chain              chainsource.Source
	CleanFallbackBlock uint64
}

// New constructs a query Engine.
func New(st *store.Store, chain chainsource.Source, cleanFallbackBlock uint64) *Engine {
	return &Engine{Store: st, Chain: chain, CleanFallbackBlock: cleanFallbackBlock}
}

// ScoreLatest returns addr's current dirty score if it is currently dirty.
// Otherwise (never recorded dirty, or gone clean since) it is reported
// clean, with its chain balance as of CleanFallbackBlock (spec.md §9 Open
// Question (iii)).
func (e *Engine) ScoreLatest(ctx context.Context, addr common.Address) (taint.Score, error) {
	if sc, ok, err := e.Store.GetCurrentDirty(addr); err != nil {
		return taint.Score{}, err
	} else if ok {
		return sc, nil
	}
	return e.cleanFallback(ctx, addr)
}

// ScoreAt returns addr's score as of exactly block: the latest snapshot
// entry with block number <= block, found by binary search over
// AddressHistory (spec.md §4.5.4 — history entries are strictly
// ascending, so this is a sorted search, not a linear scan).
func (e *Engine) ScoreAt(ctx context.Context, addr common.Address, block uint64) (taint.Score, error) {
	read, err := e.Store.NewReadTxn()
	if err != nil {
		return taint.Score{}, err
	}
	defer read.Release()

	history, err := read.AddressHistory(addr)
	if err != nil {
		return taint.Score{}, err
	}

	idx := sort.Search(len(history), func(i int) bool { return history[i] > block })
	if idx == 0 {
		return e.cleanFallbackAt(ctx, addr, block)
	}
	at := history[idx-1]
	sc, ok, err := read.Snapshot(at, addr)
	if err != nil {
		return taint.Score{}, err
	}
	if !ok {
		return taint.Score{}, fmt.Errorf("query: address %s history entry at block %d has no snapshot", addr, at)
	}
	if sc.Balance.IsZero() {
		return e.cleanFallbackAt(ctx, addr, block)
	}
	return sc, nil
}

func (e *Engine) cleanFallback(ctx context.Context, addr common.Address) (taint.Score, error) {
	return e.cleanFallbackAt(ctx, addr, e.CleanFallbackBlock)
}

func (e *Engine) cleanFallbackAt(ctx context.Context, addr common.Address, block uint64) (taint.Score, error) {
	balance, err := e.Chain.BalanceAt(ctx, addr, block)
	if err != nil {
		return taint.Score{}, fmt.Errorf("query: clean fallback balance for %s at block %d: %w", addr, block, err)
	}
	return taint.NewClean(balance), nil
}

// HistoryEntry is one recorded (block, score) pair for a single address,
// as returned by AddressHistory.
type HistoryEntry struct {
	Block uint64
	Score taint.Score
}

// AddressHistory returns every recorded (block, score) pair for addr with
// block in [from, to], ascending by block — the source data for the
// per-address CSV export of spec.md §6.
func (e *Engine) AddressHistory(addr common.Address, from, to uint64) ([]HistoryEntry, error) {
	read, err := e.Store.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer read.Release()

	blocks, err := read.AddressHistory(addr)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for _, b := range blocks {
		if b < from || b > to {
			continue
		}
		sc, ok, err := read.Snapshot(b, addr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("query: address %s history entry at block %d has no snapshot", addr, b)
		}
		out = append(out, HistoryEntry{Block: b, Score: sc})
	}
	return out, nil
}

// MaxDirty returns the address with the single largest recorded dirty
// amount across [from, to], and that amount. It scans every snapshot
// entry in range, keeping a running maximum, so cost is linear in the
// number of entries recorded in the window, not in the number of
// addresses ever seen.
func (e *Engine) MaxDirty(from, to uint64) (common.Address, taint.Score, error) {
	read, err := e.Store.NewReadTxn()
	if err != nil {
		return common.Address{}, taint.Score{}, err
	}
	defer read.Release()

	var (
		best      common.Address
		bestScore taint.Score
		found     bool
	)
	err = read.RangeSnapshots(from, to, func(block uint64, entry store.SnapshotEntry) error {
		if !found || entry.Score.DirtyAmount.Gt(&bestScore.DirtyAmount) {
			best, bestScore, found = entry.Address, entry.Score, true
		}
		return nil
	})
	if err != nil {
		return common.Address{}, taint.Score{}, err
	}
	if !found {
		return common.Address{}, taint.Score{}, fmt.Errorf("query: no recorded addresses in range [%d, %d]", from, to)
	}
	return best, bestScore, nil
}

// TaintedUpto returns every address whose most recent recorded score with
// block <= upto is dirty, paired with that score; an address that was
// dirty earlier but whose latest score is clean is left out — the source
// data for the "tainted addresses until B" export.
func (e *Engine) TaintedUpto(upto uint64) (map[common.Address]taint.Score, error) {
	read, err := e.Store.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer read.Release()

	latest := make(map[common.Address]taint.Score)
	err = read.RangeSnapshots(0, upto, func(block uint64, entry store.SnapshotEntry) error {
		if entry.Score.IsDirty() {
			latest[entry.Address] = entry.Score
		} else {
			delete(latest, entry.Address)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// AddressesPerBlockCount reports, for every block in [from, to] at which
// at least one address was recorded, how many distinct addresses were
// touched — the source data for the "amount of tainted addresses over
// time" export.
func (e *Engine) AddressesPerBlockCount(from, to uint64) (map[uint64]int, error) {
	read, err := e.Store.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer read.Release()

	counts := make(map[uint64]int)
	err = read.RangeSnapshots(from, to, func(block uint64, entry store.SnapshotEntry) error {
		counts[block]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
