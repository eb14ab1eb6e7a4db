package engine

import (
	"context"
	"sort"

	"github.com/chainwatch/uncleanliness/internal/chainsource"
	"github.com/chainwatch/uncleanliness/internal/config"
	"github.com/chainwatch/uncleanliness/internal/store"
	"github.com/chainwatch/uncleanliness/internal/taint"
)

// Reset clears the store and seeds the earliest-bootstrapping source
// cohort, implementing spec.md §4.5.2. It returns the block number the
// driver should resume processing from.
func Reset(ctx context.Context, st *store.Store, chain chainsource.Source, cfg config.Config) (uint64, error) {
	if err := st.Clear(); err != nil {
		return 0, err
	}

	cohorts := sortedCohorts(cfg)
	first := cohorts[0]
	if err := SeedCohort(ctx, st, chain, first); err != nil {
		return 0, err
	}
	return first.BootstrapBlock + 1, nil
}

// SeedCohort bootstraps one source cohort: each of its addresses is
// queried for its balance as of the cohort's bootstrap block and recorded
// as fully dirty, all inside one write transaction (spec.md §4.5.2 steps
// 3-5). Unlike Reset, it does not clear the store first — it is used both
// for the very first cohort and, mid-stream, for cohorts whose bootstrap
// block arrives later (SPEC_FULL.md §4's two-cohort generalization).
func SeedCohort(ctx context.Context, st *store.Store, chain chainsource.Source, cohort config.SourceCohort) error {
	cache := taint.NewCache()
	for _, addr := range cohort.Addresses {
		balance, err := chain.BalanceAt(ctx, addr, cohort.BootstrapBlock)
		if err != nil {
			return err
		}
		cache.Insert(addr, taint.NewDirty(balance))
	}

	txn := st.NewWriteTxn()
	if err := txn.Flush(cohort.BootstrapBlock, cache.DrainData()); err != nil {
		return err
	}
	return txn.Commit()
}

// CohortSeeded reports whether cohort has already been bootstrapped,
// by checking whether its first address has a recorded snapshot at its
// bootstrap block.
func CohortSeeded(st *store.Store, cohort config.SourceCohort) (bool, error) {
	read, err := st.NewReadTxn()
	if err != nil {
		return false, err
	}
	defer read.Release()

	_, ok, err := read.Snapshot(cohort.BootstrapBlock, cohort.Addresses[0])
	return ok, err
}

func sortedCohorts(cfg config.Config) []config.SourceCohort {
	cohorts := append([]config.SourceCohort{}, cfg.SourceCohorts...)
	sort.Slice(cohorts, func(i, j int) bool {
		return cohorts[i].BootstrapBlock < cohorts[j].BootstrapBlock
	})
	return cohorts
}

// PendingCohorts returns the configured cohorts, in ascending bootstrap
// order, whose bootstrap block is exactly number and that have not yet
// been seeded.
func PendingCohorts(st *store.Store, cfg config.Config, number uint64) ([]config.SourceCohort, error) {
	var pending []config.SourceCohort
	for _, cohort := range sortedCohorts(cfg) {
		if cohort.BootstrapBlock != number {
			continue
		}
		seeded, err := CohortSeeded(st, cohort)
		if err != nil {
			return nil, err
		}
		if !seeded {
			pending = append(pending, cohort)
		}
	}
	return pending, nil
}
