// Package engine implements the transfer recorder (C4) and the per-block
// pipeline (C5) of spec.md: the arithmetic that turns one directed value
// transfer into a cache mutation, and the procedure that decomposes a
// whole block into an ordered sequence of such transfers.
package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chainwatch/uncleanliness/internal/chainsource"
	"github.com/chainwatch/uncleanliness/internal/config"
	"github.com/chainwatch/uncleanliness/internal/store"
	"github.com/chainwatch/uncleanliness/internal/taint"
)

// Recorder applies directed value transfers to the block cache, loading
// prior state from the cache, then the persistent store, then (as a last
// resort) a live chain-source balance query.
type Recorder struct {
	Store   *store.Store
	Cache   *taint.Cache
	Chain   chainsource.Source
	Sources map[common.Address]struct{}
}

// NewRecorder constructs a Recorder from a loaded config's source cohorts.
func NewRecorder(st *store.Store, cache *taint.Cache, chain chainsource.Source, cfg config.Config) *Recorder {
	return &Recorder{Store: st, Cache: cache, Chain: chain, Sources: cfg.SourceAddressSet()}
}

// priorScore resolves an address's score as of just before block,
// following the fallback chain of spec.md §4.4: scratch cache, then the
// persistent current-dirty table, then a clean-from-chain balance query.
func (r *Recorder) priorScore(ctx context.Context, addr common.Address, block uint64) (taint.Score, error) {
	if s, ok := r.Cache.Get(addr); ok {
		return s, nil
	}
	if s, ok, err := r.Store.GetCurrentDirty(addr); err != nil {
		return taint.Score{}, err
	} else if ok {
		return s, nil
	}
	if block == 0 {
		return taint.Score{}, invariantf("priorScore", "cannot query balance before block 0")
	}
	balance, err := r.Chain.BalanceAt(ctx, addr, block-1)
	if err != nil {
		return taint.Score{}, fmt.Errorf("engine: clean fallback balance for %s: %w", addr, err)
	}
	return taint.NewClean(balance), nil
}

// RecordTransfer implements spec.md §4.4. sender is nil for coinbase-style
// transfers (block/uncle rewards, beacon withdrawals). recvValue is nil
// when the recipient receives exactly vSend (the common case); it differs
// only when part of vSend is burned (the EIP-1559 base fee, or a blob
// fee) before it reaches the recipient.
func (r *Recorder) RecordTransfer(ctx context.Context, block uint64, sender *common.Address, recipient common.Address, vSend uint256.Int, recvValue *uint256.Int) error {
	transferScore, err := r.debitSender(ctx, block, sender, vSend)
	if err != nil {
		return err
	}

	if recvValue != nil {
		if recvValue.Gt(&vSend) {
			return invariantf("RecordTransfer", "recipient value %s exceeds sent value %s", recvValue, vSend.String())
		}
		// A zero transfer (e.g. a zero total fee) has nothing to rebase:
		// recvValue is then zero too, and SplitCeil rejects a zero-balance
		// reference.
		if !transferScore.Balance.IsZero() {
			rebased, err := taint.SplitCeil(*recvValue, transferScore)
			if err != nil {
				return invariantf("RecordTransfer", "rebasing transfer score: %w", err)
			}
			transferScore = rebased
		}
	}

	return r.creditRecipient(ctx, block, recipient, transferScore)
}

func (r *Recorder) debitSender(ctx context.Context, block uint64, sender *common.Address, vSend uint256.Int) (taint.Score, error) {
	if sender == nil {
		return taint.NewClean(vSend), nil
	}

	prior, err := r.priorScore(ctx, *sender, block)
	if err != nil {
		return taint.Score{}, err
	}

	var transferScore taint.Score
	if prior.Balance.IsZero() {
		// A zero-balance sender can only ever send zero; split_ceil
		// requires a non-zero reference balance, so special-case it
		// rather than asserting on a 0/0 division.
		if !vSend.IsZero() {
			return taint.Score{}, invariantf("debitSender", "sender %s has zero balance but sent %s", sender, vSend.String())
		}
		transferScore = taint.NewClean(vSend)
	} else {
		transferScore, err = taint.SplitCeil(vSend, prior)
		if err != nil {
			return taint.Score{}, invariantf("debitSender", "splitting transfer from %s: %w", sender, err)
		}
	}

	if transferScore.Balance.Gt(&prior.Balance) {
		return taint.Score{}, invariantf("debitSender", "sender %s insolvent: cannot send %s from balance %s", sender, transferScore.Balance.String(), prior.Balance.String())
	}

	r.Cache.Insert(*sender, prior.Sub(transferScore))
	return transferScore, nil
}

func (r *Recorder) creditRecipient(ctx context.Context, block uint64, recipient common.Address, transferScore taint.Score) error {
	if _, isSource := r.Sources[recipient]; isSource {
		transferScore = transferScore.AsDirty()
	}

	prior, err := r.priorScore(ctx, recipient, block)
	if err != nil {
		return err
	}

	r.Cache.Insert(recipient, prior.Add(transferScore))
	return nil
}

// uint256FromBig narrows a big.Int known to be non-negative and <= 256
// bits into a uint256.Int, returning an InvariantError on overflow.
func uint256FromBig(op string, v *big.Int) (uint256.Int, error) {
	if v.Sign() < 0 {
		return uint256.Int{}, invariantf(op, "value %s is negative", v.String())
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return uint256.Int{}, invariantf(op, "value %s overflows 256 bits", v.String())
	}
	return *out, nil
}
