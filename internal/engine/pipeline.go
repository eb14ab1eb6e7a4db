package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/chainwatch/uncleanliness/internal/chainsource"
	"github.com/chainwatch/uncleanliness/internal/store"
	"github.com/chainwatch/uncleanliness/internal/taint"
)

// staticBlockReward is the pre-London/pre-merge static block reward (2
// ether), expressed in wei.
var staticBlockReward = new(big.Int).Mul(big.NewInt(2), big.NewInt(params.Ether))

// Pipeline decomposes one block into the ordered sequence of transfers of
// spec.md §4.5.1 and flushes the resulting cache mutations to the store
// under one write transaction.
type Pipeline struct {
	Recorder       *Recorder
	Chain          chainsource.Source
	Store          *store.Store
	POSBlockNumber uint64
}

// ProcessBlock runs the full per-block procedure and commits. On any
// fatal error the write transaction is never committed, leaving the
// store exactly as it was before the call (spec.md P7).
func (p *Pipeline) ProcessBlock(ctx context.Context, number uint64) error {
	// An earlier attempt that failed part-way leaves its mutations in the
	// cache; discard them so every attempt starts from an empty cache.
	p.Recorder.Cache.DrainData()
	p.Recorder.Cache.DrainSelfDestruct()

	block, err := p.Chain.BlockByNumber(ctx, number)
	if err != nil {
		return err
	}
	traces, err := p.Chain.TraceBlock(ctx, number)
	if err != nil {
		return err
	}
	txs := block.Transactions()
	if len(traces) != len(txs) {
		return invariantf("ProcessBlock", "trace count %d does not match transaction count %d", len(traces), len(txs))
	}

	miner := block.Coinbase()
	baseFee := block.BaseFee()
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	for i, tx := range txs {
		if err := p.processTransaction(ctx, number, miner, baseFee, tx, traces[i]); err != nil {
			return err
		}
	}

	if err := p.recordRewards(ctx, number, miner, block); err != nil {
		return err
	}

	drained := p.Recorder.Cache.DrainData()
	txn := p.Store.NewWriteTxn()
	if err := txn.Flush(number, drained); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	log.Info("processed block", "number", number, "transactions", len(txs), "addresses_touched", len(drained))
	return nil
}

// effectiveTip computes the per-gas amount that goes to the miner: for
// EIP-1559 transactions, min(max_priority_fee, max_fee - base_fee) when
// the tx meets its own fee-cap requirement, falling back to gas_price -
// base_fee otherwise; for legacy transactions, always gas_price -
// base_fee (spec.md §4.5.1; base fee defaults to 0 pre-London, resolving
// Open Question (ii) the same way the original tool does).
func effectiveTip(tx *types.Transaction, baseFee *big.Int) *big.Int {
	if tx.Type() >= types.DynamicFeeTxType {
		maxFee, maxTip := tx.GasFeeCap(), tx.GasTipCap()
		if maxFee.Cmp(new(big.Int).Add(maxTip, baseFee)) > 0 {
			return maxTip
		}
	}
	return new(big.Int).Sub(tx.GasPrice(), baseFee)
}

// effectiveGasPrice is what the sender actually paid per gas. Go-ethereum's
// own Transaction.GasPrice() returns the fee *cap* for EIP-1559
// transactions, not the effective price charged in a historical block, so
// it is only trustworthy for legacy transactions; for EIP-1559
// transactions the effective price is reconstructed as base_fee + tip.
func effectiveGasPrice(tx *types.Transaction, baseFee, tip *big.Int) *big.Int {
	if tx.Type() >= types.DynamicFeeTxType {
		return new(big.Int).Add(baseFee, tip)
	}
	return tx.GasPrice()
}

func (p *Pipeline) processTransaction(ctx context.Context, number uint64, miner common.Address, baseFee *big.Int, tx *types.Transaction, trace chainsource.TraceResult) error {
	if !trace.Success() {
		log.Warn("skipping transaction with failed trace", "block", number, "tx", tx.Hash(), "error", trace.Err)
		return nil
	}
	root := trace.Root

	gasUsed := new(big.Int).SetUint64(uint64(root.GasUsed))
	tip := effectiveTip(tx, baseFee)
	gasPrice := effectiveGasPrice(tx, baseFee, tip)

	feeTotal := new(big.Int).Mul(gasUsed, gasPrice)
	feeMiner := new(big.Int).Mul(gasUsed, tip)

	if len(tx.BlobHashes()) > 0 {
		receipt, err := p.Chain.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return err
		}
		if receipt.BlobGasPrice != nil {
			blobFee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.BlobGasUsed), receipt.BlobGasPrice)
			feeTotal.Add(feeTotal, blobFee)
		}
	}

	feeTotalU, err := uint256FromBig("processTransaction.feeTotal", feeTotal)
	if err != nil {
		return err
	}
	feeMinerU, err := uint256FromBig("processTransaction.feeMiner", feeMiner)
	if err != nil {
		return err
	}

	sender := root.From
	if err := p.Recorder.RecordTransfer(ctx, number, &sender, miner, feeTotalU, &feeMinerU); err != nil {
		return err
	}

	if err := p.traverseCallTree(ctx, number, root); err != nil {
		return err
	}

	// Self-destruct zeroes both balance and taint; the beneficiary does
	// not inherit it (spec.md §9 Open Question (i) — the original tool's
	// documented simplification is preserved as-is).
	for _, addr := range p.Recorder.Cache.DrainSelfDestruct() {
		p.Recorder.Cache.Insert(addr, taint.Score{})
	}
	return nil
}

// traverseCallTree walks the call tree depth-first, pre-order,
// left-to-right with an explicit stack of child iterators (spec.md §9 —
// not recursive descent, so a pathologically deep call tree cannot blow
// the goroutine stack and an erroring frame can cleanly skip its whole
// subtree).
func (p *Pipeline) traverseCallTree(ctx context.Context, number uint64, root *chainsource.CallFrame) error {
	type cursor struct {
		calls []chainsource.CallFrame
		idx   int
	}

	if root.Error != "" {
		log.Debug("skipping errored call frame and its subtree", "block", number, "from", root.From, "error", root.Error)
		return nil
	}
	if err := p.processFrame(ctx, number, root); err != nil {
		return err
	}

	var stack []*cursor
	stack = append(stack, &cursor{calls: root.Calls})

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.idx >= len(top.calls) {
			stack = stack[:len(stack)-1]
			continue
		}
		frame := &top.calls[top.idx]
		top.idx++

		if frame.Error != "" {
			log.Debug("skipping errored call frame and its subtree", "block", number, "from", frame.From, "error", frame.Error)
			continue
		}
		if err := p.processFrame(ctx, number, frame); err != nil {
			return err
		}
		stack = append(stack, &cursor{calls: frame.Calls})
	}
	return nil
}

func isValueOpaqueCallType(callType string) bool {
	switch callType {
	case "DELEGATECALL", "CALLCODE", "STATICCALL":
		return true
	default:
		return false
	}
}

func (p *Pipeline) processFrame(ctx context.Context, number uint64, frame *chainsource.CallFrame) error {
	if isValueOpaqueCallType(frame.Type) {
		return nil
	}

	if frame.Type == "SELFDESTRUCT" {
		code, err := p.Chain.CodeAt(ctx, frame.From, number)
		if err != nil {
			return err
		}
		if len(code) == 0 {
			p.Recorder.Cache.InsertSelfDestruct(frame.From)
		}
	}

	frameValue := (*big.Int)(frame.ValueOrZero())
	if frameValue.Sign() == 0 {
		return nil
	}

	if frame.To == nil {
		return invariantf("processFrame", "value-bearing %s frame from %s has no recipient", frame.Type, frame.From)
	}

	value, err := uint256FromBig("processFrame.value", frameValue)
	if err != nil {
		return err
	}
	return p.Recorder.RecordTransfer(ctx, number, &frame.From, *frame.To, value, nil)
}

func (p *Pipeline) recordRewards(ctx context.Context, number uint64, miner common.Address, block *types.Block) error {
	if number < p.POSBlockNumber {
		return p.recordPoWRewards(ctx, number, miner, block)
	}
	return p.recordWithdrawals(ctx, number, block)
}

func (p *Pipeline) recordPoWRewards(ctx context.Context, number uint64, miner common.Address, block *types.Block) error {
	uncles := block.Uncles()
	uncleCount := big.NewInt(int64(len(uncles)))

	uncleInclusion := new(big.Int).Div(new(big.Int).Mul(staticBlockReward, uncleCount), big.NewInt(32))
	minerReward := new(big.Int).Add(staticBlockReward, uncleInclusion)

	minerRewardU, err := uint256FromBig("recordPoWRewards.miner", minerReward)
	if err != nil {
		return err
	}
	if err := p.Recorder.RecordTransfer(ctx, number, nil, miner, minerRewardU, nil); err != nil {
		return err
	}

	for i := range uncles {
		uncle, err := p.Chain.Uncle(ctx, number, i)
		if err != nil {
			return err
		}
		// reward = (uncleNumber + 8 - blockNumber) * staticReward / 8
		delta := new(big.Int).Add(big.NewInt(int64(uncle.Number)), big.NewInt(8))
		delta.Sub(delta, big.NewInt(int64(number)))
		reward := new(big.Int).Div(new(big.Int).Mul(delta, staticBlockReward), big.NewInt(8))

		rewardU, err := uint256FromBig("recordPoWRewards.uncle", reward)
		if err != nil {
			return err
		}
		if err := p.Recorder.RecordTransfer(ctx, number, nil, uncle.Miner, rewardU, nil); err != nil {
			return err
		}
	}
	return nil
}

// gweiToWei is the conversion factor for beacon withdrawal amounts, which
// the consensus layer reports in gwei.
var gweiToWei = big.NewInt(1_000_000_000)

func (p *Pipeline) recordWithdrawals(ctx context.Context, number uint64, block *types.Block) error {
	for _, w := range block.Withdrawals() {
		amountWei := new(big.Int).Mul(new(big.Int).SetUint64(w.Amount), gweiToWei)
		amountU, err := uint256FromBig("recordWithdrawals", amountWei)
		if err != nil {
			return err
		}
		if err := p.Recorder.RecordTransfer(ctx, number, nil, w.Address, amountU, nil); err != nil {
			return err
		}
	}
	return nil
}

