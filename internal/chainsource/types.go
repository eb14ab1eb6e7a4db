package chainsource

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CallFrame is one node of the call tree produced by geth's callTracer.
// It is decoded straight off the debug_traceBlockByNumber JSON response;
// go-ethereum keeps its own equivalent type internal to eth/tracers/native,
// so callers outside the geth process define their own wire shape.
type CallFrame struct {
	Type    string         `json:"type"`
	From    common.Address `json:"from"`
	To      *common.Address `json:"to,omitempty"`
	Value   *hexutil.Big    `json:"value,omitempty"`
	GasUsed hexutil.Uint64  `json:"gasUsed"`
	Error   string          `json:"error,omitempty"`
	Calls   []CallFrame     `json:"calls,omitempty"`
}

// ValueOrZero returns the frame's transferred value, or zero if the
// tracer omitted it (calls that carry no ETH often do).
func (f *CallFrame) ValueOrZero() *hexutil.Big {
	if f.Value == nil {
		zero := hexutil.Big(*new(big.Int))
		return &zero
	}
	return f.Value
}

// TraceResult is one transaction's entry in a debug_traceBlockByNumber
// response: either a successful call-tree root, or an opaque per-tx error
// (the transaction could not be traced at all).
type TraceResult struct {
	Root   *CallFrame
	TxHash common.Hash
	Err    string
}

// Success reports whether the transaction produced a usable call tree.
func (t TraceResult) Success() bool {
	return t.Root != nil
}

// traceResultWire is the raw JSON shape of one debug_traceBlockByNumber
// array element: geth emits {"result": ..., "txHash": ...} on success and
// {"error": "..."} when the tracer itself failed for that transaction.
type traceResultWire struct {
	Result *CallFrame  `json:"result,omitempty"`
	TxHash common.Hash `json:"txHash,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// UncleHeader is the minimal uncle-block information the engine needs:
// its number (to compute the inclusion reward) and its miner.
type UncleHeader struct {
	Number uint64
	Miner  common.Address
}
