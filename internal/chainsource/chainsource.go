// Package chainsource is the engine's only window onto the outside
// world: a thin wrapper over go-ethereum's own JSON-RPC client stack
// (ethclient + rpc) that exposes exactly the primitives spec.md §6 calls
// for — nothing about consensus, re-execution, or chain reorgs is the
// engine's concern, it only ever asks this interface for facts about a
// block it has already been told to process.
package chainsource

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

// Source is the chain-source interface the engine depends on. It is
// implemented by Client (a live WebSocket JSON-RPC connection); tests
// implement it with an in-memory fake.
type Source interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	TraceBlock(ctx context.Context, number uint64) ([]TraceResult, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Uncle(ctx context.Context, number uint64, index int) (UncleHeader, error)
	BalanceAt(ctx context.Context, addr common.Address, number uint64) (uint256.Int, error)
	CodeAt(ctx context.Context, addr common.Address, number uint64) ([]byte, error)
}

// Client is a Source backed by a live geth-compatible JSON-RPC endpoint,
// dialed over WebSocket (LOCAL_WS_URL, spec.md §6).
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial opens a WebSocket JSON-RPC connection to url.
func Dial(ctx context.Context, url string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chainsource: dial %s: %w", url, err)
	}
	return &Client{eth: ethclient.NewClient(rpcClient), rpc: rpcClient}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

func blockID(number uint64) *big.Int {
	return new(big.Int).SetUint64(number)
}

// BlockByNumber fetches a full block (header, transactions and
// withdrawals) at the given height.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	block, err := c.eth.BlockByNumber(ctx, blockID(number))
	if err != nil {
		return nil, fmt.Errorf("chainsource: get block %d: %w", number, err)
	}
	return block, nil
}

// TraceBlock runs the callTracer over every transaction in the block.
func (c *Client) TraceBlock(ctx context.Context, number uint64) ([]TraceResult, error) {
	var wire []traceResultWire
	opts := map[string]interface{}{"tracer": "callTracer"}
	if err := c.rpc.CallContext(ctx, &wire, "debug_traceBlockByNumber", hexutil.EncodeUint64(number), opts); err != nil {
		return nil, fmt.Errorf("chainsource: trace block %d: %w", number, err)
	}
	out := make([]TraceResult, len(wire))
	for i, w := range wire {
		out[i] = TraceResult{Root: w.Result, TxHash: w.TxHash, Err: w.Error}
	}
	return out, nil
}

// TransactionReceipt fetches a transaction's receipt, used only to read
// blob_gas_used/blob_gas_price for EIP-4844 transactions.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chainsource: get receipt %s: %w", hash, err)
	}
	return r, nil
}

// Uncle fetches the header of the idx'th uncle of the block at number.
func (c *Client) Uncle(ctx context.Context, number uint64, idx int) (UncleHeader, error) {
	var raw struct {
		Number *hexutil.Big   `json:"number"`
		Miner  common.Address `json:"miner"`
	}
	if err := c.rpc.CallContext(ctx, &raw, "eth_getUncleByBlockNumberAndIndex", hexutil.EncodeUint64(number), hexutil.Uint(idx)); err != nil {
		return UncleHeader{}, fmt.Errorf("chainsource: get uncle %d/%d: %w", number, idx, err)
	}
	if raw.Number == nil {
		return UncleHeader{}, fmt.Errorf("chainsource: uncle %d/%d not found", number, idx)
	}
	return UncleHeader{Number: (*big.Int)(raw.Number).Uint64(), Miner: raw.Miner}, nil
}

// BalanceAt returns the wei balance of addr as of the given block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address, number uint64) (uint256.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, addr, blockID(number))
	if err != nil {
		return uint256.Int{}, fmt.Errorf("chainsource: get balance of %s at %d: %w", addr, number, err)
	}
	out, overflow := uint256.FromBig(balance)
	if overflow {
		return uint256.Int{}, fmt.Errorf("chainsource: balance of %s overflows 256 bits", addr)
	}
	return *out, nil
}

// CodeAt returns the contract code stored at addr as of the given block;
// an empty slice means the address holds no code (an EOA, or a contract
// that has already self-destructed).
func (c *Client) CodeAt(ctx context.Context, addr common.Address, number uint64) ([]byte, error) {
	code, err := c.eth.CodeAt(ctx, addr, blockID(number))
	if err != nil {
		return nil, fmt.Errorf("chainsource: get code of %s at %d: %w", addr, number, err)
	}
	return code, nil
}

// LogDialed logs a successful connection, used by the driver at startup.
func LogDialed(url string) {
	log.Info("connected to chain source", "url", url)
}
