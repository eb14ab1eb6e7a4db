package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/uncleanliness/internal/chainsource"
	"github.com/chainwatch/uncleanliness/internal/store"
	"github.com/chainwatch/uncleanliness/internal/taint"
)

// fakeChain answers BalanceAt and CodeAt from fixed tables and panics on
// every other method — the recorder only ever needs BalanceAt as its
// clean fallback, and the pipeline tests need CodeAt for SELFDESTRUCT.
type fakeChain struct {
	balances map[common.Address]uint256.Int
	code     map[common.Address][]byte
}

func (f fakeChain) BlockByNumber(context.Context, uint64) (*types.Block, error) { panic("unused") }
func (f fakeChain) TraceBlock(context.Context, uint64) ([]chainsource.TraceResult, error) {
	panic("unused")
}
func (f fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	panic("unused")
}
func (f fakeChain) Uncle(context.Context, uint64, int) (chainsource.UncleHeader, error) {
	panic("unused")
}
func (f fakeChain) BalanceAt(_ context.Context, addr common.Address, _ uint64) (uint256.Int, error) {
	return f.balances[addr], nil
}
func (f fakeChain) CodeAt(_ context.Context, addr common.Address, _ uint64) ([]byte, error) {
	return f.code[addr], nil
}

func u(v int64) uint256.Int { return *uint256.NewInt(uint64(v)) }

var (
	addrSender   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrRecipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
	addrSource    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newTestRecorder(t *testing.T, chain chainsource.Source, sources ...common.Address) *Recorder {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	set := make(map[common.Address]struct{})
	for _, a := range sources {
		set[a] = struct{}{}
	}
	return &Recorder{Store: st, Cache: taint.NewCache(), Chain: chain, Sources: set}
}

// scenario 1 (spec.md §8): a clean sender with no prior record sends part
// of its balance; the recipient, not a source, receives the same
// (clean) proportion.
func TestRecordTransferCleanSenderCleanRecipient(t *testing.T) {
	chain := fakeChain{balances: map[common.Address]uint256.Int{
		addrSender:    u(1000),
		addrRecipient: u(0),
	}}
	r := newTestRecorder(t, chain)

	require.NoError(t, r.RecordTransfer(context.Background(), 10, &addrSender, addrRecipient, u(300), nil))

	sender, ok := r.Cache.Get(addrSender)
	require.True(t, ok)
	require.True(t, sender.Balance.Eq(uint256.NewInt(700)))
	require.True(t, sender.IsClean())

	recv, ok := r.Cache.Get(addrRecipient)
	require.True(t, ok)
	require.True(t, recv.Balance.Eq(uint256.NewInt(300)))
	require.True(t, recv.IsClean())
}

// scenario 2: a half-dirty sender splits proportionally across sender
// and recipient.
func TestRecordTransferSplitsDirtyProportionally(t *testing.T) {
	chain := fakeChain{}
	r := newTestRecorder(t, chain)
	r.Cache.Insert(addrSender, taint.MustNew(u(1000), u(500)))

	require.NoError(t, r.RecordTransfer(context.Background(), 10, &addrSender, addrRecipient, u(400), nil))

	sender, _ := r.Cache.Get(addrSender)
	require.True(t, sender.Balance.Eq(uint256.NewInt(600)))
	require.True(t, sender.DirtyAmount.Eq(uint256.NewInt(300)))

	recv, _ := r.Cache.Get(addrRecipient)
	require.True(t, recv.Balance.Eq(uint256.NewInt(400)))
	require.True(t, recv.DirtyAmount.Eq(uint256.NewInt(200)))
}

// scenario 3: a transfer landing on a configured source address is
// re-tainted fully dirty on arrival, regardless of the sender's score.
func TestRecordTransferToSourceAddressIsFullyRetainted(t *testing.T) {
	chain := fakeChain{balances: map[common.Address]uint256.Int{addrSource: u(0)}}
	r := newTestRecorder(t, chain, addrSource)
	r.Cache.Insert(addrSender, taint.NewClean(u(1000)))

	require.NoError(t, r.RecordTransfer(context.Background(), 10, &addrSender, addrSource, u(100), nil))

	recv, ok := r.Cache.Get(addrSource)
	require.True(t, ok)
	require.True(t, recv.IsDirty())
	require.True(t, recv.DirtyAmount.Eq(uint256.NewInt(100)))
}

// scenario 4: a coinbase-style transfer (nil sender) credits a brand-new
// clean amount, used for block rewards and withdrawals.
func TestRecordTransferNilSenderCreditsClean(t *testing.T) {
	chain := fakeChain{balances: map[common.Address]uint256.Int{addrRecipient: u(0)}}
	r := newTestRecorder(t, chain)

	require.NoError(t, r.RecordTransfer(context.Background(), 10, nil, addrRecipient, u(2_000_000_000), nil))

	recv, ok := r.Cache.Get(addrRecipient)
	require.True(t, ok)
	require.True(t, recv.IsClean())
	require.True(t, recv.Balance.Eq(uint256.NewInt(2_000_000_000)))
}

// A recvValue smaller than vSend (a base-fee burn) rebases the transfer
// score to the smaller amount via SplitCeil rather than passing vSend's
// full score through.
func TestRecordTransferRebasesOnPartialRecvValue(t *testing.T) {
	chain := fakeChain{}
	r := newTestRecorder(t, chain)
	r.Cache.Insert(addrSender, taint.MustNew(u(1000), u(1000)))

	recv := u(60)
	require.NoError(t, r.RecordTransfer(context.Background(), 10, &addrSender, addrRecipient, u(100), &recv))

	recvScore, ok := r.Cache.Get(addrRecipient)
	require.True(t, ok)
	require.True(t, recvScore.Balance.Eq(uint256.NewInt(60)))
	require.True(t, recvScore.DirtyAmount.Eq(uint256.NewInt(60)))
}

// A zero-balance sender attempting a non-zero transfer is a fatal
// invariant violation, never a panic or silent no-op.
func TestRecordTransferZeroBalanceSenderSendingNonzeroIsFatal(t *testing.T) {
	chain := fakeChain{balances: map[common.Address]uint256.Int{addrSender: u(0)}}
	r := newTestRecorder(t, chain)

	err := r.RecordTransfer(context.Background(), 10, &addrSender, addrRecipient, u(1), nil)
	require.Error(t, err)
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
}

// An insolvent sender (the transfer value exceeds its balance) is also
// fatal, never silently clamped.
func TestRecordTransferInsolventSenderIsFatal(t *testing.T) {
	chain := fakeChain{}
	r := newTestRecorder(t, chain)
	r.Cache.Insert(addrSender, taint.NewClean(u(100)))

	err := r.RecordTransfer(context.Background(), 10, &addrSender, addrRecipient, u(500), nil)
	require.Error(t, err)
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
}

// The clean-fallback chain reaches all the way to a live balance query
// when neither the scratch cache nor the store has a prior record.
func TestPriorScoreFallsBackToChainBalance(t *testing.T) {
	chain := fakeChain{balances: map[common.Address]uint256.Int{addrSender: u(5000)}}
	r := newTestRecorder(t, chain)

	sc, err := r.priorScore(context.Background(), addrSender, 100)
	require.NoError(t, err)
	require.True(t, sc.IsClean())
	require.True(t, sc.Balance.Eq(uint256.NewInt(5000)))
}
