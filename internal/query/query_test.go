package query

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

// fakeChain answers BalanceAt with a fixed value — or, if balances is
// set, with the value keyed by the exact block queried, so tests can
// assert which block a caller asked about — and panics on every other
// method, since query.Engine never needs the rest of the interface.
type fakeChain struct {
	balance  uint256.Int
	balances map[uint64]uint256.Int
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
func (f fakeChain) BalanceAt(_ context.Context, _ common.Address, block uint64) (uint256.Int, error) {
	if f.balances != nil {
		return f.balances[block], nil
	}
	return f.balance, nil
}
func (f fakeChain) CodeAt(context.Context, common.Address, uint64) ([]byte, error) { panic("unused") }

func u(v int64) uint256.Int { return *uint256.NewInt(uint64(v)) }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

var addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestScoreLatestFallsBackToCleanChainBalance(t *testing.T) {
	st := openTestStore(t)
	eng := New(st, fakeChain{balance: u(500)}, 100)

	sc, err := eng.ScoreLatest(context.Background(), addrA)
	require.NoError(t, err)
	require.True(t, sc.IsClean())
	require.True(t, sc.Balance.Eq(uint256.NewInt(500)))
}

func TestScoreLatestReadsRecordedDirty(t *testing.T) {
	st := openTestStore(t)
	txn := st.NewWriteTxn()
	require.NoError(t, txn.Flush(10, map[common.Address]taint.Score{addrA: taint.NewDirty(u(200))}))
	require.NoError(t, txn.Commit())

	eng := New(st, fakeChain{}, 100)
	sc, err := eng.ScoreLatest(context.Background(), addrA)
	require.NoError(t, err)
	require.True(t, sc.IsDirty())
	require.True(t, sc.DirtyAmount.Eq(uint256.NewInt(200)))
}

func TestScoreAtFindsLatestEntryNotAfterBlock(t *testing.T) {
	st := openTestStore(t)

	txn1 := st.NewWriteTxn()
	require.NoError(t, txn1.Flush(10, map[common.Address]taint.Score{addrA: taint.NewDirty(u(100))}))
	require.NoError(t, txn1.Commit())

	txn2 := st.NewWriteTxn()
	require.NoError(t, txn2.Flush(20, map[common.Address]taint.Score{addrA: taint.NewDirty(u(300))}))
	require.NoError(t, txn2.Commit())

	eng := New(st, fakeChain{balances: map[uint64]uint256.Int{5: u(999)}}, 100)

	sc, err := eng.ScoreAt(context.Background(), addrA, 15)
	require.NoError(t, err)
	require.True(t, sc.Balance.Eq(uint256.NewInt(100)))

	sc, err = eng.ScoreAt(context.Background(), addrA, 25)
	require.NoError(t, err)
	require.True(t, sc.Balance.Eq(uint256.NewInt(300)))

	// No history entry at or before block 5: falls back to clean-from-chain
	// at the *queried* block, not the engine's configured CleanFallbackBlock.
	sc, err = eng.ScoreAt(context.Background(), addrA, 5)
	require.NoError(t, err)
	require.True(t, sc.IsClean())
	require.True(t, sc.Balance.Eq(uint256.NewInt(999)), "must query the chain at the requested block, not CleanFallbackBlock")
}

// A self-destructed address (score wiped to (0,0) in its snapshot) must
// fall back to its live on-chain balance at the queried block rather than
// reporting the wiped zero score (spec.md §9 / §4.5.4).
func TestScoreAtFallsBackToChainWhenSnapshotBalanceIsWiped(t *testing.T) {
	st := openTestStore(t)

	txn1 := st.NewWriteTxn()
	require.NoError(t, txn1.Flush(10, map[common.Address]taint.Score{addrA: taint.NewDirty(u(100))}))
	require.NoError(t, txn1.Commit())

	txn2 := st.NewWriteTxn()
	require.NoError(t, txn2.Flush(20, map[common.Address]taint.Score{addrA: taint.NewClean(u(0))}))
	require.NoError(t, txn2.Commit())

	eng := New(st, fakeChain{balances: map[uint64]uint256.Int{25: u(777)}}, 100)

	sc, err := eng.ScoreAt(context.Background(), addrA, 25)
	require.NoError(t, err)
	require.True(t, sc.IsClean())
	require.True(t, sc.Balance.Eq(uint256.NewInt(777)), "a wiped snapshot balance must fall back to the live chain balance at B, not report (0,0)")
}

func TestMaxDirtyPicksLargestInRange(t *testing.T) {
	st := openTestStore(t)
	addrB := common.HexToAddress("0x2222222222222222222222222222222222222222")

	txn := st.NewWriteTxn()
	require.NoError(t, txn.Flush(10, map[common.Address]taint.Score{
		addrA: taint.NewDirty(u(50)),
		addrB: taint.NewDirty(u(900)),
	}))
	require.NoError(t, txn.Commit())

	eng := New(st, fakeChain{}, 100)
	best, sc, err := eng.MaxDirty(0, 20)
	require.NoError(t, err)
	require.Equal(t, addrB, best)
	require.True(t, sc.DirtyAmount.Eq(uint256.NewInt(900)))
}

func TestTaintedUptoDropsAddressesThatWentClean(t *testing.T) {
	st := openTestStore(t)

	txn1 := st.NewWriteTxn()
	require.NoError(t, txn1.Flush(10, map[common.Address]taint.Score{addrA: taint.NewDirty(u(100))}))
	require.NoError(t, txn1.Commit())

	txn2 := st.NewWriteTxn()
	require.NoError(t, txn2.Flush(20, map[common.Address]taint.Score{addrA: taint.NewClean(u(100))}))
	require.NoError(t, txn2.Commit())

	eng := New(st, fakeChain{}, 100)
	tainted, err := eng.TaintedUpto(30)
	require.NoError(t, err)
	require.Empty(t, tainted)
}

func TestAddressesPerBlockCount(t *testing.T) {
	st := openTestStore(t)
	addrB := common.HexToAddress("0x2222222222222222222222222222222222222222")

	txn := st.NewWriteTxn()
	require.NoError(t, txn.Flush(10, map[common.Address]taint.Score{
		addrA: taint.NewDirty(u(1)),
		addrB: taint.NewDirty(u(2)),
	}))
	require.NoError(t, txn.Commit())

	eng := New(st, fakeChain{}, 100)
	counts, err := eng.AddressesPerBlockCount(0, 20)
	require.NoError(t, err)
	require.Equal(t, 2, counts[10])
}
