package taint

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u(v int64) uint256.Int {
	var x uint256.Int
	x.SetFromBig(big.NewInt(v))
	return x
}

func TestNewRejectsDirtyGreaterThanBalance(t *testing.T) {
	_, err := New(u(10), u(11))
	require.Error(t, err)
}

func TestAddSub(t *testing.T) {
	a := MustNew(u(100), u(30))
	b := MustNew(u(40), u(10))

	sum := a.Add(b)
	require.True(t, sum.Equal(MustNew(u(140), u(40))))

	diff := sum.Sub(b)
	require.True(t, diff.Equal(a))
}

// Scenario 3 from spec.md §8: proportional split with ceiling rounding.
func TestSplitCeilScenario(t *testing.T) {
	ref := MustNew(u(100), u(30))
	got, err := SplitCeil(u(7), ref)
	require.NoError(t, err)
	require.True(t, got.Balance.Eq(ptr(u(7))))
	require.True(t, got.DirtyAmount.Eq(ptr(u(3)))) // ceil(7*30/100) = ceil(2.1) = 3
}

// P3: ratio monotonicity at the extremes.
func TestSplitCeilCleanReference(t *testing.T) {
	ref := NewClean(u(1000))
	got, err := SplitCeil(u(123), ref)
	require.NoError(t, err)
	require.True(t, got.IsClean())
}

func TestSplitCeilFullyDirtyReference(t *testing.T) {
	ref := NewDirty(u(1000))
	got, err := SplitCeil(u(123), ref)
	require.NoError(t, err)
	require.True(t, got.Equal(NewDirty(u(123))))
}

// P2: split conservativeness — dirty_amount is between the floor and
// ceiling of the exact ratio, and never exceeds v.
func TestSplitCeilBounds(t *testing.T) {
	cases := []struct{ v, balance, dirty int64 }{
		{7, 100, 30},
		{1, 3, 1},
		{999, 1000, 999},
		{0, 1000, 500},
	}
	for _, c := range cases {
		ref := MustNew(u(c.balance), u(c.dirty))
		got, err := SplitCeil(u(c.v), ref)
		require.NoError(t, err)

		exact := new(big.Int).Mul(big.NewInt(c.v), big.NewInt(c.dirty))
		floor := new(big.Int).Div(exact, big.NewInt(c.balance))
		ceil := new(big.Int).Add(floor, big.NewInt(0))
		if new(big.Int).Mod(exact, big.NewInt(c.balance)).Sign() != 0 {
			ceil.Add(floor, big.NewInt(1))
		}

		gotBig := got.DirtyAmount.ToBig()
		require.True(t, gotBig.Cmp(floor) >= 0)
		require.True(t, gotBig.Cmp(ceil) <= 0)
		require.True(t, gotBig.Cmp(big.NewInt(c.v)) <= 0)
		require.Equal(t, c.v, got.Balance.ToBig().Int64())
	}
}

func TestSplitCeilRejectsZeroBalanceReference(t *testing.T) {
	_, err := SplitCeil(u(5), NewClean(u(0)))
	require.Error(t, err)
}

func ptr(v uint256.Int) *uint256.Int { return &v }
