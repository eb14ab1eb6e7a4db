// Package taint implements the value-flow accounting arithmetic: the
// (balance, dirty_amount) score pair and the per-block scratch cache that
// accumulates mutations to it while a block is being processed.
package taint

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Score is an account's balance together with the portion of it that is
// attributable, directly or transitively, to a designated source address.
// The invariant DirtyAmount <= Balance holds for every Score that escapes
// this package.
type Score struct {
	Balance     uint256.Int
	DirtyAmount uint256.Int
}

// New constructs a Score, asserting the dirty-amount invariant.
func New(balance, dirty uint256.Int) (Score, error) {
	if dirty.Gt(&balance) {
		return Score{}, fmt.Errorf("taint: dirty amount %s exceeds balance %s", dirty.String(), balance.String())
	}
	return Score{Balance: balance, DirtyAmount: dirty}, nil
}

// MustNew is New but panics on an invariant violation. Reserved for call
// sites that construct a Score from values they derived themselves and
// have already proven safe.
func MustNew(balance, dirty uint256.Int) Score {
	s, err := New(balance, dirty)
	if err != nil {
		panic(err)
	}
	return s
}

// NewClean returns a Score with no tainted amount.
func NewClean(balance uint256.Int) Score {
	return Score{Balance: balance}
}

// NewDirty returns a Score that is fully tainted.
func NewDirty(balance uint256.Int) Score {
	return Score{Balance: balance, DirtyAmount: balance}
}

// AsDirty returns a Score with the same balance but fully tainted —
// used when a transfer lands in a source address and is re-tainted on
// arrival.
func (s Score) AsDirty() Score {
	return Score{Balance: s.Balance, DirtyAmount: s.Balance}
}

// IsDirty reports whether any portion of the balance is tainted.
func (s Score) IsDirty() bool {
	return !s.DirtyAmount.IsZero()
}

// IsClean reports the complement of IsDirty.
func (s Score) IsClean() bool {
	return s.DirtyAmount.IsZero()
}

// Add combines two scores component-wise. Both components are added in a
// 256-bit field; EVM balances never approach 2^256 so overflow does not
// occur on real chain data.
func (s Score) Add(o Score) Score {
	var bal, dirty uint256.Int
	bal.Add(&s.Balance, &o.Balance)
	dirty.Add(&s.DirtyAmount, &o.DirtyAmount)
	return Score{Balance: bal, DirtyAmount: dirty}
}

// Sub subtracts o from s component-wise. The caller must guarantee
// o <= s component-wise (sender solvency is checked by the caller before
// Sub is invoked).
func (s Score) Sub(o Score) Score {
	var bal, dirty uint256.Int
	bal.Sub(&s.Balance, &o.Balance)
	dirty.Sub(&s.DirtyAmount, &o.DirtyAmount)
	return Score{Balance: bal, DirtyAmount: dirty}
}

// SplitCeil returns a Score for a transfer of value v carved out of a
// reference score ref (ref.Balance must be > 0): the new score's balance
// is v and its dirty amount is ceil(v * ref.DirtyAmount / ref.Balance).
//
// The product v*ref.DirtyAmount can exceed 256 bits for large v, so it is
// computed in math/big and narrowed back once the division has brought
// the result within [0, v]. Ceiling division means the engine can only
// ever over-report taint, by at most one wei per split, never under-report.
func SplitCeil(v uint256.Int, ref Score) (Score, error) {
	if ref.Balance.IsZero() {
		return Score{}, fmt.Errorf("taint: split_ceil on a zero-balance reference score")
	}

	product := new(big.Int).Mul(v.ToBig(), ref.DirtyAmount.ToBig())
	refBalance := ref.Balance.ToBig()

	dirty := new(big.Int).Add(product, new(big.Int).Sub(refBalance, big.NewInt(1)))
	dirty.Div(dirty, refBalance)

	if dirty.Sign() < 0 || dirty.BitLen() > 256 {
		return Score{}, fmt.Errorf("taint: split_ceil overflowed 256 bits (ratio should never exceed 1)")
	}
	dirtyAmount, overflow := uint256.FromBig(dirty)
	if overflow {
		return Score{}, fmt.Errorf("taint: split_ceil overflowed 256 bits narrowing the ceiling result")
	}
	if dirtyAmount.Gt(&v) {
		return Score{}, fmt.Errorf("taint: split_ceil produced a dirty amount greater than the transfer value")
	}
	return Score{Balance: v, DirtyAmount: *dirtyAmount}, nil
}

// Equal reports structural equality.
func (s Score) Equal(o Score) bool {
	return s.Balance.Eq(&o.Balance) && s.DirtyAmount.Eq(&o.DirtyAmount)
}

func (s Score) String() string {
	return fmt.Sprintf("Score{balance: %s, dirty: %s}", s.Balance.String(), s.DirtyAmount.String())
}
