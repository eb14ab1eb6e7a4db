// Package export renders query.Engine results into the two output
// formats spec.md §6 calls for: a set of fixed-name CSV reports, and
// (optionally) a relational Postgres sink.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainwatch/uncleanliness/internal/query"
)

// CSV writes the three fixed-name reports of spec.md §6 under dir.
type CSV struct {
	Engine *query.Engine
	Dir    string
}

// New constructs a CSV exporter rooted at dir.
func New(engine *query.Engine, dir string) *CSV {
	return &CSV{Engine: engine, Dir: dir}
}

func (c *CSV) create(name string) (*os.File, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create output dir %s: %w", c.Dir, err)
	}
	path := filepath.Join(c.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export: create %s: %w", path, err)
	}
	return f, nil
}

// AddressHistory writes output_historical_<ADDR>_between_<from>_and_<to>.csv:
// one row per block at which addr's recorded score changed in [from, to].
func (c *CSV) AddressHistory(addr common.Address, from, to uint64) error {
	entries, err := c.Engine.AddressHistory(addr, from, to)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("output_historical_%s_between_%d_and_%d.csv", addr.Hex(), from, to)
	f, err := c.create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"block", "balance", "dirty_amount"}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Write([]string{
			fmt.Sprintf("%d", e.Block),
			e.Score.Balance.String(),
			e.Score.DirtyAmount.String(),
		}); err != nil {
			return err
		}
	}
	return w.Error()
}

// AddressesPerBlockCount writes
// output_historical_amount_of_tainted_addresses.csv: one row per block in
// [from, to] at which any address's score changed, with the number of
// addresses touched that block.
func (c *CSV) AddressesPerBlockCount(from, to uint64) error {
	counts, err := c.Engine.AddressesPerBlockCount(from, to)
	if err != nil {
		return err
	}

	f, err := c.create("output_historical_amount_of_tainted_addresses.csv")
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"block", "addresses_touched"}); err != nil {
		return err
	}

	blocks := make([]uint64, 0, len(counts))
	for b := range counts {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	for _, b := range blocks {
		if err := w.Write([]string{fmt.Sprintf("%d", b), fmt.Sprintf("%d", counts[b])}); err != nil {
			return err
		}
	}
	return w.Error()
}

// TaintedUpto writes output_tainted_addresses_until_<B>.csv: every
// address whose most recent recorded score up to and including block B is
// dirty, with that score.
func (c *CSV) TaintedUpto(upto uint64) error {
	tainted, err := c.Engine.TaintedUpto(upto)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("output_tainted_addresses_until_%d.csv", upto)
	f, err := c.create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"address", "balance", "dirty_amount"}); err != nil {
		return err
	}

	addrs := make([]common.Address, 0, len(tainted))
	for a := range tainted {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })

	for _, a := range addrs {
		sc := tainted[a]
		if err := w.Write([]string{a.Hex(), sc.Balance.String(), sc.DirtyAmount.String()}); err != nil {
			return err
		}
	}
	return w.Error()
}
