// Package store implements the persistent, append-only score store
// (C3 of spec.md): current-dirty, snapshots and address-history, backed
// by an embedded, single-writer, MVCC-style key-value engine.
package store

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/chainwatch/uncleanliness/internal/taint"
)

// Store wraps the embedded LevelDB instance backing the three logical
// tables. LevelDB's single-writer, snapshot-isolated model maps directly
// onto the spec's read-txn/write-txn split: a ReadTxn pins a Snapshot,
// a WriteTxn accumulates a Batch that only takes effect on Commit.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the store at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear empties all three logical tables. Used by bootstrap/reset.
func (s *Store) Clear() error {
	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{{currentDirtyPrefix}, {snapshotPrefix}, {historyPrefix}} {
		start, limit := prefixRange(prefix)
		iter := s.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
		for iter.Next() {
			batch.Delete(append([]byte{}, iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
	}
	return s.db.Write(batch, nil)
}

// LastBlockNumber returns the largest block number recorded in snapshots,
// or ok=false if snapshots holds no entry at all (a flush that recorded
// nothing under D2 does not count).
func (s *Store) LastBlockNumber() (block uint64, ok bool, err error) {
	start, limit := prefixRange([]byte{snapshotPrefix})
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, false, iter.Error()
	}
	return decodeBlockNumber(iter.Key()[1:9]), true, iter.Error()
}

// GetCurrentDirty reads the current score of addr directly from the
// underlying database (not through any in-flight write batch); under the
// single-writer model this always reflects the state as of the last
// committed block, which is exactly "prior to block B" while block B is
// being assembled.
func (s *Store) GetCurrentDirty(addr common.Address) (taint.Score, bool, error) {
	b, err := s.db.Get(currentDirtyKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return taint.Score{}, false, nil
	}
	if err != nil {
		return taint.Score{}, false, err
	}
	sc, err := decodeScore(b)
	return sc, err == nil, err
}

// WriteTxn is the single in-flight write transaction scoped to one block.
// A WriteTxn that is never committed has no effect on the store, which is
// how the pipeline aborts a block on a fatal error (it simply stops
// calling Commit and drops the reference).
type WriteTxn struct {
	store *Store
	batch *leveldb.Batch
}

// NewWriteTxn begins the (at most one) in-flight write transaction.
func (s *Store) NewWriteTxn() *WriteTxn {
	return &WriteTxn{store: s, batch: new(leveldb.Batch)}
}

// Commit durably applies every mutation staged in this transaction.
func (w *WriteTxn) Commit() error {
	return w.store.db.Write(w.batch, &opt.WriteOptions{Sync: true})
}

// Flush applies Table 1 of spec.md §4.3 to the drained block cache,
// staging the result in this write transaction's batch. It must be called
// exactly once per block, before Commit.
func (w *WriteTxn) Flush(block uint64, drained map[common.Address]taint.Score) error {
	addrs := make([]common.Address, 0, len(drained))
	for addr := range drained {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return string(addrs[i].Bytes()) < string(addrs[j].Bytes())
	})

	for _, addr := range addrs {
		score := drained[addr]
		wasDirty, err := w.store.hasCurrentDirty(addr)
		if err != nil {
			return err
		}

		switch {
		case wasDirty && score.IsDirty():
			w.batch.Put(currentDirtyKey(addr), encodeScore(score))
			w.batch.Put(historyKey(addr, block), nil)
			w.batch.Put(snapshotKey(block, addr), encodeScore(score))
		case wasDirty && !score.IsDirty():
			w.batch.Delete(currentDirtyKey(addr))
			w.batch.Put(historyKey(addr, block), nil)
			w.batch.Put(snapshotKey(block, addr), encodeScore(score))
		case !wasDirty && score.IsDirty():
			w.batch.Put(currentDirtyKey(addr), encodeScore(score))
			w.batch.Put(historyKey(addr, block), nil)
			w.batch.Put(snapshotKey(block, addr), encodeScore(score))
		default:
			// !wasDirty && !score.IsDirty(): D2 — nothing written.
		}
	}

	log.Debug("flushed block cache", "block", block, "addresses", len(addrs))
	return nil
}

func (s *Store) hasCurrentDirty(addr common.Address) (bool, error) {
	_, err := s.db.Get(currentDirtyKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// ReadTxn pins a consistent point-in-time view of the store for the
// historical read queries of spec.md §4.5.4.
type ReadTxn struct {
	snap *leveldb.Snapshot
}

// NewReadTxn opens a read-only snapshot transaction.
func (s *Store) NewReadTxn() (*ReadTxn, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &ReadTxn{snap: snap}, nil
}

// Release closes the snapshot. Safe to call once.
func (r *ReadTxn) Release() {
	r.snap.Release()
}

// GetCurrentDirty mirrors Store.GetCurrentDirty but against the pinned
// snapshot.
func (r *ReadTxn) GetCurrentDirty(addr common.Address) (taint.Score, bool, error) {
	b, err := r.snap.Get(currentDirtyKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return taint.Score{}, false, nil
	}
	if err != nil {
		return taint.Score{}, false, err
	}
	sc, err := decodeScore(b)
	return sc, err == nil, err
}

// AddressHistory returns every block number at which addr was recorded
// to snapshots, strictly ascending (property P8).
func (r *ReadTxn) AddressHistory(addr common.Address) ([]uint64, error) {
	prefix := historyAddressPrefix(addr)
	start, limit := prefixRange(prefix)
	iter := r.snap.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()

	var out []uint64
	for iter.Next() {
		out = append(out, decodeBlockNumber(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

// Snapshot returns the recorded score of addr at exactly block, if any
// entry was written there.
func (r *ReadTxn) Snapshot(block uint64, addr common.Address) (taint.Score, bool, error) {
	b, err := r.snap.Get(snapshotKey(block, addr), nil)
	if err == leveldb.ErrNotFound {
		return taint.Score{}, false, nil
	}
	if err != nil {
		return taint.Score{}, false, err
	}
	sc, err := decodeScore(b)
	return sc, err == nil, err
}

// SnapshotEntry is one (address, score) record at a given block, as
// produced by RangeSnapshots.
type SnapshotEntry struct {
	Address common.Address
	Score   taint.Score
}

// RangeSnapshots iterates every snapshot entry with block in [lo, hi],
// calling fn in ascending (block, address) order. Returning an error from
// fn stops iteration and is propagated.
func (r *ReadTxn) RangeSnapshots(lo, hi uint64, fn func(block uint64, entry SnapshotEntry) error) error {
	start := snapshotBlockPrefix(lo)
	_, limit := prefixRange(snapshotBlockPrefix(hi))
	iter := r.snap.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()

	for iter.Next() {
		key := iter.Key()
		block := decodeBlockNumber(key[1:9])
		var addr common.Address
		copy(addr[:], key[9:9+common.AddressLength])
		sc, err := decodeScore(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(block, SnapshotEntry{Address: addr, Score: sc}); err != nil {
			return err
		}
	}
	return iter.Error()
}
