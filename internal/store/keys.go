package store

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chainwatch/uncleanliness/internal/taint"
)

// The three logical tables of spec.md §3 share one LevelDB instance,
// distinguished by a one-byte prefix. Composite keys are built so that
// LevelDB's natural lexicographic iteration order doubles as the
// dup-sorted cursor semantics the spec calls for (the same key-prefixing
// idiom the teacher's own core/rawdb schema uses for per-block and
// per-hash indices).
const (
	currentDirtyPrefix byte = 0x01
	snapshotPrefix     byte = 0x02
	historyPrefix      byte = 0x03
)

func encodeBlockNumber(b uint64) [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], b)
	return out
}

func decodeBlockNumber(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func currentDirtyKey(addr common.Address) []byte {
	key := make([]byte, 0, 1+common.AddressLength)
	key = append(key, currentDirtyPrefix)
	key = append(key, addr.Bytes()...)
	return key
}

// snapshotKey and snapshotBlockPrefix share a prefix so that a range scan
// over [blockLo, blockHi] is a contiguous byte range, and a scan of one
// block's key is a contiguous prefix.
func snapshotKey(block uint64, addr common.Address) []byte {
	bn := encodeBlockNumber(block)
	key := make([]byte, 0, 1+8+common.AddressLength)
	key = append(key, snapshotPrefix)
	key = append(key, bn[:]...)
	key = append(key, addr.Bytes()...)
	return key
}

func snapshotBlockPrefix(block uint64) []byte {
	bn := encodeBlockNumber(block)
	key := make([]byte, 0, 1+8)
	key = append(key, snapshotPrefix)
	key = append(key, bn[:]...)
	return key
}

// historyKey lists, per address, every block at which it was touched.
// Keying as (address, block) makes a per-address range scan a contiguous
// prefix, and because BlockNumber is big-endian the scan comes back in
// ascending order for free.
func historyKey(addr common.Address, block uint64) []byte {
	bn := encodeBlockNumber(block)
	key := make([]byte, 0, 1+common.AddressLength+8)
	key = append(key, historyPrefix)
	key = append(key, addr.Bytes()...)
	key = append(key, bn[:]...)
	return key
}

func historyAddressPrefix(addr common.Address) []byte {
	key := make([]byte, 0, 1+common.AddressLength)
	key = append(key, historyPrefix)
	key = append(key, addr.Bytes()...)
	return key
}

// prefixRange returns the [start, limit) byte range covering every key
// with the given prefix.
func prefixRange(prefix []byte) (start, limit []byte) {
	start = append([]byte{}, prefix...)
	limit = append([]byte{}, prefix...)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] != 0xff {
			limit[i]++
			return start, limit[:i+1]
		}
	}
	// prefix was all 0xff bytes: unbounded above.
	return start, nil
}

// encodeScore is the fixed 64-byte wire format: balance and dirty_amount,
// each a big-endian 32-byte unsigned integer.
func encodeScore(s taint.Score) []byte {
	balance := s.Balance.Bytes32()
	dirty := s.DirtyAmount.Bytes32()
	out := make([]byte, 0, 64)
	out = append(out, balance[:]...)
	out = append(out, dirty[:]...)
	return out
}

func decodeScore(b []byte) (taint.Score, error) {
	if len(b) != 64 {
		return taint.Score{}, errInvalidScoreEncoding(len(b))
	}
	balance := new(uint256.Int).SetBytes(b[0:32])
	dirty := new(uint256.Int).SetBytes(b[32:64])
	return taint.New(*balance, *dirty)
}

type errInvalidScoreEncoding int

func (e errInvalidScoreEncoding) Error() string {
	return "store: invalid score encoding length"
}
