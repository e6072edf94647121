/*
Package recordlist implements a growable array of fixed-size records
with stable ids and geometric block growth: block k holds 32*2^k
entries, so 64 blocks cover the full id space while any record is
addressable from its id with two shifts and a subtract. This file holds
the layout math (position addressing, header byte offsets); the
stateful operations live in recordlist.go.

The 528-byte header is: magic (i32 BE), block count (i32 BE), a
caller-reserved i64 (used by the master table to root its reclaim
chain), then 64 block-pointer i64s.
*/
package recordlist

import "math/bits"

// HeaderMagic identifies a FixedRecordList header.
const HeaderMagic int32 = 0x087131AA

// MaxBlocks is the hard cap on the number of geometric blocks.
const MaxBlocks = 64

// Header byte offsets.
const (
	offMagic        = 0
	offBlockCount   = 4
	offReservedLong = 8
	offBlockPtrs    = 16
	HeaderSize      = offBlockPtrs + MaxBlocks*8 // 528
)

// blockEntryCount returns the number of entries block k holds: 32·2^k.
func blockEntryCount(k int) int64 {
	return int64(32) << uint(k)
}

// blockFirstIndex returns the first addressable record number of block
// k: 32·(2^k − 1).
func blockFirstIndex(k int) int64 {
	return int64(32)*(int64(1)<<uint(k)) - 32
}

// locate maps record number n to its block and in-block offset: the
// highest set bit of n+32 yields k, then offset = n - 32*(2^k - 1).
func locate(n int64) (block int, offset int64) {
	v := uint64(n) + 32
	// highest set bit position, 0-indexed
	hsb := bits.Len64(v) - 1
	k := hsb - 5
	if k < 0 {
		k = 0
	}
	return k, n - blockFirstIndex(k)
}
