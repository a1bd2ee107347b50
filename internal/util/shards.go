package util

import (
	"math/bits"
	"runtime"
)

// MaxShards caps the shard count; more shards only cost memory once lock
// contention is gone.
const MaxShards = 256

// ShardCount normalizes a requested shard count: n <= 0 selects
// 2*GOMAXPROCS, and the result is rounded up to a power of two in
// [1, MaxShards] so ShardIndex can mask instead of dividing.
func ShardCount(n int) int {
	if n <= 0 {
		n = 2 * runtime.GOMAXPROCS(0)
	}
	return min(int(NextPow2(uint64(n))), MaxShards)
}

// ShardIndex maps a hash onto one of shards buckets, shards being a power
// of two as returned by ShardCount.
func ShardIndex(hash uint64, shards int) int {
	return int(hash & uint64(shards-1))
}

// NextPow2 returns the smallest power of two >= x; 0 and 1 give 1 and
// values above 1<<63 clamp to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	if x > 1<<63 {
		return 1 << 63
	}
	return 1 << bits.Len64(x-1)
}
