// Package util contains internal helpers for key hashing, shard sizing and
// padded counters.
//
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "hash/maphash"

// seed is fixed for the process so a key always maps to the same shard.
var seed = maphash.MakeSeed()

// Hash hashes a key for shard selection. Strings (URLs, paths, names: the
// usual resource keys) take an allocation-free FNV-1a path; every other
// comparable key goes through maphash.Comparable.
func Hash[K comparable](k K) uint64 {
	if s, ok := any(k).(string); ok {
		return fnv1a(s)
	}
	return maphash.Comparable(seed, k)
}

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

func fnv1a(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := range len(s) {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}
