// Package lockutil provides a fixed-size set of read/write locks addressed by
// string key. Two keys may share a lock, but the same key always maps to the
// same lock, which makes it suitable for serializing access per key without
// growing memory with the number of keys ever seen.
package lockutil

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the number of locks used when a non-positive count is
// requested.
const DefaultStripes = 256

type Striped struct {
	locks []sync.RWMutex
}

func NewStriped(stripes int) *Striped {
	if stripes <= 0 {
		stripes = DefaultStripes
	}

	return &Striped{locks: make([]sync.RWMutex, stripes)}
}

// For returns the lock responsible for the given key.
func (s *Striped) For(key string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}
