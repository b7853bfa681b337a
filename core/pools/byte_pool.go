// Package pools provides reusable byte buffers for the worker's socket
// read loop, so a long-lived worker does not churn allocations per
// connection.
package pools

import "sync"

// BytePool is a tiered byte slice pool.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
}

// Tiers sized for the connection read loop: one chunk read, a buffered
// request head, a large pipelined burst.
var defaultSizes = []int{
	4096,
	16384,
	65536,
}

// NewBytePool creates a pool with the standard size tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a pool with custom size tiers.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}
	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a byte slice of at least the requested size.
func (bp *BytePool) Get(size int) []byte {
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			return (*bufPtr)[:size]
		}
	}
	// Oversized request, allocate directly.
	return make([]byte, size)
}

// Put returns a byte slice to its tier. Slices not from a tier are left
// for the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

var globalBytePool = NewBytePool()

// GetBytes takes a buffer from the global pool.
func GetBytes(size int) []byte {
	return globalBytePool.Get(size)
}

// PutBytes returns a buffer to the global pool.
func PutBytes(buf []byte) {
	globalBytePool.Put(buf)
}
