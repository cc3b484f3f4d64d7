// Package buffer pools transfer buffers so chunked copies do not
// allocate a fresh slice per chunk.
package buffer

import "sync"

// Bucket sizes cover the transfer paths: small metadata reads up to the
// 1 MiB local copy chunk.
var sizes = []int{
	16 * 1024,
	64 * 1024,
	256 * 1024,
	1 << 20,
}

var pools = func() []*sync.Pool {
	ps := make([]*sync.Pool, len(sizes))
	for i, n := range sizes {
		n := n
		ps[i] = &sync.Pool{New: func() interface{} {
			b := make([]byte, n)
			return &b
		}}
	}
	return ps
}()

// Get returns a slice of length n from the smallest fitting bucket.
// Requests larger than the biggest bucket are allocated directly.
func Get(n int) []byte {
	for i, size := range sizes {
		if n <= size {
			buf := *pools[i].Get().(*[]byte)
			return buf[:n]
		}
	}
	return make([]byte, n)
}

// Put returns a slice obtained from Get to its bucket. Slices that do
// not match a bucket capacity are dropped for the GC.
func Put(buf []byte) {
	c := cap(buf)
	for i, size := range sizes {
		if c == size {
			full := buf[:c]
			pools[i].Put(&full)
			return
		}
	}
}
