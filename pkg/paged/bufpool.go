package paged

import "sync"

// BufferPool recycles page-sized byte slices across transactions.
// It is shared process-wide by default but can be replaced per store so
// tests can make allocations deterministic.
type BufferPool struct {
	pageSize int
	pool     sync.Pool
}

// NewBufferPool creates a pool of pageSize-byte buffers.
func NewBufferPool(pageSize int) *BufferPool {
	p := &BufferPool{pageSize: pageSize}
	p.pool.New = func() any {
		return make([]byte, pageSize)
	}
	return p
}

// Get rents a zero-length-agnostic page buffer. Contents are undefined.
func (p *BufferPool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a buffer to the pool. Wrong-sized buffers are dropped.
func (p *BufferPool) Put(b []byte) {
	if len(b) != p.pageSize {
		return
	}
	p.pool.Put(b) //nolint:staticcheck // page buffers are slice headers by design
}
