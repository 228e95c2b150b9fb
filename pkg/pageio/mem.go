package pageio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dsnet/golib/memfile"
)

// Memory is the deterministic in-memory page IO used by tests and the
// ":memory:" database path. It backs onto a memfile so the same ReadAt
// and WriteAt code paths are exercised as with a real file.
type Memory struct {
	pageSize int

	mu     sync.RWMutex
	f      *memfile.File
	closed bool
}

// NewMemory creates an empty in-memory page store.
func NewMemory(pageSize int) *Memory {
	return &Memory{
		pageSize: pageSize,
		f:        memfile.New(nil),
	}
}

// PageSize returns the page size in bytes.
func (m *Memory) PageSize() int { return m.pageSize }

// ReadPage reads the page into dst; unwritten pages read as zeros.
func (m *Memory) ReadPage(ctx context.Context, id uint32, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dst) != m.pageSize {
		return ErrPageSize
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	n, err := m.f.ReadAt(dst, int64(id)*int64(m.pageSize))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("pageio: read page %d: %w", id, err)
	}
	return nil
}

// WritePage stores src as the page's contents.
func (m *Memory) WritePage(ctx context.Context, id uint32, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(src) != m.pageSize {
		return ErrPageSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, err := m.f.WriteAt(src, int64(id)*int64(m.pageSize)); err != nil {
		return fmt.Errorf("pageio: write page %d: %w", id, err)
	}
	return nil
}

// PageCount returns the number of whole pages held.
func (m *Memory) PageCount() (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint32(len(m.f.Bytes()) / m.pageSize), nil
}

// Truncate resizes the store to exactly pages pages.
func (m *Memory) Truncate(pages uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.f.Truncate(int64(pages) * int64(m.pageSize))
}

// Flush is a no-op for in-memory storage.
func (m *Memory) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
