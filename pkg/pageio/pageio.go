// Package pageio provides block-aligned random access to fixed-size
// database pages. Implementations share one contract: reads and writes
// happen at page granularity, a page read beyond the current file end
// yields zeros, and the underlying handle is serialized through a
// reader/writer lock so page writes are atomic from the caller's view.
package pageio

import (
	"context"
	"errors"
)

var (
	// ErrClosed indicates an operation on a closed page file.
	ErrClosed = errors.New("pageio: file closed")

	// ErrPageSize indicates a buffer whose length does not match the page size.
	ErrPageSize = errors.New("pageio: buffer size does not match page size")

	// ErrInvalidPassword indicates the supplied password does not decrypt the file.
	ErrInvalidPassword = errors.New("pageio: invalid password")

	// ErrCorruptedPage indicates a page that failed integrity verification.
	ErrCorruptedPage = errors.New("pageio: corrupted page")
)

// IO is the page-granular storage contract the engine is built on.
// File, Encrypted and Memory implement it; the cache and
// buffered-write layers decorate it.
type IO interface {
	// ReadPage fills dst (len == PageSize) with the contents of the page.
	// Pages that were never written read as zeros.
	ReadPage(ctx context.Context, id uint32, dst []byte) error

	// WritePage stores src (len == PageSize) as the contents of the page,
	// extending the file if needed.
	WritePage(ctx context.Context, id uint32, src []byte) error

	// PageSize returns the usable page size in bytes.
	PageSize() int

	// PageCount returns the number of pages the file currently holds.
	PageCount() (uint32, error)

	// Truncate shrinks or extends the file to exactly pages pages.
	Truncate(pages uint32) error

	// Flush forces all written pages to durable storage.
	Flush(ctx context.Context) error

	Close() error
}
