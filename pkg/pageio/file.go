package pageio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncw/directio"
)

// File is the standard page IO implementation over a plain OS file.
type File struct {
	path     string
	fd       *os.File
	pageSize int
	direct   bool

	mu     sync.RWMutex
	closed bool
}

// FileOptions configures OpenFile.
type FileOptions struct {
	// PageSize is the page size in bytes. Must match the database header
	// for existing files.
	PageSize int

	// DirectIO bypasses the OS page cache (O_DIRECT where supported).
	// Page buffers are bounced through aligned blocks.
	DirectIO bool
}

// OpenFile opens or creates a page file. The parent directory is fsynced
// after creation so the new file survives a crash of the directory entry.
func OpenFile(path string, opts FileOptions) (*File, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("pageio: page size %d: %w", opts.PageSize, ErrPageSize)
	}

	var fd *os.File
	var err error
	if opts.DirectIO {
		fd, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		fd, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("pageio: open %s: %w", path, err)
	}

	if err := syncDir(filepath.Dir(path)); err != nil {
		fd.Close()
		return nil, err
	}

	return &File{
		path:     path,
		fd:       fd,
		pageSize: opts.PageSize,
		direct:   opts.DirectIO,
	}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("pageio: open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("pageio: fsync directory: %w", err)
	}
	return nil
}

// PageSize returns the page size in bytes.
func (f *File) PageSize() int { return f.pageSize }

// Path returns the file path.
func (f *File) Path() string { return f.path }

// ReadPage reads the page into dst. Reads past the current end of file
// return zeros so sparse files behave like pre-zeroed storage.
func (f *File) ReadPage(ctx context.Context, id uint32, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dst) != f.pageSize {
		return ErrPageSize
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}

	buf := dst
	if f.direct {
		buf = directio.AlignedBlock(f.pageSize)
	}

	n, err := f.fd.ReadAt(buf, int64(id)*int64(f.pageSize))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("pageio: read page %d: %w", id, err)
	}
	if f.direct {
		copy(dst, buf)
	}
	return nil
}

// WritePage writes src as the page's contents.
func (f *File) WritePage(ctx context.Context, id uint32, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(src) != f.pageSize {
		return ErrPageSize
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	buf := src
	if f.direct {
		buf = directio.AlignedBlock(f.pageSize)
		copy(buf, src)
	}

	if _, err := f.fd.WriteAt(buf, int64(id)*int64(f.pageSize)); err != nil {
		return fmt.Errorf("pageio: write page %d: %w", id, err)
	}
	return nil
}

// PageCount returns the number of whole pages in the file.
func (f *File) PageCount() (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0, ErrClosed
	}
	stat, err := f.fd.Stat()
	if err != nil {
		return 0, fmt.Errorf("pageio: stat: %w", err)
	}
	return uint32(stat.Size() / int64(f.pageSize)), nil
}

// Truncate resizes the file to exactly pages pages.
func (f *File) Truncate(pages uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.fd.Truncate(int64(pages) * int64(f.pageSize)); err != nil {
		return fmt.Errorf("pageio: truncate: %w", err)
	}
	return nil
}

// Flush fsyncs the file.
func (f *File) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.fd.Sync(); err != nil {
		return fmt.Errorf("pageio: fsync: %w", err)
	}
	return nil
}

// Close releases the file handle. Double close is a no-op.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.fd.Close()
}
