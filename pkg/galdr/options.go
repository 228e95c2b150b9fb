package galdr

import (
	"fmt"

	"github.com/rthomasv3/galdrdb/pkg/pageio"
)

const (
	// MinPageSize and MaxPageSize bound the legal page sizes; the value
	// must be a power of two.
	MinPageSize = 512
	MaxPageSize = 65536

	// DefaultPageSize is used when Options.PageSize is zero.
	DefaultPageSize = 8192

	// DefaultCachePages is the default page cache capacity.
	DefaultCachePages = 2048
)

// EncryptionOptions enables the transparent at-rest encryption wrapper.
type EncryptionOptions struct {
	Password      string
	KDFIterations int // 0 means the pageio default
}

// Options configures Create and Open.
type Options struct {
	// PageSize is the page size for new databases; ignored on open.
	PageSize int

	// UseWAL enables the write-ahead log. On by default via
	// DefaultOptions.
	UseWAL bool

	// AutoCheckpoint is the WAL frame count that triggers a background
	// checkpoint. Zero means the engine default; negative disables.
	AutoCheckpoint int

	// AutoGarbageCollection trims trailing free pages off the file after
	// checkpoints.
	AutoGarbageCollection bool

	// GarbageCollectionThreshold is the minimum trailing free run, in
	// pages, worth truncating. Zero means the engine default.
	GarbageCollectionThreshold int

	// WarmupOnOpen pre-faults catalog and root pages through the cache.
	WarmupOnOpen bool

	// CachePages caps the page cache. Zero means DefaultCachePages.
	CachePages int

	// MaxPages bounds the allocatable page range for new databases.
	// Zero means the pager default.
	MaxPages uint32

	// DirectIO bypasses the OS page cache for the main file.
	DirectIO bool

	// Encryption, when non-nil, encrypts the database file.
	Encryption *EncryptionOptions

	// Schema, when non-nil, is reconciled against the catalog on open:
	// missing collections and indexes are created, undeclared ones are
	// reported as orphans.
	Schema *Schema

	// LogLevel is the engine log level (debug, info, warn, error).
	// Empty disables engine logging.
	LogLevel string
}

// DefaultOptions returns the standard configuration: 8K pages, WAL on,
// auto-checkpoint at the engine default threshold.
func DefaultOptions() Options {
	return Options{
		PageSize: DefaultPageSize,
		UseWAL:   true,
	}
}

func (o *Options) normalize() error {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize < MinPageSize || o.PageSize > MaxPageSize || o.PageSize&(o.PageSize-1) != 0 {
		return fmt.Errorf("galdr: page size %d: %w", o.PageSize, pageio.ErrPageSize)
	}
	if o.CachePages == 0 {
		o.CachePages = DefaultCachePages
	}
	if o.GarbageCollectionThreshold == 0 {
		o.GarbageCollectionThreshold = 64
	}
	return nil
}
