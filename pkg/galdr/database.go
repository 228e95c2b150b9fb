package galdr

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rthomasv3/galdrdb/internal/logger"
	"github.com/rthomasv3/galdrdb/internal/metrics"
	"github.com/rthomasv3/galdrdb/pkg/cache"
	"github.com/rthomasv3/galdrdb/pkg/catalog"
	"github.com/rthomasv3/galdrdb/pkg/document"
	"github.com/rthomasv3/galdrdb/pkg/index"
	"github.com/rthomasv3/galdrdb/pkg/paged"
	"github.com/rthomasv3/galdrdb/pkg/pageio"
	"github.com/rthomasv3/galdrdb/pkg/pager"
	"github.com/rthomasv3/galdrdb/pkg/txn"
	"github.com/rthomasv3/galdrdb/pkg/wal"
)

// MemoryPath opens a process-private in-memory database.
const MemoryPath = ":memory:"

// Database is one open database file. The facade owns every layer;
// transactions receive non-owning views.
type Database struct {
	path    string
	opts    Options
	log     *logger.Logger
	metrics *metrics.Metrics

	base  pageio.IO
	cache *cache.Cache
	wal   *wal.WAL
	store *paged.Store
	pager *pager.Pager
	cat   *catalog.Catalog
	mgr   *txn.Manager
	ckpt  *wal.Checkpointer
	codec Codec

	ddlMu   sync.Mutex
	orphans []OrphanedSchemaInfo
	closed  atomic.Bool

	// Last-published counter snapshots, for delta export.
	statsMu       sync.Mutex
	lastCache     cache.Stats
	lastWalFrames int
}

// Create creates a new database at path. It fails on an existing
// non-empty file.
func Create(path string, opts Options) (*Database, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	base, err := newBaseIO(path, &opts)
	if err != nil {
		return nil, err
	}
	count, err := base.PageCount()
	if err != nil {
		base.Close()
		return nil, err
	}
	if count > 0 {
		base.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrDatabaseExists)
	}

	db, err := assemble(path, opts, base)
	if err != nil {
		base.Close()
		return nil, err
	}
	if db.wal != nil {
		if err := db.wal.Reset(); err != nil {
			db.teardown()
			return nil, err
		}
	}

	flags := uint32(0)
	if db.wal != nil {
		flags |= pager.FlagWAL
	}
	if opts.Encryption != nil {
		flags |= pager.FlagEncrypted
	}
	db.pager, err = pager.Create(ctx, db.store, pager.CreateOptions{
		Flags:    flags,
		MaxPages: opts.MaxPages,
	})
	if err != nil {
		db.teardown()
		return nil, err
	}
	db.cat = catalog.New()
	if err := db.finishOpen(ctx, 0, 0); err != nil {
		db.teardown()
		return nil, err
	}
	db.log.LogOpen(path, db.store.PageSize(), db.wal != nil)
	return db, nil
}

// Open opens an existing database, running WAL recovery first when a
// log is present.
func Open(path string, opts Options) (*Database, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	if path == MemoryPath {
		return nil, fmt.Errorf("galdr: cannot reopen %s: %w", MemoryPath, os.ErrNotExist)
	}
	if opts.Encryption == nil {
		hdr, err := probeHeader(path)
		if err != nil {
			return nil, err
		}
		opts.PageSize = int(hdr.PageSize)
		// The header flag, not the caller, decides whether a log exists
		// to recover and append to.
		opts.UseWAL = hdr.Flags&pager.FlagWAL != 0
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("galdr: open %s: %w", path, err)
	}

	base, err := newBaseIO(path, &opts)
	if err != nil {
		return nil, err
	}
	if opts.Encryption != nil {
		// The envelope fixed the page size; read the header through the
		// decrypting layer for the WAL flag.
		buf := make([]byte, base.PageSize())
		if err := base.ReadPage(ctx, 0, buf); err != nil {
			base.Close()
			return nil, err
		}
		hdr, err := pager.DecodeHeader(buf)
		if err != nil {
			base.Close()
			return nil, err
		}
		opts.UseWAL = hdr.Flags&pager.FlagWAL != 0
	}

	db, err := assemble(path, opts, base)
	if err != nil {
		base.Close()
		return nil, err
	}

	if db.wal != nil {
		stats, err := db.wal.Recover(func(id uint32, data []byte) error {
			return base.WritePage(ctx, id, data)
		})
		if err != nil {
			db.teardown()
			return nil, err
		}
		if stats.ReplayedPages > 0 {
			if err := base.Flush(ctx); err != nil {
				db.teardown()
				return nil, err
			}
		}
		db.metrics.RecoveredTxnsTotal.Add(float64(stats.CommittedTxns))
	}

	db.pager, err = pager.Load(ctx, db.store)
	if err != nil {
		db.teardown()
		return nil, err
	}
	if err := db.loadCatalog(ctx); err != nil {
		db.teardown()
		return nil, err
	}

	hdr := db.pager.Header()
	if err := db.finishOpen(ctx, hdr.LastTxID, hdr.LastCSN); err != nil {
		db.teardown()
		return nil, err
	}
	db.log.LogOpen(path, db.store.PageSize(), db.wal != nil)
	return db, nil
}

// OpenOrCreate opens path, creating it when absent.
func OpenOrCreate(path string, opts Options) (*Database, error) {
	if path == MemoryPath {
		return Create(path, opts)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path, opts)
	}
	return Open(path, opts)
}

func newBaseIO(path string, opts *Options) (pageio.IO, error) {
	if path == MemoryPath {
		return pageio.NewMemory(opts.PageSize), nil
	}
	if opts.Encryption != nil {
		return pageio.OpenEncrypted(path, pageio.EncryptionOptions{
			PageSize:      opts.PageSize,
			Password:      opts.Encryption.Password,
			KDFIterations: opts.Encryption.KDFIterations,
		})
	}
	return pageio.OpenFile(path, pageio.FileOptions{
		PageSize: opts.PageSize,
		DirectIO: opts.DirectIO,
	})
}

// probeHeader reads page 0's fixed prefix to learn the page size before
// the real page file is opened.
func probeHeader(path string) (*pager.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("galdr: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 128)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("galdr: %s: %w", path, pager.ErrBadHeader)
	}
	return pager.DecodeHeader(buf)
}

// assemble builds the layer stack: base IO, optional WAL, cache,
// buffered store, logging and metrics.
func assemble(path string, opts Options, base pageio.IO) (*Database, error) {
	db := &Database{
		path:    path,
		opts:    opts,
		base:    base,
		codec:   JSONCodec{},
		metrics: metrics.NewMetrics(),
	}
	if opts.LogLevel != "" {
		db.log = logger.NewLogger(logger.Config{Level: opts.LogLevel, Pretty: true})
	} else {
		db.log = logger.Nop()
	}

	if opts.UseWAL && path != MemoryPath {
		w, err := wal.Open(path+".wal", base.PageSize(), db.log.WalLogger())
		if err != nil {
			return nil, err
		}
		db.wal = w
	}

	db.cache = cache.New(base, opts.CachePages)
	db.store = paged.NewStore(db.cache, db.wal, nil)
	return db, nil
}

func (db *Database) loadCatalog(ctx context.Context) error {
	hdr := db.pager.Header()
	pageSize := db.store.PageSize()
	data := make([]byte, int(hdr.CatalogPages)*pageSize)
	buf := make([]byte, pageSize)
	for i := uint32(0); i < hdr.CatalogPages; i++ {
		if err := db.store.ReadDirect(ctx, hdr.CatalogStart+i, buf); err != nil {
			return err
		}
		copy(data[int(i)*pageSize:], buf)
	}
	cat, err := catalog.Parse(data)
	if err != nil {
		return err
	}
	db.cat = cat
	return nil
}

// finishOpen wires the transaction manager, checkpointer, schema
// reconciliation and warmup.
func (db *Database) finishOpen(ctx context.Context, lastTxID, lastCSN uint64) error {
	db.mgr = txn.NewManager(db.store, lastTxID, lastCSN)
	db.mgr.OnReclaim(db.pager.ReclaimBefore)
	db.mgr.OnCommit(func(txID, csn uint64) {
		db.pager.SetTxMarks(txID, csn)
		if db.wal != nil {
			db.metrics.WalSizeBytes.Set(float64(db.wal.Size()))
		}
		db.publishGauges()
		if db.ckpt != nil {
			db.ckpt.Notify()
		}
	})

	if db.wal != nil && db.opts.AutoCheckpoint >= 0 {
		db.ckpt = wal.NewCheckpointer(db.wal, db.opts.AutoCheckpoint, db.backgroundCheckpoint, db.log.WalLogger())
		db.ckpt.Start()
	}

	if db.opts.Schema != nil {
		orphans, err := db.reconcileSchema(ctx, db.opts.Schema)
		if err != nil {
			return err
		}
		db.orphans = orphans
	}

	if db.opts.WarmupOnOpen {
		db.warmup(ctx)
	}
	db.publishGauges()
	return nil
}

// warmup pre-faults the catalog region and every collection's state and
// root pages through the cache.
func (db *Database) warmup(ctx context.Context) {
	buf := make([]byte, db.store.PageSize())
	hdr := db.pager.Header()
	for i := uint32(0); i < hdr.CatalogPages; i++ {
		_ = db.store.ReadDirect(ctx, hdr.CatalogStart+i, buf)
	}
	for _, entry := range db.cat.All() {
		if err := db.store.ReadDirect(ctx, entry.RootPage, buf); err != nil {
			continue
		}
		if st, err := catalog.DecodeState(buf); err == nil {
			if st.PrimaryRoot != 0 {
				_ = db.store.ReadDirect(ctx, st.PrimaryRoot, buf)
			}
			for _, root := range st.IndexRoots {
				if root != 0 {
					_ = db.store.ReadDirect(ctx, root, buf)
				}
			}
		}
	}
}

func (db *Database) publishGauges() {
	hdr := db.pager.Header()
	db.metrics.DbPagesTotal.Set(float64(hdr.PageCount))
	db.metrics.DbFreePagesTotal.Set(float64(db.pager.FreePageCount()))
	db.metrics.CollectionsTotal.Set(float64(db.cat.GetCollectionCount()))

	db.statsMu.Lock()
	defer db.statsMu.Unlock()

	cs := db.cache.Stats()
	db.metrics.CachePages.Set(float64(cs.Size))
	db.metrics.CacheHitsTotal.Add(float64(cs.Hits - db.lastCache.Hits))
	db.metrics.CacheMissesTotal.Add(float64(cs.Misses - db.lastCache.Misses))
	db.metrics.CacheEvictionsTotal.Add(float64(cs.Evictions - db.lastCache.Evictions))
	db.lastCache = cs

	if db.wal != nil {
		frames := db.wal.FrameCount()
		if frames > db.lastWalFrames {
			db.metrics.WalFramesTotal.Add(float64(frames - db.lastWalFrames))
		}
		db.lastWalFrames = frames
	}
}

// backgroundCheckpoint is the checkpointer's flush function.
func (db *Database) backgroundCheckpoint() error {
	if err := db.Checkpoint(context.Background()); err != nil {
		return err
	}
	if db.opts.AutoGarbageCollection {
		trimmed, err := db.pager.TrimTail(uint32(db.opts.GarbageCollectionThreshold))
		if err != nil {
			return err
		}
		if trimmed > 0 {
			db.log.Debug("gc trimmed tail").Uint32("pages", trimmed).Send()
		}
	}
	return nil
}

// Checkpoint folds WAL pages into the main file and truncates the log.
func (db *Database) Checkpoint(ctx context.Context) error {
	if db.closed.Load() {
		return ErrDatabaseClosed
	}
	if err := db.store.Checkpoint(ctx); err != nil {
		return err
	}
	db.metrics.CheckpointsTotal.Inc()
	if db.wal != nil {
		db.metrics.WalSizeBytes.Set(float64(db.wal.Size()))
	}
	db.publishGauges()
	return nil
}

// Orphans returns the schema orphans found during open.
func (db *Database) Orphans() []OrphanedSchemaInfo {
	return db.orphans
}

// Collection returns a handle for per-collection operations.
func (db *Database) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

// teardown closes the half-built stack during failed opens.
func (db *Database) teardown() {
	if db.ckpt != nil {
		db.ckpt.Stop()
	}
	if db.wal != nil {
		db.wal.Close()
	}
	db.base.Close()
}

// Close checkpoints, persists the final header marks, and releases
// every layer. Double close is a no-op.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx := context.Background()

	if db.ckpt != nil {
		db.ckpt.Stop()
	}
	if err := db.store.Checkpoint(ctx); err != nil {
		return err
	}

	// Persist the latest transaction marks so the next open resumes the
	// txid and CSN sequences.
	db.pager.SetTxMarks(db.mgr.LastTxID(), db.mgr.LastCSN())
	hdr := db.pager.Header()
	buf := make([]byte, db.store.PageSize())
	hdr.Encode(buf)
	if err := db.store.WriteDirect(ctx, 0, buf); err != nil {
		return err
	}
	if err := db.cache.Flush(ctx); err != nil {
		return err
	}

	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			return err
		}
	}
	db.log.LogClose(db.path)
	return db.cache.Close()
}

// Stats is a point-in-time snapshot of engine internals.
type Stats struct {
	Path        string
	PageSize    int
	PageCount   uint64
	FreePages   uint64
	Collections int
	WALFrames   int
	WALBytes    int64
	CacheStats  cache.Stats
	LastTxID    uint64
	LastCSN     uint64
}

// Stats assembles the current engine statistics.
func (db *Database) Stats() Stats {
	hdr := db.pager.Header()
	st := Stats{
		Path:        db.path,
		PageSize:    db.store.PageSize(),
		PageCount:   hdr.PageCount,
		FreePages:   db.pager.FreePageCount(),
		Collections: db.cat.GetCollectionCount(),
		CacheStats:  db.cache.Stats(),
		LastTxID:    db.mgr.LastTxID(),
		LastCSN:     db.mgr.LastCSN(),
	}
	if db.wal != nil {
		st.WALFrames = db.wal.FrameCount()
		st.WALBytes = db.wal.Size()
	}
	return st
}

// CreateCollection registers a collection with its indexes and commits
// the catalog change.
func (db *Database) CreateCollection(ctx context.Context, name string, indexes ...IndexSchema) error {
	if db.closed.Load() {
		return ErrDatabaseClosed
	}
	db.ddlMu.Lock()
	defer db.ddlMu.Unlock()

	if db.cat.FindCollection(name) != nil {
		return fmt.Errorf("%q: %w", name, catalog.ErrExists)
	}

	defs := make([]catalog.IndexDef, 0, len(indexes))
	for i := range indexes {
		def, err := indexes[i].def()
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}

	s := db.newSession(txn.ReadWrite)
	statePage, err := s.alloc.Allocate(ctx)
	if err != nil {
		s.abort()
		return err
	}

	entry, err := db.cat.AddCollection(name, statePage)
	if err != nil {
		s.abort()
		return err
	}
	entry.Indexes = defs

	st := &catalog.State{NextID: 1, IndexRoots: make([]uint32, len(defs))}
	if err := s.writeState(ctx, entry, st); err != nil {
		db.cat.RemoveCollection(name)
		s.abort()
		return err
	}
	if err := db.growCatalogIfNeeded(ctx, s); err != nil {
		db.cat.RemoveCollection(name)
		s.abort()
		return err
	}
	s.renderCatalog = true

	if err := s.commit(ctx); err != nil {
		db.cat.RemoveCollection(name)
		return err
	}
	db.publishGauges()
	return nil
}

// CreateIndex adds a secondary index to an existing collection and
// backfills it from the stored documents.
func (db *Database) CreateIndex(ctx context.Context, collection string, schema IndexSchema) error {
	if db.closed.Load() {
		return ErrDatabaseClosed
	}
	db.ddlMu.Lock()
	defer db.ddlMu.Unlock()

	entry := db.cat.FindCollection(collection)
	if entry == nil {
		return fmt.Errorf("%q: %w", collection, ErrCollectionNotFound)
	}
	if entry.IndexPos(schema.Name) >= 0 {
		return fmt.Errorf("galdr: index %q already exists on %q", schema.Name, collection)
	}
	def, err := schema.def()
	if err != nil {
		return err
	}

	s := db.newSession(txn.ReadWrite)
	rollback := func() {
		entry.Indexes = entry.Indexes[:len(entry.Indexes)-1]
	}

	entry.Indexes = append(entry.Indexes, def)
	st, err := s.readState(ctx, entry)
	if err != nil {
		rollback()
		s.abort()
		return err
	}

	// Backfill from every stored document.
	pages := txPages{s: s}
	is := index.NewStore(ctx, pages, 0, def.Unique)
	ds := document.NewStore(ctx, pages, st.PrimaryRoot)
	lo, hi := fullIDRange()
	var fillErr error
	err = ds.ScanRange(lo, hi, func(id int32, data []byte) bool {
		fields, ferr := db.codec.Fields(data)
		if ferr != nil {
			fillErr = ferr
			return false
		}
		key, hasNull, kerr := indexKey(&def, fields)
		if kerr != nil {
			fillErr = kerr
			return false
		}
		if ierr := is.Insert(key, id, hasNull); ierr != nil {
			fillErr = ierr
			return false
		}
		return true
	})
	if err == nil {
		err = fillErr
	}
	if err != nil {
		rollback()
		s.abort()
		return err
	}

	st.IndexRoots[len(entry.Indexes)-1] = is.Root()
	if err := s.writeState(ctx, entry, st); err != nil {
		rollback()
		s.abort()
		return err
	}
	if err := db.growCatalogIfNeeded(ctx, s); err != nil {
		rollback()
		s.abort()
		return err
	}
	s.renderCatalog = true

	if err := s.commit(ctx); err != nil {
		rollback()
		return err
	}
	return nil
}

// DropCollection removes a collection, its documents and its indexes.
func (db *Database) DropCollection(ctx context.Context, name string) error {
	if db.closed.Load() {
		return ErrDatabaseClosed
	}
	db.ddlMu.Lock()
	defer db.ddlMu.Unlock()

	entry := db.cat.FindCollection(name)
	if entry == nil {
		return fmt.Errorf("%q: %w", name, ErrCollectionNotFound)
	}

	s := db.newSession(txn.ReadWrite)
	st, err := s.readState(ctx, entry)
	if err != nil {
		s.abort()
		return err
	}

	pages := txPages{s: s}
	ds := document.NewStore(ctx, pages, st.PrimaryRoot)
	if err := ds.FreeAll(); err != nil {
		s.abort()
		return err
	}
	for i := range entry.Indexes {
		is := index.NewStore(ctx, pages, st.IndexRoots[i], false)
		if err := is.FreeAll(); err != nil {
			s.abort()
			return err
		}
	}
	s.alloc.Free(entry.RootPage)

	saved := *entry
	db.cat.RemoveCollection(name)
	s.renderCatalog = true

	if err := s.commit(ctx); err != nil {
		restored, _ := db.cat.AddCollection(saved.Name, saved.RootPage)
		if restored != nil {
			*restored = saved
		}
		return err
	}
	db.publishGauges()
	return nil
}

// growCatalogIfNeeded extends the catalog region when the serialized
// catalog no longer fits.
func (db *Database) growCatalogIfNeeded(ctx context.Context, s *session) error {
	needed := db.cat.PagesNeeded(db.store.PageSize())
	hdr := db.pager.Header()
	if needed <= hdr.CatalogPages {
		return nil
	}
	_, err := db.pager.GrowCatalog(ctx, s.alloc, needed)
	return err
}
