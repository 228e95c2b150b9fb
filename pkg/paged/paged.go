// Package paged is the buffered write layer between transactions and
// the page cache. Each transaction buffers its page writes privately
// and sees its own writes on read. Every page carries a monotonically
// increasing version; at commit, under the global commit lock, each
// buffered write's base version is compared against the current version
// and any mismatch fails the commit with a page conflict
// (first-committer-wins). Durability goes through the WAL when one is
// attached, otherwise straight through the cache to the file.
package paged

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rthomasv3/galdrdb/pkg/cache"
	"github.com/rthomasv3/galdrdb/pkg/wal"
)

var (
	// ErrPageConflict indicates another transaction committed a page this
	// one also wrote. The caller may retry on a fresh snapshot.
	ErrPageConflict = errors.New("paged: page version conflict")

	// ErrTxDone indicates a use of a committed or aborted transaction.
	ErrTxDone = errors.New("paged: transaction finished")

	// ErrReadOnly indicates a write through a read-only transaction.
	ErrReadOnly = errors.New("paged: read-only transaction")

	// ErrSuspect indicates the store refused a write after a runtime
	// integrity failure; the database must be reopened.
	ErrSuspect = errors.New("paged: database suspect after integrity failure")
)

// MetaRenderFunc contributes allocator/catalog metadata pages to a
// commit. It runs under the commit lock, after the conflict check, and
// must render from authoritative in-memory state; pages it puts bypass
// conflict tracking.
type MetaRenderFunc func(put func(id uint32, kind uint16, data []byte)) error

// Store owns the page version map and the commit critical section.
type Store struct {
	cache    *cache.Cache
	wal      *wal.WAL // nil when WAL is disabled
	pageSize int
	pool     *BufferPool

	versionsMu sync.RWMutex
	versions   map[uint32]uint64

	commitCh chan struct{} // 1-slot channel so lock acquisition is cancellable
	suspect  atomic.Bool
}

// NewStore creates the buffered-write layer over a page cache, with an
// optional WAL. A nil pool gets a fresh process-local one.
func NewStore(c *cache.Cache, w *wal.WAL, pool *BufferPool) *Store {
	if pool == nil {
		pool = NewBufferPool(c.PageSize())
	}
	return &Store{
		cache:    c,
		wal:      w,
		pageSize: c.PageSize(),
		pool:     pool,
		versions: make(map[uint32]uint64),
		commitCh: make(chan struct{}, 1),
	}
}

// PageSize returns the page size in bytes.
func (s *Store) PageSize() int { return s.pageSize }

// Cache returns the underlying page cache.
func (s *Store) Cache() *cache.Cache { return s.cache }

// WAL returns the attached WAL, or nil.
func (s *Store) WAL() *wal.WAL { return s.wal }

// Pool returns the store's buffer pool.
func (s *Store) Pool() *BufferPool { return s.pool }

// MarkSuspect flags the store after a runtime integrity failure; all
// further commits are refused until the database is reopened.
func (s *Store) MarkSuspect() { s.suspect.Store(true) }

// Suspect reports whether the store has been marked suspect.
func (s *Store) Suspect() bool { return s.suspect.Load() }

// PageVersion returns the current committed version of a page. Pages
// never written have version zero.
func (s *Store) PageVersion(id uint32) uint64 {
	s.versionsMu.RLock()
	defer s.versionsMu.RUnlock()
	return s.versions[id]
}

func (s *Store) bumpVersions(ids []uint32) {
	s.versionsMu.Lock()
	for _, id := range ids {
		s.versions[id]++
	}
	s.versionsMu.Unlock()
}

// lockCommit acquires the commit critical section, honoring cancellation.
func (s *Store) lockCommit(ctx context.Context) error {
	select {
	case s.commitCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlockCommit() { <-s.commitCh }

// readPage serves a committed page: cache first, then the WAL frame
// index, then the main file through the cache.
func (s *Store) readPage(ctx context.Context, id uint32, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cache.Get(id, dst) {
		return nil
	}
	if s.wal != nil {
		ok, err := s.wal.ReadPage(id, dst)
		if err != nil {
			return err
		}
		if ok {
			s.cache.Put(id, dst)
			return nil
		}
	}
	return s.cache.ReadPage(ctx, id, dst)
}

// ReadDirect reads a committed page outside any transaction.
func (s *Store) ReadDirect(ctx context.Context, id uint32, dst []byte) error {
	return s.readPage(ctx, id, dst)
}

// WriteDirect writes a page outside conflict tracking, through the
// cache to the file. Used for bootstrap, before transactions run, and
// for the header write at close.
func (s *Store) WriteDirect(ctx context.Context, id uint32, src []byte) error {
	if err := s.cache.WritePage(ctx, id, src); err != nil {
		return err
	}
	s.bumpVersions([]uint32{id})
	return nil
}

// Begin opens a transaction view over the store.
func (s *Store) Begin(writable bool) *Tx {
	return &Tx{
		s:         s,
		writable:  writable,
		reads:     make(map[uint32]uint64),
		readCache: make(map[uint32][]byte),
		writes:    make(map[uint32]*pageWrite),
	}
}

// Commit applies a transaction. Under the commit lock it verifies every
// buffered write's base version, gathers rendered metadata pages,
// appends the WAL group (or writes through and fsyncs when the WAL is
// off), publishes the pages, and bumps versions. A conflict aborts the
// transaction with ErrPageConflict and no state change.
func (s *Store) Commit(ctx context.Context, tx *Tx, txID uint64) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrReadOnly
	}
	if s.suspect.Load() {
		tx.release()
		return ErrSuspect
	}

	if err := s.lockCommit(ctx); err != nil {
		tx.release()
		return err
	}
	defer s.unlockCommit()

	// First-committer-wins: any page whose version moved since this
	// transaction first saw it belongs to somebody else now.
	for id, pw := range tx.writes {
		if s.PageVersion(id) != pw.base {
			tx.release()
			return fmt.Errorf("page %d: %w", id, ErrPageConflict)
		}
	}

	group := make(map[uint32][]byte, len(tx.writes)+4)
	kinds := make(map[uint32]uint16, len(tx.writes)+4)
	for id, pw := range tx.writes {
		group[id] = pw.data
		kinds[id] = pw.kind
	}
	if tx.metaRender != nil {
		err := tx.metaRender(func(id uint32, kind uint16, data []byte) {
			group[id] = data
			kinds[id] = kind
		})
		if err != nil {
			tx.release()
			return err
		}
	}
	if len(group) == 0 {
		tx.release()
		return nil
	}

	if s.wal != nil {
		if err := s.wal.AppendGroup(txID, group, kinds); err != nil {
			tx.release()
			return err
		}
		// Durable in the log; publish to readers via the cache only. The
		// main file catches up at the next checkpoint.
		for id, data := range group {
			s.cache.Put(id, data)
		}
	} else {
		for id, data := range group {
			if err := s.cache.WritePage(ctx, id, data); err != nil {
				tx.release()
				return err
			}
		}
		if err := s.cache.Flush(context.WithoutCancel(ctx)); err != nil {
			tx.release()
			return err
		}
	}

	ids := make([]uint32, 0, len(group))
	for id := range group {
		ids = append(ids, id)
	}
	s.bumpVersions(ids)
	tx.release()
	return nil
}

// Abort discards a transaction's buffers.
func (s *Store) Abort(tx *Tx) {
	if tx.done {
		return
	}
	tx.release()
}

// Checkpoint folds WAL-resident pages into the main file under the
// commit lock, fsyncs, and truncates the log. Safe to interrupt: until
// the truncation the log still replays on the next open.
func (s *Store) Checkpoint(ctx context.Context) error {
	if err := s.lockCommit(ctx); err != nil {
		return err
	}
	defer s.unlockCommit()

	if s.wal == nil {
		return s.cache.Flush(ctx)
	}

	buf := s.pool.Get()
	defer s.pool.Put(buf)
	for _, id := range s.wal.Pages() {
		ok, err := s.wal.ReadPage(id, buf)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.cache.WritePage(ctx, id, buf); err != nil {
			return err
		}
	}
	if err := s.cache.Flush(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return s.wal.Reset()
}
