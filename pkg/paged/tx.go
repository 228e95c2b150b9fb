package paged

import (
	"context"

	"github.com/rthomasv3/galdrdb/pkg/wal"
)

type pageWrite struct {
	data []byte
	base uint64
	kind uint16
}

// Tx is a transaction's private view of the page store: buffered writes,
// snapshot copies of pages it has read, and the version bookkeeping the
// commit-time conflict check runs on.
type Tx struct {
	s        *Store
	writable bool
	done     bool

	// reads records the version of each page at first read (live reads).
	reads map[uint32]uint64

	// readCache pins the bytes of each page at first read so the
	// transaction's view of a page never changes under it.
	readCache map[uint32][]byte

	// writes holds buffered page images keyed by page id. The base
	// version is the version seen when the page was first read, never
	// re-sampled at write time.
	writes map[uint32]*pageWrite

	metaRender MetaRenderFunc
}

// Writable reports whether the transaction may write.
func (tx *Tx) Writable() bool { return tx.writable }

// SetMetaRender installs the commit-time metadata page renderer.
func (tx *Tx) SetMetaRender(fn MetaRenderFunc) { tx.metaRender = fn }

// ReadPage returns the transaction's view of a page: its own buffered
// write if present, else the snapshot copy from the first read, else the
// committed state, which is then pinned.
func (tx *Tx) ReadPage(ctx context.Context, id uint32, dst []byte) error {
	if tx.done {
		return ErrTxDone
	}
	if pw, ok := tx.writes[id]; ok {
		copy(dst, pw.data)
		return nil
	}
	if cached, ok := tx.readCache[id]; ok {
		copy(dst, cached)
		return nil
	}

	// Sample the version before the bytes and confirm after, so the
	// recorded base version always matches the bytes we pinned.
	for {
		v := tx.s.PageVersion(id)
		if err := tx.s.readPage(ctx, id, dst); err != nil {
			return err
		}
		if tx.s.PageVersion(id) == v {
			tx.reads[id] = v
			pinned := tx.s.pool.Get()
			copy(pinned, dst)
			tx.readCache[id] = pinned
			return nil
		}
	}
}

// WritePage buffers src as the transaction's image of the page.
func (tx *Tx) WritePage(ctx context.Context, id uint32, src []byte) error {
	return tx.writePage(ctx, id, src, wal.PageData)
}

// WritePageKind buffers src tagged with a page kind for WAL diagnostics.
func (tx *Tx) WritePageKind(ctx context.Context, id uint32, src []byte, kind uint16) error {
	return tx.writePage(ctx, id, src, kind)
}

func (tx *Tx) writePage(ctx context.Context, id uint32, src []byte, kind uint16) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if pw, ok := tx.writes[id]; ok {
		copy(pw.data, src)
		pw.kind = kind
		return nil
	}

	base, ok := tx.reads[id]
	if !ok {
		// First touch without a prior read: sample once, never again.
		base = tx.s.PageVersion(id)
		tx.reads[id] = base
	}

	buf := tx.s.pool.Get()
	copy(buf, src)
	tx.writes[id] = &pageWrite{data: buf, base: base, kind: kind}
	return nil
}

// WrittenPages returns the ids of pages this transaction has buffered.
func (tx *Tx) WrittenPages() []uint32 {
	ids := make([]uint32, 0, len(tx.writes))
	for id := range tx.writes {
		ids = append(ids, id)
	}
	return ids
}

// release returns all buffers to the pool and finishes the transaction.
func (tx *Tx) release() {
	for _, pw := range tx.writes {
		tx.s.pool.Put(pw.data)
	}
	for _, b := range tx.readCache {
		tx.s.pool.Put(b)
	}
	tx.writes = nil
	tx.readCache = nil
	tx.reads = nil
	tx.done = true
}
