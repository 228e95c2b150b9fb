package pager

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/rthomasv3/galdrdb/pkg/paged"
	"github.com/rthomasv3/galdrdb/pkg/pageio"
)

// extendChunk is how many pages the logical file grows by when
// allocation passes the current page count.
const extendChunk = 16

// DefaultMaxPages bounds the page range the bitmap and FSM regions are
// sized for at create time.
const DefaultMaxPages = 1 << 20

// CreateOptions configures a fresh database layout.
type CreateOptions struct {
	Flags    uint32
	MaxPages uint32 // 0 means DefaultMaxPages
}

type pendingFree struct {
	page uint32
	csn  uint64
}

// Pager owns the committed in-memory images of the header, allocation
// bitmap and free-space map, plus the in-flight claims that keep
// concurrent transactions from allocating the same page.
//
// Each bitmap and FSM page reserves its last four bytes for a CRC32
// over the rest of the page, so region corruption is caught at load
// instead of silently double-allocating pages. The in-memory images
// are flat, without the per-page checksum tails.
type Pager struct {
	store    *paged.Store
	pageSize int
	bmBytes  int // usable bytes per bitmap/FSM page (pageSize - checksum)

	mu      sync.Mutex
	hdr     Header
	bitmap  []byte // committed bits, flat
	fsm     []byte // committed quantized free-run hints, 1 byte per page
	claimed map[uint32]struct{}
	pending []pendingFree

	maxPages uint32
	quantum  int // bytes per FSM unit
}

// Create lays out a fresh database on the store: header, bitmap and FSM
// regions, and one empty catalog page. Runs outside any transaction.
func Create(ctx context.Context, store *paged.Store, opts CreateOptions) (*Pager, error) {
	pageSize := store.PageSize()
	maxPages := opts.MaxPages
	if maxPages == 0 {
		maxPages = DefaultMaxPages
	}

	bmBytes := pageSize - 4
	bitmapPages := ceilDiv(ceilDiv(maxPages, 8), uint32(bmBytes))
	fsmPages := ceilDiv(maxPages, uint32(bmBytes))

	p := &Pager{
		store:    store,
		pageSize: pageSize,
		bmBytes:  bmBytes,
		claimed:  make(map[uint32]struct{}),
		maxPages: maxPages,
		quantum:  quantumFor(pageSize),
	}
	p.bitmap = make([]byte, int(bitmapPages)*bmBytes)
	p.fsm = make([]byte, int(fsmPages)*bmBytes)

	catalogStart := 1 + bitmapPages + fsmPages
	p.hdr = Header{
		Version:      FormatVersion,
		PageSize:     uint32(pageSize),
		Flags:        opts.Flags,
		PageCount:    uint64(catalogStart + 1),
		NextFree:     catalogStart + 1,
		BitmapRoot:   1,
		BitmapPages:  bitmapPages,
		FSMRoot:      1 + bitmapPages,
		FSMPages:     fsmPages,
		CatalogStart: catalogStart,
		CatalogPages: 1,
	}

	// Header, bitmap, FSM and catalog pages are permanently allocated.
	for id := uint32(0); id <= catalogStart; id++ {
		p.bitSet(id)
	}

	buf := make([]byte, pageSize)
	p.hdr.Encode(buf)
	if err := store.WriteDirect(ctx, 0, buf); err != nil {
		return nil, err
	}
	for i := uint32(0); i < bitmapPages; i++ {
		if err := store.WriteDirect(ctx, 1+i, p.renderMetaChunk(p.bitmap, i)); err != nil {
			return nil, err
		}
	}
	// FSM and catalog pages start zeroed; sparse reads return zeros, so
	// only the header and bitmap need physical writes here.
	if err := store.Cache().Flush(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads the header, bitmap and FSM from an existing store.
func Load(ctx context.Context, store *paged.Store) (*Pager, error) {
	pageSize := store.PageSize()
	buf := make([]byte, pageSize)
	if err := store.ReadDirect(ctx, 0, buf); err != nil {
		return nil, err
	}
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if int(hdr.PageSize) != pageSize {
		return nil, fmt.Errorf("%w: header page size %d, file opened with %d",
			ErrBadHeader, hdr.PageSize, pageSize)
	}

	p := &Pager{
		store:    store,
		pageSize: pageSize,
		bmBytes:  pageSize - 4,
		hdr:      *hdr,
		claimed:  make(map[uint32]struct{}),
		quantum:  quantumFor(pageSize),
	}
	p.maxPages = hdr.BitmapPages * uint32(p.bmBytes) * 8

	p.bitmap = make([]byte, int(hdr.BitmapPages)*p.bmBytes)
	for i := uint32(0); i < hdr.BitmapPages; i++ {
		if err := store.ReadDirect(ctx, hdr.BitmapRoot+i, buf); err != nil {
			return nil, err
		}
		if err := verifyMetaPage(buf); err != nil {
			return nil, fmt.Errorf("pager: bitmap page %d: %w", hdr.BitmapRoot+i, err)
		}
		copy(p.bitmap[int(i)*p.bmBytes:], buf[:p.bmBytes])
	}
	p.fsm = make([]byte, int(hdr.FSMPages)*p.bmBytes)
	for i := uint32(0); i < hdr.FSMPages; i++ {
		if err := store.ReadDirect(ctx, hdr.FSMRoot+i, buf); err != nil {
			return nil, err
		}
		if err := verifyMetaPage(buf); err != nil {
			return nil, fmt.Errorf("pager: fsm page %d: %w", hdr.FSMRoot+i, err)
		}
		copy(p.fsm[int(i)*p.bmBytes:], buf[:p.bmBytes])
	}
	return p, nil
}

// renderMetaChunk lays one bitmap/FSM region page out: the flat chunk
// followed by a trailing CRC32 over the rest of the page.
func (p *Pager) renderMetaChunk(region []byte, rel uint32) []byte {
	page := make([]byte, p.pageSize)
	copy(page, region[int(rel)*p.bmBytes:int(rel+1)*p.bmBytes])
	crc := crc32.ChecksumIEEE(page[:p.pageSize-4])
	binary.LittleEndian.PutUint32(page[p.pageSize-4:], crc)
	return page
}

// verifyMetaPage checks a region page's trailing checksum. A page that
// was never written reads as all zeros and is valid.
func verifyMetaPage(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[len(page)-4:])
	if stored == crc32.ChecksumIEEE(page[:len(page)-4]) {
		return nil
	}
	if stored == 0 && zeroPage(page) {
		return nil
	}
	return fmt.Errorf("checksum mismatch: %w", pageio.ErrCorruptedPage)
}

func zeroPage(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func quantumFor(pageSize int) int {
	q := pageSize / 255
	if q == 0 {
		q = 1
	}
	return q
}

func ceilDiv(a, b uint32) uint32 { return (a + b - 1) / b }

func (p *Pager) bitGet(id uint32) bool { return p.bitmap[id/8]&(1<<(id%8)) != 0 }
func (p *Pager) bitSet(id uint32)      { p.bitmap[id/8] |= 1 << (id % 8) }
func (p *Pager) bitClear(id uint32)    { p.bitmap[id/8] &^= 1 << (id % 8) }

// Header returns a copy of the current header.
func (p *Pager) Header() Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr
}

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// SetTxMarks records the last durably committed transaction id and CSN
// for the next header render.
func (p *Pager) SetTxMarks(lastTxID, lastCSN uint64) {
	p.mu.Lock()
	p.hdr.LastTxID = lastTxID
	p.hdr.LastCSN = lastCSN
	p.mu.Unlock()
}

// BestFit returns a data page whose recorded free run holds at least
// needed bytes, per the free-space map. ok is false when no page
// qualifies.
func (p *Pager) BestFit(needed int) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	units := byte(min(255, ceilDiv(uint32(needed), uint32(p.quantum))))
	for id := uint32(0); id < uint32(p.hdr.PageCount) && int(id) < len(p.fsm); id++ {
		if p.fsm[id] >= units && p.bitGet(id) {
			return id, true
		}
	}
	return 0, false
}

// FreePageCount returns the number of free pages inside the current
// logical page count.
func (p *Pager) FreePageCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n uint64
	for id := uint32(0); uint64(id) < p.hdr.PageCount; id++ {
		if !p.bitGet(id) {
			if _, inFlight := p.claimed[id]; !inFlight {
				n++
			}
		}
	}
	return n
}

// ReclaimBefore returns pages freed at a CSN older than minCSN to the
// allocatable pool. Called when the oldest snapshot advances so no live
// reader can still follow pointers into them.
func (p *Pager) ReclaimBefore(minCSN uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.pending[:0]
	for _, pf := range p.pending {
		if pf.csn < minCSN {
			p.bitClear(pf.page)
			p.fsm[pf.page] = 0
			if pf.page < p.hdr.NextFree {
				p.hdr.NextFree = pf.page
			}
		} else {
			kept = append(kept, pf)
		}
	}
	p.pending = kept
}

// TrimTail truncates trailing free pages off the file when the free tail
// run is at least threshold pages. This is the auto-GC behavior: bitmap
// trimming, never page compaction.
func (p *Pager) TrimTail(threshold uint32) (uint32, error) {
	p.mu.Lock()
	end := uint32(p.hdr.PageCount)
	for end > 0 && !p.bitGet(end-1) {
		if _, inFlight := p.claimed[end-1]; inFlight {
			break
		}
		end--
	}
	trimmed := uint32(p.hdr.PageCount) - end
	if trimmed < threshold {
		p.mu.Unlock()
		return 0, nil
	}
	p.hdr.PageCount = uint64(end)
	if p.hdr.NextFree > end {
		p.hdr.NextFree = end
	}
	p.mu.Unlock()

	if err := p.store.Cache().Truncate(end); err != nil {
		return 0, err
	}
	return trimmed, nil
}
