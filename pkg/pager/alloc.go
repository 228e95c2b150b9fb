package pager

import (
	"context"

	"github.com/rthomasv3/galdrdb/pkg/wal"
)

// Alloc is a transaction's allocation scope. Claims are visible to the
// pager immediately so no other transaction can hand out the same page,
// but they only reach the committed bitmap when Render runs at commit.
// An aborted transaction releases its claims with no durable trace.
type Alloc struct {
	p *Pager

	claimed []uint32
	freed   []uint32
	fsmSet  map[uint32]byte
}

// BeginAlloc opens an allocation scope for one transaction.
func (p *Pager) BeginAlloc() *Alloc {
	return &Alloc{p: p, fsmSet: make(map[uint32]byte)}
}

// Allocate claims the lowest-id free page, extending the logical file by
// a chunk when the current range is exhausted.
func (a *Alloc) Allocate(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.hdr.NextFree
	for {
		if id >= p.maxPages {
			return 0, ErrNoSpace
		}
		if uint64(id) >= p.hdr.PageCount {
			// Grow the logical file; physical extension happens when the
			// pages are first written.
			p.hdr.PageCount += extendChunk
			if p.hdr.PageCount > uint64(p.maxPages) {
				p.hdr.PageCount = uint64(p.maxPages)
			}
		}
		if !p.bitGet(id) {
			if _, inFlight := p.claimed[id]; !inFlight {
				break
			}
		}
		id++
	}

	p.claimed[id] = struct{}{}
	p.hdr.NextFree = id + 1
	a.claimed = append(a.claimed, id)
	return id, nil
}

// Free marks a page for release. Pages this transaction itself claimed
// are returned immediately; pages from earlier commits stay reserved
// until every snapshot older than this commit has finished.
func (a *Alloc) Free(id uint32) {
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, c := range a.claimed {
		if c == id {
			a.claimed = append(a.claimed[:i], a.claimed[i+1:]...)
			delete(p.claimed, id)
			if id < p.hdr.NextFree {
				p.hdr.NextFree = id
			}
			return
		}
	}
	a.freed = append(a.freed, id)
}

// SetFree records the free-byte hint for a page, quantized into the FSM.
func (a *Alloc) SetFree(id uint32, freeBytes int) {
	if int(id) >= len(a.p.fsm) {
		return
	}
	units := freeBytes / a.p.quantum
	if units > 255 {
		units = 255
	}
	a.fsmSet[id] = byte(units)
}

// Pages returns the pages claimed so far.
func (a *Alloc) Pages() []uint32 { return a.claimed }

// Render folds this transaction's allocation state into the committed
// bitmap/FSM and emits the dirty bitmap, FSM and header pages. Runs
// under the commit lock via the transaction's meta renderer.
func (a *Alloc) Render(commitCSN uint64, put func(id uint32, kind uint16, data []byte)) error {
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()

	dirtyBitmap := make(map[uint32]struct{})
	dirtyFSM := make(map[uint32]struct{})

	for _, id := range a.claimed {
		delete(p.claimed, id)
		p.bitSet(id)
		dirtyBitmap[id/(uint32(p.bmBytes)*8)] = struct{}{}
	}
	for _, id := range a.freed {
		// Retained for older snapshots; the bit stays set until reclaim.
		p.pending = append(p.pending, pendingFree{page: id, csn: commitCSN})
	}
	for id, units := range a.fsmSet {
		p.fsm[id] = units
		dirtyFSM[id/uint32(p.bmBytes)] = struct{}{}
	}

	for rel := range dirtyBitmap {
		put(p.hdr.BitmapRoot+rel, wal.PageBitmap, p.renderMetaChunk(p.bitmap, rel))
	}
	for rel := range dirtyFSM {
		put(p.hdr.FSMRoot+rel, wal.PageFSM, p.renderMetaChunk(p.fsm, rel))
	}

	buf := make([]byte, p.pageSize)
	p.hdr.Encode(buf)
	put(0, wal.PageHeader, buf)

	a.claimed = nil
	a.freed = nil
	a.fsmSet = make(map[uint32]byte)
	return nil
}

// Abort releases every claim this scope took without persisting anything.
func (a *Alloc) Abort() {
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range a.claimed {
		delete(p.claimed, id)
		if id < p.hdr.NextFree {
			p.hdr.NextFree = id
		}
	}
	a.claimed = nil
	a.freed = nil
	a.fsmSet = make(map[uint32]byte)
}
