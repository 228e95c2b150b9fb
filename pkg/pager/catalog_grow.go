package pager

import "context"

// GrowCatalog extends the catalog region to pageCount contiguous pages.
// Adjacent free pages are claimed when available; otherwise a fresh
// contiguous run is claimed, the header repointed, and the old region
// freed, all inside the current transaction so recovery sees either the
// old catalog or the new one, never both. The catalog contents are
// re-rendered into the region by the catalog manager at the same commit.
func (p *Pager) GrowCatalog(ctx context.Context, a *Alloc, pageCount uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.hdr.CatalogStart
	have := p.hdr.CatalogPages
	if pageCount <= have {
		return start, nil
	}

	// Try to grow in place.
	if p.runFree(start+have, pageCount-have) {
		for id := start + have; id < start+pageCount; id++ {
			p.claimLocked(a, id)
		}
		p.hdr.CatalogPages = pageCount
		return start, nil
	}

	// Relocate: claim a fresh contiguous run and free the old region.
	newStart, ok := p.findRun(pageCount)
	if !ok {
		return 0, ErrNoSpace
	}
	for id := newStart; id < newStart+pageCount; id++ {
		p.claimLocked(a, id)
	}
	for id := start; id < start+have; id++ {
		a.freed = append(a.freed, id)
	}
	p.hdr.CatalogStart = newStart
	p.hdr.CatalogPages = pageCount
	return newStart, nil
}

// runFree reports whether n pages starting at id are all free and
// unclaimed. Caller holds mu.
func (p *Pager) runFree(id, n uint32) bool {
	for i := uint32(0); i < n; i++ {
		pid := id + i
		if pid >= p.maxPages {
			return false
		}
		if pid < uint32(p.hdr.PageCount) && p.bitGet(pid) {
			return false
		}
		if _, inFlight := p.claimed[pid]; inFlight {
			return false
		}
	}
	return true
}

// findRun locates the lowest contiguous run of n free pages, extending
// the logical file if the run lands past the current end. Caller holds mu.
func (p *Pager) findRun(n uint32) (uint32, bool) {
	for id := uint32(1); id+n <= p.maxPages; id++ {
		if p.runFree(id, n) {
			for uint64(id+n) > p.hdr.PageCount {
				p.hdr.PageCount += extendChunk
			}
			if p.hdr.PageCount > uint64(p.maxPages) {
				p.hdr.PageCount = uint64(p.maxPages)
			}
			return id, true
		}
	}
	return 0, false
}

// claimLocked claims a single page for the scope. Caller holds mu.
func (p *Pager) claimLocked(a *Alloc, id uint32) {
	p.claimed[id] = struct{}{}
	a.claimed = append(a.claimed, id)
	if p.hdr.NextFree == id {
		p.hdr.NextFree = id + 1
	}
}
