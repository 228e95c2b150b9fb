package pager

import (
	"context"
	"errors"
	"testing"

	"github.com/rthomasv3/galdrdb/pkg/cache"
	"github.com/rthomasv3/galdrdb/pkg/paged"
	"github.com/rthomasv3/galdrdb/pkg/pageio"
)

func TestLoadRejectsCorruptedBitmapPage(t *testing.T) {
	store := newTestStore()
	createPager(t, store)
	ctx := context.Background()

	// Scribble over the first bitmap page: nonzero content with a zero
	// checksum tail is neither a valid page nor a never-written one.
	garbage := make([]byte, testPageSize)
	garbage[10] = 0xFF
	if err := store.WriteDirect(ctx, 1, garbage); err != nil {
		t.Fatalf("scribble: %v", err)
	}

	if _, err := Load(ctx, store); !errors.Is(err, pageio.ErrCorruptedPage) {
		t.Errorf("corrupted bitmap page accepted: %v", err)
	}
}

const testPageSize = 4096

func newTestStore() *paged.Store {
	inner := pageio.NewMemory(testPageSize)
	return paged.NewStore(cache.New(inner, 128), nil, nil)
}

func createPager(t *testing.T, store *paged.Store) *Pager {
	t.Helper()
	p, err := Create(context.Background(), store, CreateOptions{MaxPages: 1 << 16})
	if err != nil {
		t.Fatalf("create pager: %v", err)
	}
	return p
}

// commitAlloc renders an allocation scope through a throwaway
// transaction, the way the engine does at commit.
func commitAlloc(t *testing.T, store *paged.Store, a *Alloc) {
	t.Helper()
	ctx := context.Background()
	tx := store.Begin(true)
	tx.SetMetaRender(func(put func(uint32, uint16, []byte)) error {
		return a.Render(1, put)
	})
	if err := store.Commit(ctx, tx, 1); err != nil {
		t.Fatalf("commit alloc: %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:      FormatVersion,
		PageSize:     testPageSize,
		Flags:        FlagWAL,
		PageCount:    123,
		NextFree:     45,
		BitmapRoot:   1,
		BitmapPages:  2,
		FSMRoot:      3,
		FSMPages:     16,
		CatalogStart: 19,
		CatalogPages: 1,
		LastTxID:     99,
		LastCSN:      88,
	}
	buf := make([]byte, testPageSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != h {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, h)
	}
}

func TestHeaderRejectsCorruption(t *testing.T) {
	h := Header{Version: FormatVersion, PageSize: testPageSize}
	buf := make([]byte, testPageSize)
	h.Encode(buf)

	buf[20] ^= 0xFF
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrBadHeader) {
		t.Errorf("corrupted header accepted: %v", err)
	}

	h.Encode(buf)
	buf[0] = 'X'
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrBadHeader) {
		t.Errorf("bad magic accepted: %v", err)
	}
}

func TestHeaderRejectsUnknownVersion(t *testing.T) {
	h := Header{Version: FormatVersion + 1, PageSize: testPageSize}
	buf := make([]byte, testPageSize)
	h.Encode(buf)
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrBadHeader) {
		t.Errorf("future format version accepted: %v", err)
	}
}

func TestAllocateLowestFree(t *testing.T) {
	store := newTestStore()
	p := createPager(t, store)
	ctx := context.Background()

	hdr := p.Header()
	a := p.BeginAlloc()
	first, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if first != hdr.CatalogStart+1 {
		t.Errorf("first data page %d, want %d", first, hdr.CatalogStart+1)
	}
	second, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if second != first+1 {
		t.Errorf("second page %d, want %d", second, first+1)
	}
	commitAlloc(t, store, a)
}

func TestAbortReleasesClaims(t *testing.T) {
	store := newTestStore()
	p := createPager(t, store)
	ctx := context.Background()

	a := p.BeginAlloc()
	id, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Abort()

	b := p.BeginAlloc()
	again, err := b.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate after abort: %v", err)
	}
	if again != id {
		t.Errorf("aborted claim %d not reusable, got %d", id, again)
	}
	b.Abort()
}

func TestConcurrentScopesNeverShareAPage(t *testing.T) {
	store := newTestStore()
	p := createPager(t, store)
	ctx := context.Background()

	a := p.BeginAlloc()
	b := p.BeginAlloc()
	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		ai, err := a.Allocate(ctx)
		if err != nil {
			t.Fatalf("a allocate: %v", err)
		}
		bi, err := b.Allocate(ctx)
		if err != nil {
			t.Fatalf("b allocate: %v", err)
		}
		if seen[ai] || seen[bi] || ai == bi {
			t.Fatalf("page handed out twice: %d %d", ai, bi)
		}
		seen[ai], seen[bi] = true, true
	}
	a.Abort()
	b.Abort()
}

func TestPersistedBitmapSurvivesReload(t *testing.T) {
	store := newTestStore()
	p := createPager(t, store)
	ctx := context.Background()

	a := p.BeginAlloc()
	allocated, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	commitAlloc(t, store, a)

	reloaded, err := Load(ctx, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := reloaded.BeginAlloc()
	next, err := b.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate after reload: %v", err)
	}
	if next == allocated {
		t.Errorf("reloaded pager handed out committed page %d again", allocated)
	}
	b.Abort()
}

func TestFreeIsRetainedUntilReclaim(t *testing.T) {
	store := newTestStore()
	p := createPager(t, store)
	ctx := context.Background()

	a := p.BeginAlloc()
	id, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	commitAlloc(t, store, a)

	// Free it in a second committed scope.
	b := p.BeginAlloc()
	b.Free(id)
	tx := store.Begin(true)
	tx.SetMetaRender(func(put func(uint32, uint16, []byte)) error {
		return b.Render(5, put)
	})
	if err := store.Commit(ctx, tx, 2); err != nil {
		t.Fatalf("commit free: %v", err)
	}

	// Until snapshots older than CSN 5 drain, the page stays reserved.
	c := p.BeginAlloc()
	got, err := c.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got == id {
		t.Fatal("freed page reused before reclaim")
	}
	c.Abort()

	p.ReclaimBefore(6)
	d := p.BeginAlloc()
	got, err = d.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate after reclaim: %v", err)
	}
	if got != id {
		t.Errorf("reclaimed page %d not reused, got %d", id, got)
	}
	d.Abort()
}

func TestFSMBestFit(t *testing.T) {
	store := newTestStore()
	p := createPager(t, store)
	ctx := context.Background()

	a := p.BeginAlloc()
	id, err := a.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.SetFree(id, 3000)
	commitAlloc(t, store, a)

	got, ok := p.BestFit(2000)
	if !ok || got != id {
		t.Errorf("best fit for 2000 bytes: got %d ok=%v, want %d", got, ok, id)
	}
	if _, ok := p.BestFit(3900); ok {
		t.Error("best fit found a page for more space than any page has")
	}
}

func TestGrowCatalogInPlaceAndRelocate(t *testing.T) {
	store := newTestStore()
	p := createPager(t, store)
	ctx := context.Background()

	hdr := p.Header()
	a := p.BeginAlloc()

	// Nothing allocated after the catalog yet: growth is in place.
	start, err := p.GrowCatalog(ctx, a, hdr.CatalogPages+1)
	if err != nil {
		t.Fatalf("grow in place: %v", err)
	}
	if start != hdr.CatalogStart {
		t.Errorf("in-place growth moved the catalog to %d", start)
	}
	commitAlloc(t, store, a)

	// Occupy the page right after the region, forcing relocation.
	b := p.BeginAlloc()
	if _, err := b.Allocate(ctx); err != nil {
		t.Fatalf("allocate blocker: %v", err)
	}
	hdr = p.Header()
	newStart, err := p.GrowCatalog(ctx, b, hdr.CatalogPages+1)
	if err != nil {
		t.Fatalf("grow relocated: %v", err)
	}
	if newStart == hdr.CatalogStart {
		t.Error("relocation expected, catalog stayed in place")
	}
	if got := p.Header().CatalogStart; got != newStart {
		t.Errorf("header catalog start %d, want %d", got, newStart)
	}
	commitAlloc(t, store, b)
}
