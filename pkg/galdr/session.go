package galdr

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rthomasv3/galdrdb/pkg/catalog"
	"github.com/rthomasv3/galdrdb/pkg/document"
	"github.com/rthomasv3/galdrdb/pkg/index"
	"github.com/rthomasv3/galdrdb/pkg/pager"
	"github.com/rthomasv3/galdrdb/pkg/query"
	"github.com/rthomasv3/galdrdb/pkg/txn"
	"github.com/rthomasv3/galdrdb/pkg/wal"
)

// session bundles one transaction with its allocation scope and the
// commit-time metadata render. Facade operations run one short-lived
// session each; explicit transactions hold one open across operations.
type session struct {
	db            *Database
	t             *txn.Txn
	alloc         *pager.Alloc
	renderCatalog bool
	renderRan     bool
}

func (db *Database) newSession(mode txn.Mode) *session {
	s := &session{
		db:    db,
		t:     db.mgr.Begin(mode),
		alloc: db.pager.BeginAlloc(),
	}
	if mode == txn.ReadWrite {
		s.t.Pages().SetMetaRender(func(put func(uint32, uint16, []byte)) error {
			s.renderRan = true
			if err := s.alloc.Render(db.mgr.LastCSN()+1, put); err != nil {
				return err
			}
			if s.renderCatalog {
				hdr := db.pager.Header()
				db.cat.Render(hdr.CatalogStart, hdr.CatalogPages, db.store.PageSize(), wal.PageCatalog, put)
			}
			return nil
		})
	}
	return s
}

// observeIntegrity flags the store after a runtime integrity failure
// (a page or metadata structure that failed its checksum) so further
// writes are refused until the database is reopened. Conflict and usage
// errors pass through untouched.
func (db *Database) observeIntegrity(err error) error {
	if err != nil && (errors.Is(err, ErrCorruptedPage) || errors.Is(err, catalog.ErrCorrupted)) {
		db.store.MarkSuspect()
	}
	return err
}

func (s *session) commit(ctx context.Context) error {
	err := s.t.Commit(ctx)
	if err != nil {
		// The conflict check runs before the metadata render; if the
		// render ran and the commit still failed, the in-memory
		// allocator has moved past what disk holds.
		if s.renderRan && !errors.Is(err, ErrPageConflict) {
			s.db.store.MarkSuspect()
		}
		s.alloc.Abort()
		return err
	}
	return nil
}

func (s *session) abort() {
	s.t.Abort()
	s.alloc.Abort()
}

// txPages adapts the session to the page access the tree layers expect.
type txPages struct {
	s *session
}

func (p txPages) ReadPage(ctx context.Context, id uint32, dst []byte) error {
	return p.s.t.Pages().ReadPage(ctx, id, dst)
}

func (p txPages) WritePage(ctx context.Context, id uint32, src []byte) error {
	return p.s.t.Pages().WritePageKind(ctx, id, src, wal.PageData)
}

func (p txPages) Allocate(ctx context.Context) (uint32, error) {
	return p.s.alloc.Allocate(ctx)
}

func (p txPages) Free(id uint32) {
	p.s.alloc.Free(id)
}

func (p txPages) SetFree(id uint32, freeBytes int) {
	p.s.alloc.SetFree(id, freeBytes)
}

func (p txPages) PageSize() int {
	return p.s.db.store.PageSize()
}

func (s *session) entry(name string) (*catalog.Entry, error) {
	e := s.db.cat.FindCollection(name)
	if e == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrCollectionNotFound)
	}
	return e, nil
}

// readState loads a collection's live state page through the
// transaction, making the state page part of the conflict footprint.
func (s *session) readState(ctx context.Context, entry *catalog.Entry) (*catalog.State, error) {
	buf := make([]byte, s.db.store.PageSize())
	if err := s.t.Pages().ReadPage(ctx, entry.RootPage, buf); err != nil {
		return nil, err
	}
	st, err := catalog.DecodeState(buf)
	if err != nil {
		return nil, err
	}
	for len(st.IndexRoots) < len(entry.Indexes) {
		st.IndexRoots = append(st.IndexRoots, 0)
	}
	if st.NextID < 1 {
		st.NextID = 1
	}
	return st, nil
}

func (s *session) writeState(ctx context.Context, entry *catalog.Entry, st *catalog.State) error {
	buf := make([]byte, s.db.store.PageSize())
	st.Encode(buf)
	return s.t.Pages().WritePage(ctx, entry.RootPage, buf)
}

// indexKey builds the encoded key for one index from a document's
// fields, reporting whether any component is null.
func indexKey(def *catalog.IndexDef, fields map[string]index.Value) ([]byte, bool, error) {
	var out []byte
	hasNull := false
	for _, f := range def.Fields {
		v, ok := fields[f.Name]
		if !ok {
			v = index.Null()
		}
		coerced, err := index.Coerce(v, f.Type)
		if err != nil {
			return nil, false, err
		}
		if coerced.IsNull() {
			hasNull = true
		}
		out = index.AppendValue(out, coerced)
	}
	return out, hasNull, nil
}

func (s *session) insertDoc(ctx context.Context, name string, v any) (int32, error) {
	entry, err := s.entry(name)
	if err != nil {
		return 0, err
	}
	st, err := s.readState(ctx, entry)
	if err != nil {
		return 0, err
	}

	data, err := s.db.codec.Encode(v)
	if err != nil {
		return 0, err
	}
	fields, err := s.db.codec.Fields(data)
	if err != nil {
		return 0, err
	}

	id := st.NextID
	pages := txPages{s: s}

	// Index first so a unique violation aborts before any tree work.
	for i := range entry.Indexes {
		def := &entry.Indexes[i]
		key, hasNull, err := indexKey(def, fields)
		if err != nil {
			return 0, err
		}
		is := index.NewStore(ctx, pages, st.IndexRoots[i], def.Unique)
		if err := is.Insert(key, id, hasNull); err != nil {
			return 0, err
		}
		st.IndexRoots[i] = is.Root()
	}

	ds := document.NewStore(ctx, pages, st.PrimaryRoot)
	if err := ds.Insert(id, data); err != nil {
		return 0, err
	}
	st.PrimaryRoot = ds.Root()
	st.NextID = id + 1
	st.DocumentCount++

	return id, s.writeState(ctx, entry, st)
}

func (s *session) getDoc(ctx context.Context, name string, id int32) ([]byte, bool, error) {
	entry, err := s.entry(name)
	if err != nil {
		return nil, false, err
	}
	st, err := s.readState(ctx, entry)
	if err != nil {
		return nil, false, err
	}
	ds := document.NewStore(ctx, txPages{s: s}, st.PrimaryRoot)
	return ds.Get(id)
}

func (s *session) updateDoc(ctx context.Context, name string, id int32, v any) (bool, error) {
	entry, err := s.entry(name)
	if err != nil {
		return false, err
	}
	st, err := s.readState(ctx, entry)
	if err != nil {
		return false, err
	}

	pages := txPages{s: s}
	ds := document.NewStore(ctx, pages, st.PrimaryRoot)
	old, found, err := ds.Get(id)
	if err != nil || !found {
		return false, err
	}

	data, err := s.db.codec.Encode(v)
	if err != nil {
		return false, err
	}
	newFields, err := s.db.codec.Fields(data)
	if err != nil {
		return false, err
	}
	oldFields, err := s.db.codec.Fields(old)
	if err != nil {
		return false, err
	}

	for i := range entry.Indexes {
		def := &entry.Indexes[i]
		oldKey, _, err := indexKey(def, oldFields)
		if err != nil {
			return false, err
		}
		newKey, hasNull, err := indexKey(def, newFields)
		if err != nil {
			return false, err
		}
		is := index.NewStore(ctx, pages, st.IndexRoots[i], def.Unique)
		if _, err := is.Remove(oldKey, id); err != nil {
			return false, err
		}
		if err := is.Insert(newKey, id, hasNull); err != nil {
			return false, err
		}
		st.IndexRoots[i] = is.Root()
	}

	if _, err := ds.Update(id, data); err != nil {
		return false, err
	}
	st.PrimaryRoot = ds.Root()

	return true, s.writeState(ctx, entry, st)
}

// replaceDoc stores v under id whether or not it exists, advancing the
// next-id counter past it.
func (s *session) replaceDoc(ctx context.Context, name string, id int32, v any) error {
	found, err := s.updateDoc(ctx, name, id, v)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	entry, err := s.entry(name)
	if err != nil {
		return err
	}
	st, err := s.readState(ctx, entry)
	if err != nil {
		return err
	}

	data, err := s.db.codec.Encode(v)
	if err != nil {
		return err
	}
	fields, err := s.db.codec.Fields(data)
	if err != nil {
		return err
	}

	pages := txPages{s: s}
	for i := range entry.Indexes {
		def := &entry.Indexes[i]
		key, hasNull, err := indexKey(def, fields)
		if err != nil {
			return err
		}
		is := index.NewStore(ctx, pages, st.IndexRoots[i], def.Unique)
		if err := is.Insert(key, id, hasNull); err != nil {
			return err
		}
		st.IndexRoots[i] = is.Root()
	}

	ds := document.NewStore(ctx, pages, st.PrimaryRoot)
	if err := ds.Insert(id, data); err != nil {
		return err
	}
	st.PrimaryRoot = ds.Root()
	st.DocumentCount++
	if id >= st.NextID {
		st.NextID = id + 1
	}
	return s.writeState(ctx, entry, st)
}

func (s *session) deleteDoc(ctx context.Context, name string, id int32) (bool, error) {
	entry, err := s.entry(name)
	if err != nil {
		return false, err
	}
	st, err := s.readState(ctx, entry)
	if err != nil {
		return false, err
	}

	pages := txPages{s: s}
	ds := document.NewStore(ctx, pages, st.PrimaryRoot)
	old, found, err := ds.Get(id)
	if err != nil || !found {
		return false, err
	}

	oldFields, err := s.db.codec.Fields(old)
	if err != nil {
		return false, err
	}
	for i := range entry.Indexes {
		def := &entry.Indexes[i]
		key, _, err := indexKey(def, oldFields)
		if err != nil {
			return false, err
		}
		is := index.NewStore(ctx, pages, st.IndexRoots[i], false)
		if _, err := is.Remove(key, id); err != nil {
			return false, err
		}
		st.IndexRoots[i] = is.Root()
	}

	if _, err := ds.Delete(id); err != nil {
		return false, err
	}
	st.PrimaryRoot = ds.Root()
	st.DocumentCount--

	return true, s.writeState(ctx, entry, st)
}

// querySource adapts one session and collection state to the executor.
type querySource struct {
	s     *session
	entry *catalog.Entry
	st    *catalog.State
}

func (qs *querySource) ScanPrimary(ctx context.Context, lo, hi int32, fn func(id int32, doc []byte) bool) error {
	ds := document.NewStore(ctx, txPages{s: qs.s}, qs.st.PrimaryRoot)
	return ds.ScanRange(lo, hi, fn)
}

func (qs *querySource) GetDoc(ctx context.Context, id int32) ([]byte, bool, error) {
	ds := document.NewStore(ctx, txPages{s: qs.s}, qs.st.PrimaryRoot)
	return ds.Get(id)
}

func (qs *querySource) ScanIndex(ctx context.Context, p *query.Plan, fn func(id int32) bool) error {
	is := index.NewStore(ctx, txPages{s: qs.s}, qs.st.IndexRoots[p.IndexPos], false)
	yield := func(_ []byte, docID int32) bool { return fn(docID) }

	switch p.Scan {
	case query.ExactMatch:
		return is.ScanExact(p.Start, fn)
	case query.MultiExact:
		for _, key := range p.Keys {
			stop := false
			err := is.ScanExact(key, func(id int32) bool {
				if !fn(id) {
					stop = true
					return false
				}
				return true
			})
			if err != nil || stop {
				return err
			}
		}
		return nil
	case query.PrefixMatch:
		return is.ScanPrefix(p.Prefix, yield)
	case query.RangeScan:
		return is.ScanRange(p.Start, p.End, p.InclStart, p.InclEnd, yield)
	case query.PrefixRangeScan:
		return is.ScanPrefixRange(p.Prefix, p.Start, p.End, p.InclStart, p.InclEnd, yield)
	}
	return fmt.Errorf("galdr: unknown index scan kind %d", p.Scan)
}

func (qs *querySource) Fields(doc []byte) (map[string]index.Value, error) {
	return qs.s.db.codec.Fields(doc)
}

func (s *session) runQuery(ctx context.Context, name string, q *query.Query) ([]query.Match, error) {
	entry, err := s.entry(name)
	if err != nil {
		return nil, err
	}
	st, err := s.readState(ctx, entry)
	if err != nil {
		return nil, err
	}

	plan, err := query.BuildPlan(q, entry)
	if err != nil {
		return nil, err
	}
	s.db.metrics.QueryPlansTotal.WithLabelValues(plan.Kind.String()).Inc()

	src := &querySource{s: s, entry: entry, st: st}
	return query.Execute(ctx, q, plan, src)
}

func (s *session) countDocs(ctx context.Context, name string) (int64, error) {
	entry, err := s.entry(name)
	if err != nil {
		return 0, err
	}
	st, err := s.readState(ctx, entry)
	if err != nil {
		return 0, err
	}
	return st.DocumentCount, nil
}

// fullIDRange is the primary range covering every possible document id.
func fullIDRange() (int32, int32) { return math.MinInt32, math.MaxInt32 }
