package query

import (
	"context"
	"sort"
	"strings"

	"github.com/rthomasv3/galdrdb/pkg/index"
)

// Source is the data access the executor runs against; the engine
// facade implements it over one transaction's view.
type Source interface {
	// ScanPrimary walks documents with lo <= id <= hi ascending.
	ScanPrimary(ctx context.Context, lo, hi int32, fn func(id int32, doc []byte) bool) error

	// GetDoc fetches one document by id.
	GetDoc(ctx context.Context, id int32) ([]byte, bool, error)

	// ScanIndex walks the plan's secondary index path, yielding doc ids
	// in index key order.
	ScanIndex(ctx context.Context, p *Plan, fn func(id int32) bool) error

	// Fields extracts typed field values from document bytes.
	Fields(doc []byte) (map[string]index.Value, error)
}

// Match is one query result row.
type Match struct {
	ID  int32
	Doc []byte

	fields map[string]index.Value
}

// Execute runs the pipeline: access-path scan, predicate filtering for
// the residual filters the path does not already answer, an in-memory
// sort when the path does not already yield order-by order, then
// skip/limit. Skip/limit push into the scan only when no post-scan sort
// is required and there are no residual filters.
func Execute(ctx context.Context, q *Query, p *Plan, src Source) ([]Match, error) {
	consumed := make(map[int]struct{}, len(p.Consumed))
	for _, i := range p.Consumed {
		consumed[i] = struct{}{}
	}
	residual := make([]Filter, 0, len(q.Filters))
	for i := range q.Filters {
		if _, ok := consumed[i]; !ok {
			residual = append(residual, q.Filters[i])
		}
	}

	needSort := !p.Ordered && len(q.Order) > 0
	pushdown := !needSort && len(residual) == 0 && !p.Descending

	var stop int
	if pushdown && q.Limit >= 0 {
		stop = q.Skip + q.Limit
	} else {
		stop = -1
	}

	var out []Match
	var innerErr error
	collect := func(id int32, doc []byte) bool {
		fields, err := src.Fields(doc)
		if err != nil {
			innerErr = err
			return false
		}
		m := Match{ID: id, Doc: doc, fields: fields}
		m.fields[IDField] = index.IntValue(int64(id))
		if !matchAll(residual, m.fields) {
			return true
		}
		out = append(out, m)
		return stop < 0 || len(out) < stop
	}

	var err error
	switch p.Kind {
	case PrimaryKeyScan, PrimaryKeyRange, FullScan:
		err = src.ScanPrimary(ctx, p.Lo, p.Hi, collect)
	case PrimaryKeyMultiPoint:
		points := append([]int32(nil), p.Points...)
		sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
		for _, id := range points {
			doc, found, gerr := src.GetDoc(ctx, id)
			if gerr != nil {
				err = gerr
				break
			}
			if !found {
				continue
			}
			if !collect(id, doc) {
				break
			}
		}
	case SecondaryIndexScan:
		err = src.ScanIndex(ctx, p, func(id int32) bool {
			doc, found, gerr := src.GetDoc(ctx, id)
			if gerr != nil {
				innerErr = gerr
				return false
			}
			if !found {
				return true
			}
			return collect(id, doc)
		})
	}
	if err != nil {
		return nil, err
	}
	if innerErr != nil {
		return nil, innerErr
	}

	if needSort {
		sortMatches(out, q.Order)
	} else if p.Descending {
		reverse(out)
	}

	return paginate(out, q.Skip, q.Limit), nil
}

func reverse(ms []Match) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}

func paginate(ms []Match, skip, limit int) []Match {
	if skip > 0 {
		if skip >= len(ms) {
			return nil
		}
		ms = ms[skip:]
	}
	if limit >= 0 && limit < len(ms) {
		ms = ms[:limit]
	}
	return ms
}

func sortMatches(ms []Match, order []OrderBy) {
	sort.SliceStable(ms, func(i, j int) bool {
		for _, o := range order {
			a := fieldOf(ms[i].fields, o.Field)
			b := fieldOf(ms[j].fields, o.Field)
			c := compareLoose(a, b)
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func fieldOf(fields map[string]index.Value, name string) index.Value {
	if v, ok := fields[name]; ok {
		return v
	}
	return index.Null()
}

// compareLoose orders values, treating ints and floats as one numeric
// domain and timestamps against RFC3339 strings.
func compareLoose(a, b index.Value) int {
	if a.Kind == index.KindInt && b.Kind == index.KindFloat {
		a = index.FloatValue(float64(a.Int))
	}
	if a.Kind == index.KindFloat && b.Kind == index.KindInt {
		b = index.FloatValue(float64(b.Int))
	}
	if a.Kind == index.KindString && b.Kind == index.KindTime {
		if c, err := index.Coerce(a, index.KindTime); err == nil {
			a = c
		}
	}
	if a.Kind == index.KindTime && b.Kind == index.KindString {
		if c, err := index.Coerce(b, index.KindTime); err == nil {
			b = c
		}
	}
	return index.Compare(a, b)
}

func matchAll(filters []Filter, fields map[string]index.Value) bool {
	for i := range filters {
		if !matchOne(&filters[i], fields) {
			return false
		}
	}
	return true
}

func matchOne(f *Filter, fields map[string]index.Value) bool {
	v := fieldOf(fields, f.Field)

	switch f.Op {
	case Eq:
		return compareLoose(v, f.Value) == 0
	case NotEq:
		return compareLoose(v, f.Value) != 0
	case GT:
		return !v.IsNull() && compareLoose(v, f.Value) > 0
	case GTE:
		return !v.IsNull() && compareLoose(v, f.Value) >= 0
	case LT:
		return !v.IsNull() && compareLoose(v, f.Value) < 0
	case LTE:
		return !v.IsNull() && compareLoose(v, f.Value) <= 0
	case Between:
		return !v.IsNull() &&
			compareLoose(v, f.Value) >= 0 && compareLoose(v, f.High) <= 0
	case In:
		for _, cand := range f.Values {
			if compareLoose(v, cand) == 0 {
				return true
			}
		}
		return false
	case NotIn:
		for _, cand := range f.Values {
			if compareLoose(v, cand) == 0 {
				return false
			}
		}
		return true
	case StartsWith:
		return v.Kind == index.KindString && f.Value.Kind == index.KindString &&
			strings.HasPrefix(v.Str, f.Value.Str)
	case EndsWith:
		return v.Kind == index.KindString && f.Value.Kind == index.KindString &&
			strings.HasSuffix(v.Str, f.Value.Str)
	case Contains:
		return v.Kind == index.KindString && f.Value.Kind == index.KindString &&
			strings.Contains(v.Str, f.Value.Str)
	}
	return false
}
