package query

import (
	"fmt"
	"math"

	"github.com/rthomasv3/galdrdb/pkg/catalog"
	"github.com/rthomasv3/galdrdb/pkg/index"
)

// Plan chooses the cheapest access path for the query against a
// collection's index definitions.
//
//  1. No filters: a primary key scan in order-by direction.
//  2. A primary key filter with a rangeable operator: a primary range
//     or multi-point lookup.
//  3. Otherwise each candidate index is scored; the best positive score
//     wins a secondary index scan with precomputed key bytes.
//  4. Otherwise a full scan.
func BuildPlan(q *Query, entry *catalog.Entry) (*Plan, error) {
	desc := false
	if len(q.Order) > 0 && q.Order[0].Field == IDField {
		desc = q.Order[0].Descending
	}

	if len(q.Filters) == 0 {
		return &Plan{
			Kind:       PrimaryKeyScan,
			Lo:         math.MinInt32,
			Hi:         math.MaxInt32,
			Descending: desc,
			Ordered:    orderedByID(q),
		}, nil
	}

	if p, ok, err := planPrimary(q); err != nil {
		return nil, err
	} else if ok {
		return p, nil
	}

	if p := planSecondary(q, entry); p != nil {
		return p, nil
	}

	return &Plan{
		Kind:    FullScan,
		Lo:      math.MinInt32,
		Hi:      math.MaxInt32,
		Ordered: orderedByID(q),
	}, nil
}

// orderedByID reports whether ascending id order satisfies the query's
// ordering (modulo the plan's Descending reversal).
func orderedByID(q *Query) bool {
	return len(q.Order) == 0 || (len(q.Order) == 1 && q.Order[0].Field == IDField)
}

func planPrimary(q *Query) (*Plan, bool, error) {
	for i := range q.Filters {
		f := &q.Filters[i]
		if f.Field != IDField {
			continue
		}
		p := &Plan{Lo: math.MinInt32, Hi: math.MaxInt32, Ordered: orderedByID(q)}
		if len(q.Order) > 0 && q.Order[0].Field == IDField {
			p.Descending = q.Order[0].Descending
		}
		switch f.Op {
		case Eq:
			id, err := idOf(f.Value)
			if err != nil {
				return nil, false, err
			}
			p.Kind = PrimaryKeyRange
			p.Lo, p.Hi = id, id
		case GT:
			id, err := idOf(f.Value)
			if err != nil {
				return nil, false, err
			}
			p.Kind = PrimaryKeyRange
			if id == math.MaxInt32 {
				p.Lo, p.Hi = 1, 0 // empty
			} else {
				p.Lo = id + 1
			}
		case GTE:
			id, err := idOf(f.Value)
			if err != nil {
				return nil, false, err
			}
			p.Kind = PrimaryKeyRange
			p.Lo = id
		case LT:
			id, err := idOf(f.Value)
			if err != nil {
				return nil, false, err
			}
			p.Kind = PrimaryKeyRange
			if id == math.MinInt32 {
				p.Lo, p.Hi = 1, 0
			} else {
				p.Hi = id - 1
			}
		case LTE:
			id, err := idOf(f.Value)
			if err != nil {
				return nil, false, err
			}
			p.Kind = PrimaryKeyRange
			p.Hi = id
		case Between:
			lo, err := idOf(f.Value)
			if err != nil {
				return nil, false, err
			}
			hi, err := idOf(f.High)
			if err != nil {
				return nil, false, err
			}
			p.Kind = PrimaryKeyRange
			p.Lo, p.Hi = lo, hi
		case In:
			p.Kind = PrimaryKeyMultiPoint
			for _, v := range f.Values {
				id, err := idOf(v)
				if err != nil {
					return nil, false, err
				}
				p.Points = append(p.Points, id)
			}
		default:
			continue
		}
		p.Consumed = []int{i}
		return p, true, nil
	}
	return nil, false, nil
}

func idOf(v index.Value) (int32, error) {
	switch v.Kind {
	case index.KindInt:
		return int32(v.Int), nil
	case index.KindFloat:
		return int32(v.Float), nil
	}
	return 0, fmt.Errorf("query: %v is not a document id", v.Kind)
}

// rangeable reports whether an operator can drive an index range.
func rangeable(op Op) bool {
	switch op {
	case GT, GTE, LT, LTE, Between:
		return true
	}
	return false
}

func filterOn(q *Query, field string) (int, *Filter) {
	for i := range q.Filters {
		if q.Filters[i].Field == field {
			return i, &q.Filters[i]
		}
	}
	return -1, nil
}

func planSecondary(q *Query, entry *catalog.Entry) *Plan {
	if entry == nil {
		return nil
	}
	var best *Plan
	bestScore := 0

	for pos := range entry.Indexes {
		def := &entry.Indexes[pos]
		var score int
		var p *Plan
		var err error
		if len(def.Fields) == 1 {
			score, p, err = scoreSingle(q, def, pos)
		} else {
			score, p, err = scoreCompound(q, def, pos)
		}
		if err != nil || p == nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	return best
}

func scoreSingle(q *Query, def *catalog.IndexDef, pos int) (int, *Plan, error) {
	field := def.Fields[0]
	fidx, f := filterOn(q, field.Name)
	if f == nil {
		return 0, nil, nil
	}

	score := 0
	switch f.Op {
	case Eq:
		score = 10
	case In:
		score = 8
	case StartsWith:
		score = 7
	case Between, GT, GTE, LT, LTE:
		score = 5
	default:
		return 0, nil, nil
	}
	if len(q.Order) > 0 && q.Order[0].Field == field.Name {
		score += 3
	}

	p := &Plan{Kind: SecondaryIndexScan, IndexPos: pos, Index: def, Consumed: []int{fidx}}
	p.Ordered = len(q.Order) == 0 ||
		(len(q.Order) == 1 && q.Order[0].Field == field.Name)
	if len(q.Order) == 1 && q.Order[0].Field == field.Name {
		p.Descending = q.Order[0].Descending
	}

	switch f.Op {
	case Eq:
		key, err := encodeField(f.Value, field.Type)
		if err != nil {
			return 0, nil, err
		}
		p.Scan = ExactMatch
		p.Start = key
	case In:
		p.Scan = MultiExact
		p.Ordered = len(q.Order) == 0
		for _, v := range f.Values {
			key, err := encodeField(v, field.Type)
			if err != nil {
				return 0, nil, err
			}
			p.Keys = append(p.Keys, key)
		}
	case StartsWith:
		if f.Value.Kind != index.KindString {
			return 0, nil, nil
		}
		// Prefix bytes without the string terminator.
		enc := index.AppendValue(nil, f.Value)
		p.Scan = PrefixMatch
		p.Prefix = enc[:len(enc)-1]
	case Between:
		start, err := encodeField(f.Value, field.Type)
		if err != nil {
			return 0, nil, err
		}
		end, err := encodeField(f.High, field.Type)
		if err != nil {
			return 0, nil, err
		}
		p.Scan = RangeScan
		p.Start, p.End = start, end
		p.InclStart, p.InclEnd = true, true
	case GT, GTE:
		key, err := encodeField(f.Value, field.Type)
		if err != nil {
			return 0, nil, err
		}
		p.Scan = RangeScan
		p.Start = key
		p.InclStart = f.Op == GTE
	case LT, LTE:
		key, err := encodeField(f.Value, field.Type)
		if err != nil {
			return 0, nil, err
		}
		p.Scan = RangeScan
		// Null sorts below every real value; start just above it with an
		// exclusive bound so null entries never match the range.
		p.Start = index.AppendValue(nil, index.Null())
		p.InclStart = false
		p.End = key
		p.InclEnd = f.Op == LTE
	}
	return score, p, nil
}

// scoreCompound walks index fields left to right, consuming equality
// filters and at most one trailing range, per the compound scoring rule.
func scoreCompound(q *Query, def *catalog.IndexDef, pos int) (int, *Plan, error) {
	eqCount := 0
	var prefix []byte
	var consumed []int
	var rangeFilter *Filter
	var rangeField *catalog.IndexField

	for i := range def.Fields {
		field := &def.Fields[i]
		fidx, f := filterOn(q, field.Name)
		if f == nil {
			break
		}
		if f.Op == Eq {
			key, err := encodeField(f.Value, field.Type)
			if err != nil {
				return 0, nil, err
			}
			prefix = append(prefix, key...)
			consumed = append(consumed, fidx)
			eqCount++
			continue
		}
		if rangeable(f.Op) {
			rangeFilter = f
			rangeField = field
			consumed = append(consumed, fidx)
		}
		break
	}
	if eqCount == 0 && rangeFilter == nil {
		return 0, nil, nil
	}

	score := 10 * eqCount
	if rangeFilter != nil {
		score += 5
	}

	// Order-by alignment: the next index field after the consumed
	// equality prefix, or the leading field.
	ordered := len(q.Order) == 0
	if len(q.Order) == 1 {
		next := ""
		if eqCount < len(def.Fields) {
			next = def.Fields[eqCount].Name
		}
		if q.Order[0].Field == next || q.Order[0].Field == def.Fields[0].Name {
			score += 3
			ordered = true
		}
	}
	if score == 0 {
		return 0, nil, nil
	}

	p := &Plan{
		Kind:     SecondaryIndexScan,
		IndexPos: pos,
		Index:    def,
		Prefix:   prefix,
		Ordered:  ordered,
		Consumed: consumed,
	}
	if len(q.Order) == 1 && ordered {
		p.Descending = q.Order[0].Descending
	}

	if rangeFilter == nil {
		if eqCount == len(def.Fields) {
			p.Scan = ExactMatch
			p.Start = prefix
		} else {
			p.Scan = PrefixMatch
		}
		return score, p, nil
	}

	p.Scan = PrefixRangeScan
	switch rangeFilter.Op {
	case Between:
		start, err := encodeField(rangeFilter.Value, rangeField.Type)
		if err != nil {
			return 0, nil, err
		}
		end, err := encodeField(rangeFilter.High, rangeField.Type)
		if err != nil {
			return 0, nil, err
		}
		p.Start, p.End = start, end
		p.InclStart, p.InclEnd = true, true
	case GT, GTE:
		key, err := encodeField(rangeFilter.Value, rangeField.Type)
		if err != nil {
			return 0, nil, err
		}
		p.Start = key
		p.InclStart = rangeFilter.Op == GTE
	case LT, LTE:
		key, err := encodeField(rangeFilter.Value, rangeField.Type)
		if err != nil {
			return 0, nil, err
		}
		p.Start = index.AppendValue(nil, index.Null())
		p.InclStart = false
		p.End = key
		p.InclEnd = rangeFilter.Op == LTE
	}
	return score, p, nil
}

func encodeField(v index.Value, want index.Kind) ([]byte, error) {
	coerced, err := index.Coerce(v, want)
	if err != nil {
		return nil, err
	}
	return index.AppendValue(nil, coerced), nil
}
