package galdr

import (
	"context"
	"fmt"

	"github.com/rthomasv3/galdrdb/pkg/query"
)

// Document is one query result: the assigned id and the stored bytes.
// Decode the bytes with the database codec (or DecodeInto).
type Document struct {
	ID   int32
	Data []byte

	decode func(data []byte, into any) error
}

// DecodeInto unmarshals the document bytes into the target.
func (d *Document) DecodeInto(into any) error {
	return d.decode(d.Data, into)
}

type builtQuery struct {
	q   query.Query
	err error
}

// QueryBuilder accumulates filters, ordering and pagination, then runs
// the planner and executor on a terminal call.
type QueryBuilder struct {
	built builtQuery
	run   func(ctx context.Context, q *builtQuery) ([]Document, error)
}

func (qb *QueryBuilder) fail(err error) *QueryBuilder {
	if qb.built.err == nil {
		qb.built.err = err
	}
	return qb
}

// Where adds a predicate. Between takes the bounds as value and extra;
// In and NotIn take a slice in value.
func (qb *QueryBuilder) Where(field string, op query.Op, value any, extra ...any) *QueryBuilder {
	f := query.Filter{Field: field, Op: op}

	switch op {
	case query.In, query.NotIn:
		vals, ok := value.([]any)
		if !ok {
			return qb.fail(fmt.Errorf("galdr: %v filter on %q needs a slice", op, field))
		}
		for _, raw := range vals {
			v, err := ToValue(raw)
			if err != nil {
				return qb.fail(err)
			}
			f.Values = append(f.Values, v)
		}
	case query.Between:
		if len(extra) != 1 {
			return qb.fail(fmt.Errorf("galdr: between filter on %q needs an upper bound", field))
		}
		lo, err := ToValue(value)
		if err != nil {
			return qb.fail(err)
		}
		hi, err := ToValue(extra[0])
		if err != nil {
			return qb.fail(err)
		}
		f.Value, f.High = lo, hi
	default:
		v, err := ToValue(value)
		if err != nil {
			return qb.fail(err)
		}
		f.Value = v
	}

	qb.built.q.Filters = append(qb.built.q.Filters, f)
	return qb
}

// OrderBy appends an ordering term.
func (qb *QueryBuilder) OrderBy(field string, descending bool) *QueryBuilder {
	qb.built.q.Order = append(qb.built.q.Order, query.OrderBy{Field: field, Descending: descending})
	return qb
}

// Skip drops the first n results.
func (qb *QueryBuilder) Skip(n int) *QueryBuilder {
	qb.built.q.Skip = n
	return qb
}

// Limit caps the result count.
func (qb *QueryBuilder) Limit(n int) *QueryBuilder {
	qb.built.q.Limit = n
	return qb
}

// ToList executes the query and returns the matching documents.
func (qb *QueryBuilder) ToList(ctx context.Context) ([]Document, error) {
	return qb.run(ctx, &qb.built)
}

// Count executes the query and returns the match count.
func (qb *QueryBuilder) Count(ctx context.Context) (int, error) {
	docs, err := qb.run(ctx, &qb.built)
	return len(docs), err
}

// FirstOrDefault returns the first match, or nil when nothing matches.
func (qb *QueryBuilder) FirstOrDefault(ctx context.Context) (*Document, error) {
	limited := qb.built
	limited.q.Limit = 1
	docs, err := qb.run(ctx, &limited)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return &docs[0], nil
}

// runSessionQuery executes a built query inside an existing session.
func runSessionQuery(ctx context.Context, s *session, collection string, bq *builtQuery) ([]Document, error) {
	if bq.err != nil {
		return nil, bq.err
	}
	q := bq.q
	if q.Limit == 0 {
		q.Limit = -1
	}

	matches, err := s.runQuery(ctx, collection, &q)
	if err != nil {
		return nil, s.db.observeIntegrity(err)
	}
	out := make([]Document, 0, len(matches))
	for _, m := range matches {
		out = append(out, Document{ID: m.ID, Data: m.Doc, decode: s.db.codec.Decode})
	}
	return out, nil
}
