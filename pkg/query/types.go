// Package query implements the query planner and executor: given a set
// of per-field predicates and an order-by clause it picks the cheapest
// access path over the primary tree and the collection's secondary
// indexes, then runs scan -> filter -> sort -> paginate.
package query

import (
	"github.com/rthomasv3/galdrdb/pkg/catalog"
	"github.com/rthomasv3/galdrdb/pkg/index"
)

// IDField is the reserved field name addressing the primary key.
const IDField = "Id"

// Op is a filter predicate kind.
type Op int

const (
	Eq Op = iota
	NotEq
	GT
	GTE
	LT
	LTE
	Between
	In
	NotIn
	StartsWith
	EndsWith
	Contains
)

// Filter is one per-field predicate.
type Filter struct {
	Field  string
	Op     Op
	Value  index.Value
	High   index.Value   // Between upper bound
	Values []index.Value // In / NotIn sets
}

// OrderBy is one ordering term.
type OrderBy struct {
	Field      string
	Descending bool
}

// Query is a filter set with ordering and pagination.
type Query struct {
	Filters []Filter
	Order   []OrderBy
	Skip    int
	Limit   int // negative means unlimited
}

// PlanKind identifies the chosen access path.
type PlanKind int

const (
	PrimaryKeyScan PlanKind = iota
	PrimaryKeyRange
	PrimaryKeyMultiPoint
	SecondaryIndexScan
	FullScan
)

// String returns the access path name for logs and metrics.
func (k PlanKind) String() string {
	switch k {
	case PrimaryKeyScan:
		return "primary_scan"
	case PrimaryKeyRange:
		return "primary_range"
	case PrimaryKeyMultiPoint:
		return "primary_multipoint"
	case SecondaryIndexScan:
		return "secondary_index"
	default:
		return "full_scan"
	}
}

// IndexScanKind selects how a secondary index is walked.
type IndexScanKind int

const (
	ExactMatch IndexScanKind = iota
	MultiExact
	PrefixMatch
	RangeScan
	PrefixRangeScan
)

// Plan is a fully resolved access path with precomputed key bytes.
type Plan struct {
	Kind       PlanKind
	Descending bool

	// Primary paths.
	Lo, Hi int32
	Points []int32

	// Secondary index path.
	IndexPos  int
	Index     *catalog.IndexDef
	Scan      IndexScanKind
	Keys      [][]byte // MultiExact point keys
	Prefix    []byte
	Start     []byte
	End       []byte
	InclStart bool
	InclEnd   bool

	// Ordered reports that the scan already yields rows in the query's
	// order-by order (before any Descending reversal).
	Ordered bool

	// Consumed lists the indices of query filters the access path fully
	// answers; the executor re-checks only the residual filters and may
	// push skip/limit into the scan when no residual remains.
	Consumed []int
}
