package persist

import (
	"fmt"
	"math"
	"reflect"
)

// DepthUnlimited is the query depth sentinel for unbounded child
// materialization.
const DepthUnlimited = math.MaxInt32

// QueryPredicate carries the data necessary to query objects of one type
// from a storage: the queried type, a criteria predicate and optional query
// properties (depth, paging, child-query marker). It is itself a predicate
// whose evaluation delegates to its criteria, so it composes uniformly with
// other predicates; embedded as a value predicate it denotes a sub-query.
type QueryPredicate struct {
	// Type is the queried struct type.
	Type reflect.Type

	// Criteria filters the queried objects. A nil criteria matches
	// everything.
	Criteria Predicate

	// Fn optionally names the referenced attribute of a RefersTo
	// sub-query.
	Fn Function

	depth    int
	hasDepth bool
	offset   int
	limit    int
	hasLimit bool
	child    bool
}

// ForType creates a query predicate for a struct type and criteria. A nil
// criteria queries all objects of the type.
func ForType(t reflect.Type, criteria Predicate) *QueryPredicate {
	return &QueryPredicate{Type: indirectType(t), Criteria: criteria}
}

// For creates a query predicate for the type parameter.
func For[T any](criteria Predicate) *QueryPredicate {
	return ForType(reflect.TypeOf((*T)(nil)).Elem(), criteria)
}

// HasChild creates a sub-query predicate on child elements in a
// master-detail relationship. It is intended to be compiled in storage
// queries, not for direct evaluation.
func HasChild(childType reflect.Type, criteria Predicate) *QueryPredicate {
	return ForType(childType, criteria)
}

// RefersTo creates a sub-query predicate on objects referenced by the
// queried type.
func RefersTo(referencedType reflect.Type, criteria Predicate) *QueryPredicate {
	return ForType(referencedType, criteria)
}

// RefersToAttr creates a sub-query predicate on referenced objects,
// matching against the attribute produced by the given function instead of
// the referenced type's id.
func RefersToAttr(referencedType reflect.Type, fn Function, criteria Predicate) *QueryPredicate {
	p := ForType(referencedType, criteria)
	p.Fn = fn
	return p
}

// WithDepth bounds the number of child levels that are materialized
// eagerly.
func (q *QueryPredicate) WithDepth(depth int) *QueryPredicate {
	q.depth = depth
	q.hasDepth = true
	return q
}

// WithOffset skips the given number of leading result rows.
func (q *QueryPredicate) WithOffset(offset int) *QueryPredicate {
	q.offset = offset
	return q
}

// WithLimit bounds the number of result rows.
func (q *QueryPredicate) WithLimit(limit int) *QueryPredicate {
	q.limit = limit
	q.hasLimit = true
	return q
}

// AsChildQuery marks this predicate as a child query, so that queried
// objects are created in child mode.
func (q *QueryPredicate) AsChildQuery() *QueryPredicate {
	q.child = true
	return q
}

// Depth returns the configured query depth and whether one is set.
func (q *QueryPredicate) Depth() (int, bool) { return q.depth, q.hasDepth }

// Offset returns the configured query offset.
func (q *QueryPredicate) Offset() int { return q.offset }

// Limit returns the configured query limit and whether one is set.
func (q *QueryPredicate) Limit() (int, bool) { return q.limit, q.hasLimit }

// IsChildQuery reports whether this predicate queries child objects.
func (q *QueryPredicate) IsChildQuery() bool { return q.child }

// Evaluate applies the criteria of this query predicate to a value.
func (q *QueryPredicate) Evaluate(value interface{}) bool {
	if q.Criteria == nil {
		return true
	}
	return q.Criteria.Evaluate(value)
}

// Equals implements Predicate.
func (q *QueryPredicate) Equals(other Predicate) bool {
	o, ok := other.(*QueryPredicate)
	if !ok || q.Type != o.Type {
		return false
	}
	if q.Criteria == nil || o.Criteria == nil {
		return q.Criteria == o.Criteria
	}
	return q.Criteria.Equals(o.Criteria)
}

func (q *QueryPredicate) String() string {
	return fmt.Sprintf("Query(%s if %v)", q.Type, q.Criteria)
}

// Query is a compiled, re-executable storage query. Closing a query also
// closes its currently active result, so results only need to be closed
// separately when a query is kept for later re-execution.
type Query interface {
	// Execute runs the query and returns a result cursor.
	Execute() (QueryResult, error)

	// GetDistinct returns the distinct values of an attribute within the
	// query criteria.
	GetDistinct(attr *Attribute) (map[interface{}]struct{}, error)

	// Predicate returns the query predicate this query was created from.
	Predicate() *QueryPredicate

	// Storage returns the storage this query runs on.
	Storage() Storage

	// PositionOf determines the zero-based position of the object with
	// the given id in the query result, or -1 if the id does not occur or
	// the storage cannot determine positions.
	PositionOf(id interface{}) (int, error)

	// Size returns the number of objects the query will yield.
	Size() (int, error)

	// Close releases the query and any active result.
	Close()
}

// QueryResult iterates over the objects produced by a query execution.
// HasNext must be called before each Next.
type QueryResult interface {
	// HasNext reports whether another object is available.
	HasNext() (bool, error)

	// Next returns the next object. It may only be called after HasNext
	// reported true.
	Next() (interface{}, error)

	// SetPosition moves the cursor. Absolute positions are zero-based;
	// negative absolute positions count from the end where -1 is the last
	// object. Relative positioning moves from the current position. The
	// repositioning takes effect on the following HasNext call. Returns
	// ErrUnsupported if the storage cannot reposition.
	SetPosition(index int, relative bool) error

	// Close releases the result.
	Close()
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
