package sqlstore

import (
	"database/sql"
	"log/slog"

	"github.com/satishbabariya/persist-go/persist"
)

// queryResult implements persist.QueryResult over database/sql rows. The
// driver's cursor is forward-only; scanned raw rows are buffered so that
// absolute and relative repositioning work like on a scrollable cursor.
type queryResult struct {
	storage    *Storage
	mapping    persist.Mapping
	rows       *sql.Rows
	childQuery bool
	depth      int

	attrCount  int
	childCount int

	// buffer holds the raw rows scanned so far; position is the index of
	// the row the next call to Next will deliver.
	buffer    [][]interface{}
	position  int
	exhausted bool

	pending         bool
	pendingIndex    int
	pendingRelative bool

	staged []interface{}
}

func newQueryResult(storage *Storage, mapping persist.Mapping, rows *sql.Rows, offset int, childQuery bool, depth int) *queryResult {
	childCount := 0
	if !mapping.Relations().DisableChildCounts {
		childCount = len(mapping.ChildMappings())
	}

	return &queryResult{
		storage:    storage,
		mapping:    mapping,
		rows:       rows,
		childQuery: childQuery,
		depth:      depth,
		attrCount:  len(mapping.Attributes()),
		childCount: childCount,
		position:   offset,
	}
}

// Close implements persist.QueryResult.
func (r *queryResult) Close() {
	if r.rows != nil {
		if err := r.rows.Close(); err != nil {
			slog.Warn("closing result rows failed", "error", err)
		}
		r.rows = nil
	}
}

// SetPosition implements persist.QueryResult. The new position takes
// effect on the next HasNext call.
func (r *queryResult) SetPosition(index int, relative bool) error {
	r.pending = true
	r.pendingIndex = index
	r.pendingRelative = relative
	return nil
}

// HasNext implements persist.QueryResult. A pending repositioning is
// resolved here: relative positions move from the current position,
// absolute positions address the result from the start, or from the end
// when negative.
func (r *queryResult) HasNext() (bool, error) {
	if r.pending {
		r.pending = false

		if r.pendingRelative {
			r.position += r.pendingIndex
		} else if r.pendingIndex >= 0 {
			r.position = r.pendingIndex
		} else {
			if err := r.fetchAll(); err != nil {
				return false, err
			}
			r.position = len(r.buffer) + r.pendingIndex
		}
	}

	if r.position < 0 {
		r.staged = nil
		return false, nil
	}

	if err := r.fetchThrough(r.position); err != nil {
		return false, err
	}
	if r.position >= len(r.buffer) {
		r.staged = nil
		return false, nil
	}

	r.staged = r.buffer[r.position]
	return true, nil
}

// Next implements persist.QueryResult: the staged row is materialized into
// an object, the object is marked persistent and, within the query depth,
// its lazy child lists are installed.
func (r *queryResult) Next() (interface{}, error) {
	if r.staged == nil {
		return nil, persist.NewError("no current result row, call HasNext first", nil)
	}

	values := r.staged[:r.attrCount]
	var childCounts []int
	if r.childCount > 0 {
		childCounts = make([]int, r.childCount)
		for i := 0; i < r.childCount; i++ {
			childCounts[i] = asInt(r.staged[r.attrCount+i])
		}
	}

	obj, err := r.mapping.CreateObject(values, r.childQuery)
	if err != nil {
		return nil, err
	}

	r.position++
	r.staged = nil

	// read children down to the query depth, but only for objects that
	// were not already persistent: a persistent object came from a cache
	// and is complete
	if !persist.HasPersistentFlag(obj) {
		persist.MarkPersistent(obj)

		if r.depth > 0 {
			if err := r.readChildren(obj, r.depth-1, childCounts); err != nil {
				return nil, err
			}
		}
	}

	return obj, nil
}

// fetchThrough scans rows until the buffer covers the given index or the
// cursor is exhausted.
func (r *queryResult) fetchThrough(index int) error {
	for !r.exhausted && len(r.buffer) <= index {
		if err := r.fetchOne(); err != nil {
			return err
		}
	}
	return nil
}

func (r *queryResult) fetchAll() error {
	for !r.exhausted {
		if err := r.fetchOne(); err != nil {
			return err
		}
	}
	return nil
}

func (r *queryResult) fetchOne() error {
	if r.rows == nil || !r.rows.Next() {
		r.exhausted = true
		if r.rows != nil {
			if err := r.rows.Err(); err != nil {
				return persist.NewError("reading result row failed", err)
			}
		}
		return nil
	}

	columns := r.attrCount + r.childCount
	row := make([]interface{}, columns)
	pointers := make([]interface{}, columns)
	for i := range row {
		pointers[i] = &row[i]
	}

	if err := r.rows.Scan(pointers...); err != nil {
		return persist.NewError("scanning result row failed", err)
	}

	r.buffer = append(r.buffer, row)
	return nil
}

// readChildren installs a lazy child list on the given parent object for
// every child mapping. With child-count columns enabled a zero count skips
// the installation entirely; otherwise the list size stays unknown until
// first access.
func (r *queryResult) readChildren(parent interface{}, depth int, childCounts []int) error {
	children := r.mapping.ChildMappings()
	if len(children) == 0 {
		return nil
	}

	idAttr := r.mapping.IDAttribute()
	if idAttr == nil {
		return persist.NewMappingError("no id attribute defined in %s", r.mapping.MappedType())
	}
	parentID, err := r.mapping.AttributeValue(parent, idAttr)
	if err != nil {
		return err
	}

	for i, childMapping := range children {
		count := -1
		if childCounts != nil {
			count = childCounts[i]
		}
		if count == 0 {
			continue
		}

		childQuery, err := childQueryPredicate(r.mapping, childMapping, parentID, depth)
		if err != nil {
			return err
		}

		list, err := r.mapping.NewChildList(childMapping)
		if err != nil {
			return err
		}

		parentMapping := r.mapping
		mapping := childMapping
		list.Bind(r.storage.Definition(), childQuery, count, func(elements []interface{}) {
			if err := parentMapping.InitChildren(parent, elements, mapping); err != nil {
				panic(&persist.RuntimeError{Err: err})
			}
		})

		if err := r.mapping.SetChildren(parent, list, childMapping); err != nil {
			return err
		}
	}
	return nil
}

// childQueryPredicate builds the query for the children of a parent object
// in a hierarchical or master-detail relationship. If the child type also
// has a self-hierarchy, only its root objects are queried.
func childQueryPredicate(parentMapping, childMapping persist.Mapping, parentID interface{}, depth int) (*persist.QueryPredicate, error) {
	parentAttr := childMapping.ParentAttribute(parentMapping)
	if parentAttr == nil {
		return nil, persist.NewMappingError("no parent attribute for %s in %s",
			parentMapping.MappedType(), childMapping.MappedType())
	}

	criteria := persist.Predicate(persist.IfAttribute(childMapping, parentAttr, persist.EqualTo(parentID)))

	if parentMapping != childMapping {
		if selfAttr := childMapping.ParentAttribute(childMapping); selfAttr != nil {
			criteria = persist.And(criteria,
				persist.IfAttribute(childMapping, selfAttr, persist.IsNull()))
		}
	}

	return persist.ForType(childMapping.MappedType(), criteria).
		WithDepth(depth).
		AsChildQuery(), nil
}

func asInt(value interface{}) int {
	switch v := value.(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case nil:
		return -1
	default:
		return -1
	}
}
