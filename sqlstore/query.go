package sqlstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/satishbabariya/persist-go/persist"
)

const sqlNegation = " NOT "

// CompileWhere compiles a criteria predicate into a WHERE/ORDER BY
// fragment with bind values for a given dialect, without a storage mapping.
// Intended for ad-hoc queries over plain tables; sub-query predicates are
// not supported on this path.
func CompileWhere(params Params, criteria persist.Predicate) (string, []interface{}, error) {
	q := &Query{storage: &Storage{params: params}}

	where, err := q.parseQueryCriteria(nil, criteria)
	if err != nil {
		return "", nil, err
	}

	args, err := q.queryParameters()
	if err != nil {
		return "", nil, err
	}

	return params.rebind(where + q.createOrderCriteria()), args, nil
}

// Long-running queries are logged but not interrupted.
const (
	longQueryInfoThreshold = 1 * time.Second
	longQueryWarnThreshold = 3 * time.Second
)

// Query compiles a query predicate into parameterized SQL and executes it.
// A query may be executed multiple times; closing it closes the active
// result.
type Query struct {
	storage *Storage
	pred    *persist.QueryPredicate
	mapping persist.Mapping

	// criteria is the compiled WHERE clause (with leading " WHERE ") and
	// order the compiled " ORDER BY " clause; both may be empty.
	criteria string
	order    string

	// compareAttributes and compareValues are the parallel vectors of
	// compare attribute descriptors and compare values collected during
	// compilation. The attributes are needed to re-apply the outgoing
	// value mapping at bind time.
	compareAttributes []interface{}
	compareValues     []interface{}

	sortKeys []*persist.SortKey

	depth    int
	hasDepth bool

	statement *sql.Stmt
	current   *queryResult
}

func newQuery(storage *Storage, pred *persist.QueryPredicate) (*Query, error) {
	mapping, err := persist.GetMapping(pred.Type)
	if err != nil {
		return nil, err
	}

	q := &Query{storage: storage, pred: pred, mapping: mapping}

	criteria := pred.Criteria
	if defaults := mapping.DefaultCriteria(pred.Type); defaults != nil {
		if criteria == nil {
			criteria = defaults
		} else {
			criteria = persist.And(criteria, defaults)
		}
	}

	q.criteria, err = q.parseQueryCriteria(mapping, criteria)
	if err != nil {
		return nil, err
	}
	q.order = q.createOrderCriteria()

	// the effective query depth resolves from the predicate, the
	// criteria, then the storage default
	if depth, ok := pred.Depth(); ok {
		q.depth, q.hasDepth = depth, true
	} else if inner, ok := criteria.(*persist.QueryPredicate); ok {
		if depth, ok := inner.Depth(); ok {
			q.depth, q.hasDepth = depth, true
		}
	}
	if !q.hasDepth {
		q.depth, q.hasDepth = storage.DefaultQueryDepth(), true
	}

	return q, nil
}

// Predicate implements persist.Query.
func (q *Query) Predicate() *persist.QueryPredicate { return q.pred }

// Storage implements persist.Query.
func (q *Query) Storage() persist.Storage { return q.storage }

// Close implements persist.Query.
func (q *Query) Close() {
	if q.current != nil {
		q.current.Close()
		q.current = nil
	}
	if q.statement != nil {
		if err := q.statement.Close(); err != nil {
			slog.Warn("closing statement failed", "error", err)
		}
		q.statement = nil
	}
}

// Execute implements persist.Query.
func (q *Query) Execute() (persist.QueryResult, error) {
	if q.statement != nil {
		q.statement.Close()
		q.statement = nil
	}

	offset := q.pred.Offset()
	paging := ""

	if limit, ok := q.pred.Limit(); ok {
		if expr := q.storage.params.PagingExpression; expr != "" {
			paging = " " + fmt.Sprintf(expr, limit, offset)
			offset = 0
		}
	}

	statement := fmt.Sprintf(selectTemplate, q.columnList(q.mapping), q.storage.sqlName(q.mapping, true)) +
		q.criteria + q.order + paging

	slog.Debug("query", "sql", statement, "params", q.compareValues)

	runner, err := q.storage.txRunner()
	if err != nil {
		return nil, err
	}

	prepared, err := runner.PrepareContext(q.storage.ctx, q.storage.params.rebind(statement))
	if err != nil {
		return nil, persist.NewError("preparing query failed", err)
	}
	q.statement = prepared

	params, err := q.queryParameters()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := prepared.QueryContext(q.storage.ctx, params...)
	elapsed := time.Since(start)

	switch {
	case elapsed > longQueryWarnThreshold:
		slog.Warn("long-running query", "sql", statement, "elapsed", elapsed)
	case elapsed > longQueryInfoThreshold:
		slog.Info("long-running query", "sql", statement, "elapsed", elapsed)
	}

	if err != nil {
		return nil, persist.NewError("query execution failed: "+q.pred.String(), err)
	}

	childQuery := q.pred.IsChildQuery()
	if inner, ok := q.pred.Criteria.(*persist.QueryPredicate); ok && inner.IsChildQuery() {
		childQuery = true
	}

	q.current = newQueryResult(q.storage, q.mapping, rows, offset, childQuery, q.depth)
	return q.current, nil
}

// GetDistinct implements persist.Query.
func (q *Query) GetDistinct(attr *persist.Attribute) (map[interface{}]struct{}, error) {
	statement := fmt.Sprintf(selectTemplate,
		"DISTINCT "+q.storage.sqlName(attr, true),
		q.storage.sqlName(q.mapping, true)) + q.criteria

	params, err := q.queryParameters()
	if err != nil {
		return nil, err
	}

	runner, err := q.storage.txRunner()
	if err != nil {
		return nil, err
	}

	rows, err := runner.QueryContext(q.storage.ctx, q.storage.params.rebind(statement), params...)
	if err != nil {
		return nil, persist.NewError("distinct query failed", err)
	}
	defer rows.Close()

	result := map[interface{}]struct{}{}
	for rows.Next() {
		var value interface{}
		if err := rows.Scan(&value); err != nil {
			return nil, persist.NewError("reading distinct value failed", err)
		}
		value, err = q.mapping.CheckAttributeValue(attr, value)
		if err != nil {
			return nil, err
		}
		result[value] = struct{}{}
	}
	return result, rows.Err()
}

// Size implements persist.Query.
func (q *Query) Size() (int, error) {
	statement := fmt.Sprintf(selectTemplate, "COUNT(*)", q.storage.sqlName(q.mapping, true)) +
		q.criteria

	return q.queryInteger(statement)
}

// PositionOf implements persist.Query. Databases without window functions
// yield -1.
func (q *Query) PositionOf(id interface{}) (int, error) {
	if q.mapping.IDAttribute() == nil {
		return -1, persist.NewMappingError("no id attribute defined in %s", q.mapping.MappedType())
	}
	idAttr := q.storage.sqlName(q.mapping.IDAttribute(), true)

	statement := fmt.Sprintf(
		"SELECT row FROM (SELECT row_number() OVER(%s) as row, %s FROM %s%s) AS rownums WHERE %s = ?",
		strings.TrimPrefix(q.order, " "),
		idAttr,
		q.storage.sqlName(q.mapping, true),
		q.criteria,
		idAttr)

	position, err := q.queryInteger(statement, id)
	if err != nil {
		slog.Debug("database does not support the row_number() function", "error", err)
		return -1, nil
	}
	return position - 1, nil
}

// queryInteger runs a query that yields a single integer, binding the
// compiled compare values first and any extra parameters after them.
func (q *Query) queryInteger(statement string, extra ...interface{}) (int, error) {
	params, err := q.queryParameters()
	if err != nil {
		return 0, err
	}
	params = append(params, extra...)

	runner, err := q.storage.txRunner()
	if err != nil {
		return 0, err
	}

	var count int
	row := runner.QueryRowContext(q.storage.ctx, q.storage.params.rebind(statement), params...)
	if err := row.Scan(&count); err != nil {
		return 0, persist.NewError("integer query failed", err)
	}
	return count, nil
}

// queryParameters produces the bind values for the compiled compare
// values, expanding collection values into their elements and applying the
// outgoing value mapping per compare attribute. NULL compare values bind
// nothing; they have been compiled to IS NULL.
func (q *Query) queryParameters() ([]interface{}, error) {
	if len(q.compareAttributes) != len(q.compareValues) {
		return nil, persist.NewMappingError("unbalanced compare attributes and values (%d/%d)",
			len(q.compareAttributes), len(q.compareValues))
	}

	var params []interface{}
	for i, value := range q.compareValues {
		attr := q.attributeOf(q.compareAttributes[i])

		if value == nil {
			continue
		}

		if elements, ok := value.([]interface{}); ok {
			for _, element := range elements {
				mapped, err := q.storage.mapValue(q.mapping, attr, element)
				if err != nil {
					return nil, err
				}
				params = append(params, mapped)
			}
			continue
		}

		mapped, err := q.storage.mapValue(q.mapping, attr, value)
		if err != nil {
			return nil, err
		}
		params = append(params, mapped)
	}
	return params, nil
}

// attributeOf resolves a compare attribute entry to a descriptor where
// possible. Field-name entries resolve through the mapping; unresolvable
// entries map values without attribute context.
func (q *Query) attributeOf(entry interface{}) *persist.Attribute {
	switch v := entry.(type) {
	case *persist.Attribute:
		return v
	case string:
		if named, ok := q.mapping.(interface{ Attribute(string) *persist.Attribute }); ok {
			return named.Attribute(v)
		}
	case persist.ReadFieldFn:
		if named, ok := q.mapping.(interface{ Attribute(string) *persist.Attribute }); ok {
			return named.Attribute(v.Name)
		}
	}
	return nil
}

// parseQueryCriteria compiles a criteria predicate into the WHERE clause.
// The clause is prefixed only if at least one leaf contributed text.
func (q *Query) parseQueryCriteria(mapping persist.Mapping, criteria persist.Predicate) (string, error) {
	q.sortKeys = nil

	if criteria == nil {
		return "", nil
	}

	var b strings.Builder
	if _, err := q.parseCriteria(mapping, "", criteria, &b); err != nil {
		return "", err
	}

	if b.Len() == 0 {
		return "", nil
	}
	return " WHERE " + b.String(), nil
}

// parseCriteria recursively compiles a criteria predicate. The returned
// flag indicates whether the predicate is valid as a join operand; sort
// keys contribute nothing and are collected on the side.
func (q *Query) parseCriteria(mapping persist.Mapping, attribute string, criteria persist.Predicate, b *strings.Builder) (bool, error) {
	negate := false

	if not, ok := criteria.(*persist.NotPredicate); ok {
		criteria = not.Inner
		negate = true
		b.WriteString(sqlNegation)
	}

	switch p := criteria.(type) {
	case *persist.Join:
		return q.parseJoin(mapping, p, b)

	case *persist.ElementPredicate:
		return q.parseElementPredicate(mapping, p, b)

	case *persist.SortKey:
		q.sortKeys = append(q.sortKeys, p)
		return false, nil

	case *persist.FunctionPredicate:
		return q.parseFunctionPredicate(mapping, p, b)

	case *persist.QueryPredicate:
		return true, q.parseDetailQuery(mapping, attribute, p, b)

	case *persist.Comparison, *persist.LikePredicate:
		if negate {
			// negations are folded into the comparison operator
			truncateBuilder(b, len(sqlNegation))
		}
		return true, q.parseComparison(p, attribute, b, negate)

	default:
		if criteria.Equals(persist.AlwaysTrue) {
			return false, nil
		}
		return false, persist.NewMappingError("unsupported query predicate: %v", criteria)
	}
}

// parseJoin compiles both sides of a boolean join. A side without text is
// invalid and drops out; only if both sides are valid are parentheses and
// the connective emitted.
func (q *Query) parseJoin(mapping persist.Mapping, join *persist.Join, b *strings.Builder) (bool, error) {
	var left, right strings.Builder

	leftValid, err := q.parseCriteria(mapping, "", join.Left, &left)
	if err != nil {
		return false, err
	}
	rightValid, err := q.parseCriteria(mapping, "", join.Right, &right)
	if err != nil {
		return false, err
	}

	leftValid = leftValid && left.Len() > 0
	rightValid = rightValid && right.Len() > 0
	bothValid := leftValid && rightValid

	if bothValid {
		b.WriteByte('(')
	}
	b.WriteString(left.String())
	if bothValid {
		if join.Or {
			b.WriteString(" OR ")
		} else {
			b.WriteString(" AND ")
		}
	}
	b.WriteString(right.String())
	if bothValid {
		b.WriteByte(')')
	}

	return leftValid || rightValid, nil
}

// parseElementPredicate compiles a predicate on an attribute of the
// queried type. An always-TRUE value predicate contributes nothing.
func (q *Query) parseElementPredicate(mapping persist.Mapping, element *persist.ElementPredicate, b *strings.Builder) (bool, error) {
	value := element.Criteria

	if value == nil || value.Equals(persist.AlwaysTrue) {
		return false, nil
	}

	_, isSubQuery := value.(*persist.QueryPredicate)
	column := q.columnName(element.Elem, !isSubQuery)

	return true, q.parseAttributePredicate(mapping, column, value, b)
}

// parseAttributePredicate dispatches an attribute's value predicate:
// sub-queries lower to IN (SELECT ...), everything else recurses with the
// column as comparison target.
func (q *Query) parseAttributePredicate(mapping persist.Mapping, column string, value persist.Predicate, b *strings.Builder) error {
	if detail, ok := value.(*persist.QueryPredicate); ok {
		return q.parseDetailQuery(mapping, column, detail, b)
	}
	_, err := q.parseCriteria(mapping, column, value, b)
	return err
}

// parseFunctionPredicate compiles a predicate on a function expression.
// Only function chains terminate in an attribute access and are therefore
// compilable.
func (q *Query) parseFunctionPredicate(mapping persist.Mapping, fn *persist.FunctionPredicate, b *strings.Builder) (bool, error) {
	chain, ok := fn.Fn.(persist.ChainFn)
	if !ok {
		return false, persist.NewMappingError("uncompilable function predicate: %v", fn)
	}

	column, err := q.parseFunction(chain)
	if err != nil {
		return false, err
	}
	return true, q.parseAttributePredicate(mapping, column, fn.Criteria, b)
}

// parseFunction renders a function expression as a SQL function call. The
// returned string either is a finished column expression or contains a %s
// placeholder for the column it will be applied to.
func (q *Query) parseFunction(fn persist.Function) (string, error) {
	switch f := fn.(type) {
	case persist.ToLowerFn:
		return "LOWER(%s)", nil

	case persist.ToUpperFn:
		return "UPPER(%s)", nil

	case persist.CastFn:
		return fmt.Sprintf("CAST(%s as %s)", "%s", q.storage.params.mapSQLDatatype(f.Type)), nil

	case persist.SubstringFn:
		// SQL substring indices are 1-based
		if f.End < 0 {
			return fmt.Sprintf("SUBSTRING(%s,%d)", "%s", f.Begin+1), nil
		}
		return fmt.Sprintf("SUBSTRING(%s,%d,%d)", "%s", f.Begin+1, f.End+1), nil

	case persist.ChainFn:
		outer, err := q.parseFunction(f.Outer)
		if err != nil {
			return "", err
		}
		inner, err := q.parseFunction(f.Inner)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(outer, inner), nil

	default:
		return q.columnName(fn, true), nil
	}
}

// parseDetailQuery compiles a sub-query predicate into an IN (SELECT ...)
// expression. For a parent-child relation the outer id is matched against
// the child's parent column; for an object reference the outer attribute
// is matched against the referenced type's id (or a caller-supplied
// attribute function).
func (q *Query) parseDetailQuery(mapping persist.Mapping, attribute string, detail *persist.QueryPredicate, b *strings.Builder) error {
	detailMapping, err := persist.GetMapping(detail.Type)
	if err != nil {
		return err
	}

	parentAttr := detailMapping.ParentAttribute(mapping)
	childTable := q.storage.sqlName(detailMapping, true)

	var mainAttr, detailAttr string

	if parentAttr != nil {
		// parent-child relation:
		// SELECT ... FROM <parent> WHERE <parent-id>
		//   IN (SELECT <parent-column> FROM <child> WHERE <criteria>)
		idAttr := mapping.IDAttribute()
		if idAttr == nil {
			return persist.NewMappingError("no id attribute defined in %s", mapping.MappedType())
		}
		mainAttr = q.storage.sqlName(idAttr, true)
		detailAttr = q.storage.sqlName(parentAttr, true)
	} else {
		// object reference:
		// SELECT ... FROM <main> WHERE <main-attr>
		//   IN (SELECT <id> FROM <detail> WHERE <criteria>)
		mainAttr = attribute

		if detail.Fn != nil {
			detailAttr, err = q.parseFunction(detail.Fn)
			if err != nil {
				return err
			}
			// drop the compare attribute added by parseFunction
			q.compareAttributes = q.compareAttributes[:len(q.compareAttributes)-1]
		} else {
			idAttr := detailMapping.IDAttribute()
			if idAttr == nil {
				return persist.NewMappingError("referenced type %s has no id attribute", detail.Type)
			}
			detailAttr = q.storage.sqlName(idAttr, true)
		}
	}

	b.WriteString(mainAttr)
	b.WriteString(" IN (")
	fmt.Fprintf(b, selectTemplate, detailAttr, childTable)
	if detail.Criteria != nil {
		b.WriteString(" WHERE ")
		if _, err := q.parseCriteria(detailMapping, "", detail.Criteria, b); err != nil {
			return err
		}
	}
	b.WriteByte(')')
	return nil
}

// parseComparison compiles a comparison into "column operator
// placeholder", folding negation into the operator. NULL compare values
// lower to IS [NOT] NULL without a placeholder.
func (q *Query) parseComparison(criteria persist.Predicate, attribute string, b *strings.Builder, negate bool) error {
	var compareValue interface{}

	switch c := criteria.(type) {
	case *persist.LikePredicate:
		compareValue = c.Pattern
	case *persist.Comparison:
		compareValue = normalizeCollection(c.Value)
	}

	placeholders := comparisonPlaceholders(compareValue)
	q.compareValues = append(q.compareValues, compareValue)

	if custom, ok := criteria.(SQLExpressionFormat); ok {
		b.WriteString(custom.FormatSQL(q.storage, attribute, placeholders, negate))
		return nil
	}

	if like, ok := criteria.(*persist.LikePredicate); ok {
		b.WriteString(formatLike(q.storage.params.FuzzySearchFunction,
			attribute, placeholders, like.Fuzzy, negate))
		return nil
	}

	comparison := criteria.(*persist.Comparison)

	b.WriteString(attribute)
	b.WriteByte(' ')

	hasPlaceholder := true

	switch comparison.Op {
	case persist.OpEqual:
		if compareValue != nil {
			if negate {
				b.WriteString("<>")
			} else {
				b.WriteByte('=')
			}
		} else {
			if negate {
				b.WriteString("IS NOT NULL")
			} else {
				b.WriteString("IS NULL")
			}
			hasPlaceholder = false
		}

	case persist.OpElementOf:
		if negate {
			b.WriteString("NOT IN")
		} else {
			b.WriteString("IN")
		}

	case persist.OpLessThan:
		if negate {
			b.WriteString(">=")
		} else {
			b.WriteByte('<')
		}

	case persist.OpLessOrEqual:
		if negate {
			b.WriteByte('>')
		} else {
			b.WriteString("<=")
		}

	case persist.OpGreaterThan:
		if negate {
			b.WriteString("<=")
		} else {
			b.WriteByte('>')
		}

	case persist.OpGreaterOrEqual:
		if negate {
			b.WriteByte('<')
		} else {
			b.WriteString(">=")
		}

	default:
		return persist.NewMappingError("unsupported comparison: %v", comparison)
	}

	if hasPlaceholder {
		b.WriteByte(' ')
		b.WriteString(placeholders)
	}
	return nil
}

// createOrderCriteria renders the collected sort keys in encounter order.
func (q *Query) createOrderCriteria() string {
	if len(q.sortKeys) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(" ORDER BY ")

	for i, key := range q.sortKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(q.storage.sqlName(key.Elem, true))
		if !key.Ascending {
			b.WriteString(" DESC")
		}
	}
	return b.String()
}

// columnList returns the comma-separated select list for a mapping: all
// attribute columns followed by the child-count columns.
func (q *Query) columnList(mapping persist.Mapping) string {
	var b strings.Builder

	for i, attr := range mapping.Attributes() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(q.storage.sqlName(attr, true))
	}

	if !mapping.Relations().DisableChildCounts {
		for _, child := range mapping.ChildMappings() {
			b.WriteByte(',')
			b.WriteString(q.storage.childCountColumn(child))
		}
	}
	return b.String()
}

// columnName resolves an element descriptor to a column name and records
// the descriptor as a compare attribute when it will carry a bind value.
func (q *Query) columnName(elem interface{}, isCompareAttribute bool) string {
	column := q.storage.sqlName(elem, true)
	if isCompareAttribute {
		q.compareAttributes = append(q.compareAttributes, elem)
	}
	return column
}

// normalizeCollection converts typed compare-value slices into the
// []interface{} form that placeholder expansion and parameter binding
// agree on. Strings and byte slices stay scalar.
func normalizeCollection(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if _, ok := value.([]byte); ok {
		return value
	}
	if _, ok := value.([]interface{}); ok {
		return value
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return value
	}
	converted := make([]interface{}, rv.Len())
	for i := range converted {
		converted[i] = rv.Index(i).Interface()
	}
	return converted
}

// comparisonPlaceholders returns the placeholder fragment for a compare
// value; collection values expand to one placeholder per element.
func comparisonPlaceholders(compareValue interface{}) string {
	elements, ok := compareValue.([]interface{})
	if !ok {
		return "?"
	}

	var b strings.Builder
	b.WriteByte('(')
	for i := range elements {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	b.WriteByte(')')
	return b.String()
}

// truncateBuilder removes the trailing n bytes from a string builder.
func truncateBuilder(b *strings.Builder, n int) {
	content := b.String()
	b.Reset()
	b.WriteString(content[:len(content)-n])
}
