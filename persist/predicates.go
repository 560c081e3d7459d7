package persist

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Predicate is a node in the query criteria tree. Predicates can be
// evaluated in memory against candidate objects and are compiled into the
// storage's native query language when used in a query. Equality between
// predicates is structural.
type Predicate interface {
	// Evaluate applies the predicate to a value.
	Evaluate(value interface{}) bool

	// Equals reports structural equality with another predicate.
	Equals(other Predicate) bool

	String() string
}

// ComparisonOp identifies a comparison operator.
type ComparisonOp string

const (
	OpEqual          ComparisonOp = "="
	OpLessThan       ComparisonOp = "<"
	OpLessOrEqual    ComparisonOp = "<="
	OpGreaterThan    ComparisonOp = ">"
	OpGreaterOrEqual ComparisonOp = ">="
	OpElementOf      ComparisonOp = "IN"
)

// Comparison compares an input value with a fixed compare value.
type Comparison struct {
	Op    ComparisonOp
	Value interface{}
}

// EqualTo matches values equal to the argument. A nil argument matches NULL
// values in storage queries.
func EqualTo(value interface{}) *Comparison { return &Comparison{Op: OpEqual, Value: value} }

// IsNull matches NULL attribute values.
func IsNull() *Comparison { return &Comparison{Op: OpEqual, Value: nil} }

// LessThan matches values below the argument.
func LessThan(value interface{}) *Comparison { return &Comparison{Op: OpLessThan, Value: value} }

// LessOrEqual matches values below or equal to the argument.
func LessOrEqual(value interface{}) *Comparison {
	return &Comparison{Op: OpLessOrEqual, Value: value}
}

// GreaterThan matches values above the argument.
func GreaterThan(value interface{}) *Comparison {
	return &Comparison{Op: OpGreaterThan, Value: value}
}

// GreaterOrEqual matches values above or equal to the argument.
func GreaterOrEqual(value interface{}) *Comparison {
	return &Comparison{Op: OpGreaterOrEqual, Value: value}
}

// ElementOf matches values contained in the argument collection. The
// collection expands to one placeholder per element in storage queries.
func ElementOf(values ...interface{}) *Comparison {
	return &Comparison{Op: OpElementOf, Value: values}
}

// Evaluate applies the comparison to a value.
func (c *Comparison) Evaluate(value interface{}) bool {
	switch c.Op {
	case OpEqual:
		return valuesEqual(value, c.Value)
	case OpElementOf:
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(value, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	default:
		ord, ok := compareOrdered(value, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLessThan:
			return ord < 0
		case OpLessOrEqual:
			return ord <= 0
		case OpGreaterThan:
			return ord > 0
		case OpGreaterOrEqual:
			return ord >= 0
		}
		return false
	}
}

// Equals implements Predicate.
func (c *Comparison) Equals(other Predicate) bool {
	o, ok := other.(*Comparison)
	return ok && c.Op == o.Op && valuesEqual(c.Value, o.Value)
}

func (c *Comparison) String() string {
	return fmt.Sprintf("%s %v", c.Op, c.Value)
}

// LikePredicate compares string values against a SQL LIKE pattern. When
// evaluated in memory the pattern is translated into a regular expression by
// replacing "%" with ".*" and "_" with ".". A fuzzy instance compiles to the
// storage's configured fuzzy-search function instead of LIKE.
type LikePredicate struct {
	Pattern string
	Fuzzy   bool
}

// Like matches values against a SQL LIKE pattern.
func Like(pattern string) *LikePredicate { return &LikePredicate{Pattern: pattern} }

// SimilarTo matches values that are phonetically similar to the given value
// by applying the storage's fuzzy-search function.
func SimilarTo(value string) *LikePredicate {
	return &LikePredicate{Pattern: value, Fuzzy: true}
}

// ConvertLikeToRegex translates a SQL LIKE pattern into a regular
// expression.
func ConvertLikeToRegex(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "%", ".*")
	pattern = strings.ReplaceAll(pattern, "_", ".")
	return pattern
}

// Evaluate matches the full input string against the translated pattern.
func (l *LikePredicate) Evaluate(value interface{}) bool {
	matched, err := regexp.MatchString("^(?:"+ConvertLikeToRegex(l.Pattern)+")$", fmt.Sprint(value))
	return err == nil && matched
}

// Equals implements Predicate.
func (l *LikePredicate) Equals(other Predicate) bool {
	o, ok := other.(*LikePredicate)
	return ok && l.Pattern == o.Pattern && l.Fuzzy == o.Fuzzy
}

func (l *LikePredicate) String() string {
	if l.Fuzzy {
		return fmt.Sprintf("SIMILAR TO %q", l.Pattern)
	}
	return fmt.Sprintf("LIKE %q", l.Pattern)
}

// ElementPredicate applies a value predicate to one element of the input
// object: a field identified by name, an attribute descriptor or a function
// expression.
type ElementPredicate struct {
	// Elem is a field name (string), an *Attribute or a Function.
	Elem interface{}

	// Criteria is applied to the element value.
	Criteria Predicate

	mapping Mapping
}

// IfField applies a value predicate to a named field of the queried type.
func IfField(field string, criteria Predicate) *ElementPredicate {
	return &ElementPredicate{Elem: field, Criteria: criteria}
}

// IfAttribute applies a value predicate to an attribute of a storage
// mapping.
func IfAttribute(mapping Mapping, attr *Attribute, criteria Predicate) *ElementPredicate {
	return &ElementPredicate{Elem: attr, Criteria: criteria, mapping: mapping}
}

// Evaluate reads the element value from the input object and applies the
// inner criteria.
func (e *ElementPredicate) Evaluate(value interface{}) bool {
	elem, err := resolveElement(value, e.Elem, e.mapping)
	if err != nil {
		return false
	}
	return e.Criteria.Evaluate(elem)
}

// Equals implements Predicate.
func (e *ElementPredicate) Equals(other Predicate) bool {
	o, ok := other.(*ElementPredicate)
	return ok && elementsEqual(e.Elem, o.Elem) && e.Criteria.Equals(o.Criteria)
}

func (e *ElementPredicate) String() string {
	return fmt.Sprintf("%v %s", e.Elem, e.Criteria)
}

// SortKey defines the ordering of query results on an element. It has a
// declarative purpose only and always evaluates to TRUE; storages translate
// it into their native ordering clause.
type SortKey struct {
	// Elem is a field name (string), an *Attribute or a Function.
	Elem      interface{}
	Ascending bool
}

// SortBy creates an ascending sort key for a field.
func SortBy(field string) *SortKey { return &SortKey{Elem: field, Ascending: true} }

// SortByDescending creates a descending sort key for a field.
func SortByDescending(field string) *SortKey { return &SortKey{Elem: field} }

// SortByAttribute creates a sort key for an attribute descriptor.
func SortByAttribute(attr *Attribute, ascending bool) *SortKey {
	return &SortKey{Elem: attr, Ascending: ascending}
}

// Evaluate always returns TRUE.
func (s *SortKey) Evaluate(interface{}) bool { return true }

// Equals implements Predicate.
func (s *SortKey) Equals(other Predicate) bool {
	o, ok := other.(*SortKey)
	return ok && elementsEqual(s.Elem, o.Elem) && s.Ascending == o.Ascending
}

func (s *SortKey) String() string {
	dir := "DESC"
	if s.Ascending {
		dir = "ASC"
	}
	return fmt.Sprintf("SORT BY %v %s", s.Elem, dir)
}

// Join combines two predicates with a boolean connective.
type Join struct {
	Or          bool
	Left, Right Predicate
}

// And matches when all argument predicates match.
func And(left, right Predicate, more ...Predicate) Predicate {
	result := Predicate(&Join{Left: left, Right: right})
	for _, p := range more {
		result = &Join{Left: result, Right: p}
	}
	return result
}

// Or matches when at least one argument predicate matches.
func Or(left, right Predicate, more ...Predicate) Predicate {
	result := Predicate(&Join{Or: true, Left: left, Right: right})
	for _, p := range more {
		result = &Join{Or: true, Left: result, Right: p}
	}
	return result
}

// Evaluate implements Predicate.
func (j *Join) Evaluate(value interface{}) bool {
	if j.Or {
		return j.Left.Evaluate(value) || j.Right.Evaluate(value)
	}
	return j.Left.Evaluate(value) && j.Right.Evaluate(value)
}

// Equals implements Predicate.
func (j *Join) Equals(other Predicate) bool {
	o, ok := other.(*Join)
	return ok && j.Or == o.Or && j.Left.Equals(o.Left) && j.Right.Equals(o.Right)
}

func (j *Join) String() string {
	op := "AND"
	if j.Or {
		op = "OR"
	}
	return fmt.Sprintf("(%s %s %s)", j.Left, op, j.Right)
}

// NotPredicate negates an inner predicate. Storages fold the negation into
// leaf comparisons where possible.
type NotPredicate struct {
	Inner Predicate
}

// Not negates a predicate. A double negation returns the original predicate.
func Not(p Predicate) Predicate {
	if n, ok := p.(*NotPredicate); ok {
		return n.Inner
	}
	return &NotPredicate{Inner: p}
}

// Evaluate implements Predicate.
func (n *NotPredicate) Evaluate(value interface{}) bool { return !n.Inner.Evaluate(value) }

// Equals implements Predicate.
func (n *NotPredicate) Equals(other Predicate) bool {
	o, ok := other.(*NotPredicate)
	return ok && n.Inner.Equals(o.Inner)
}

func (n *NotPredicate) String() string { return "NOT " + n.Inner.String() }

// FunctionPredicate applies a value predicate to the result of a function
// expression over the input object.
type FunctionPredicate struct {
	Fn       Function
	Criteria Predicate
}

// IfFunction applies a value predicate to the result of a function
// expression.
func IfFunction(fn Function, criteria Predicate) *FunctionPredicate {
	return &FunctionPredicate{Fn: fn, Criteria: criteria}
}

// Evaluate implements Predicate.
func (f *FunctionPredicate) Evaluate(value interface{}) bool {
	result, err := f.Fn.Apply(value)
	if err != nil {
		return false
	}
	return f.Criteria.Evaluate(result)
}

// Equals implements Predicate.
func (f *FunctionPredicate) Equals(other Predicate) bool {
	o, ok := other.(*FunctionPredicate)
	return ok && f.Fn.Equals(o.Fn) && f.Criteria.Equals(o.Criteria)
}

func (f *FunctionPredicate) String() string {
	return fmt.Sprintf("%s %s", f.Fn, f.Criteria)
}

type alwaysTrue struct{}

func (alwaysTrue) Evaluate(interface{}) bool { return true }

func (alwaysTrue) Equals(other Predicate) bool {
	_, ok := other.(alwaysTrue)
	return ok
}

func (alwaysTrue) String() string { return "TRUE" }

// AlwaysTrue is the predicate that matches everything. Querying a type
// without criteria uses it implicitly.
var AlwaysTrue Predicate = alwaysTrue{}

// resolveElement reads the element addressed by an element descriptor from
// an object.
func resolveElement(obj, elem interface{}, mapping Mapping) (interface{}, error) {
	switch e := elem.(type) {
	case string:
		return readField(obj, e)
	case *Attribute:
		if mapping != nil {
			return mapping.AttributeValue(obj, e)
		}
		return readField(obj, e.Name)
	case Function:
		return e.Apply(obj)
	default:
		return nil, NewMappingError("unsupported element descriptor: %v", elem)
	}
}

// readField reads a struct field by name, matching the exported field whose
// lower-cased name equals the given name.
func readField(obj interface{}, name string) (interface{}, error) {
	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, NewMappingError("nil object")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, NewMappingError("not a struct: %T", obj)
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i).Interface(), nil
		}
	}
	return nil, NewMappingError("no field %q in %s", name, t)
}

func elementsEqual(a, b interface{}) bool {
	if fa, ok := a.(Function); ok {
		fb, ok := b.(Function)
		return ok && fa.Equals(fb)
	}
	return a == b
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	if ord, ok := compareOrdered(a, b); ok {
		return ord == 0
	}
	return false
}

// compareOrdered compares two values of ordered kinds (numbers and
// strings), tolerating differing numeric widths.
func compareOrdered(a, b interface{}) (int, bool) {
	av, aok := toFloat(a)
	bv, bok := toFloat(b)
	if aok && bok {
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
