package persist

import (
	"fmt"
	"reflect"
	"strings"
)

// Function is an expression over attribute or object values that storages
// can translate into native function calls. Functions compose through
// Chain.
type Function interface {
	// Apply evaluates the function in memory.
	Apply(value interface{}) (interface{}, error)

	// Equals reports structural equality with another function.
	Equals(other Function) bool

	String() string
}

// ToLowerFn converts string values to lower case.
type ToLowerFn struct{}

// ToLower returns the lower-case string function.
func ToLower() Function { return ToLowerFn{} }

// Apply implements Function.
func (ToLowerFn) Apply(value interface{}) (interface{}, error) {
	return strings.ToLower(fmt.Sprint(value)), nil
}

// Equals implements Function.
func (ToLowerFn) Equals(other Function) bool { _, ok := other.(ToLowerFn); return ok }

func (ToLowerFn) String() string { return "LOWER" }

// ToUpperFn converts string values to upper case.
type ToUpperFn struct{}

// ToUpper returns the upper-case string function.
func ToUpper() Function { return ToUpperFn{} }

// Apply implements Function.
func (ToUpperFn) Apply(value interface{}) (interface{}, error) {
	return strings.ToUpper(fmt.Sprint(value)), nil
}

// Equals implements Function.
func (ToUpperFn) Equals(other Function) bool { _, ok := other.(ToUpperFn); return ok }

func (ToUpperFn) String() string { return "UPPER" }

// CastFn converts values to a target datatype.
type CastFn struct {
	Type reflect.Type
}

// Cast returns a function that converts values to the given datatype.
func Cast(t reflect.Type) Function { return CastFn{Type: t} }

// Apply implements Function.
func (c CastFn) Apply(value interface{}) (interface{}, error) {
	rv := reflect.ValueOf(value)
	if rv.IsValid() && rv.Type().ConvertibleTo(c.Type) {
		return rv.Convert(c.Type).Interface(), nil
	}
	return nil, NewMappingError("cannot cast %T to %s", value, c.Type)
}

// Equals implements Function.
func (c CastFn) Equals(other Function) bool {
	o, ok := other.(CastFn)
	return ok && c.Type == o.Type
}

func (c CastFn) String() string { return fmt.Sprintf("CAST(%s)", c.Type) }

// SubstringFn extracts a substring by zero-based begin and end index. An
// end index of -1 extends to the end of the string.
type SubstringFn struct {
	Begin, End int
}

// Substring returns a function extracting the substring [begin, end). Pass
// -1 as end to extend to the end of the input.
func Substring(begin, end int) Function { return SubstringFn{Begin: begin, End: end} }

// Apply implements Function.
func (s SubstringFn) Apply(value interface{}) (interface{}, error) {
	str := fmt.Sprint(value)
	if s.Begin < 0 || s.Begin > len(str) {
		return nil, NewMappingError("substring begin index %d out of range", s.Begin)
	}
	if s.End < 0 {
		return str[s.Begin:], nil
	}
	if s.End < s.Begin || s.End > len(str) {
		return nil, NewMappingError("substring end index %d out of range", s.End)
	}
	return str[s.Begin:s.End], nil
}

// Equals implements Function.
func (s SubstringFn) Equals(other Function) bool {
	o, ok := other.(SubstringFn)
	return ok && s == o
}

func (s SubstringFn) String() string { return fmt.Sprintf("SUBSTRING(%d,%d)", s.Begin, s.End) }

// ChainFn applies the inner function first and the outer function to its
// result.
type ChainFn struct {
	Outer, Inner Function
}

// Chain composes two functions, applying inner before outer.
func Chain(outer, inner Function) Function { return ChainFn{Outer: outer, Inner: inner} }

// Apply implements Function.
func (c ChainFn) Apply(value interface{}) (interface{}, error) {
	inner, err := c.Inner.Apply(value)
	if err != nil {
		return nil, err
	}
	return c.Outer.Apply(inner)
}

// Equals implements Function.
func (c ChainFn) Equals(other Function) bool {
	o, ok := other.(ChainFn)
	return ok && c.Outer.Equals(o.Outer) && c.Inner.Equals(o.Inner)
}

func (c ChainFn) String() string { return fmt.Sprintf("%s(%s)", c.Outer, c.Inner) }

// ReadFieldFn reads a named field from the input object.
type ReadFieldFn struct {
	Name string
}

// ReadField returns a function reading a named field from input objects.
func ReadField(name string) Function { return ReadFieldFn{Name: name} }

// Apply implements Function.
func (r ReadFieldFn) Apply(value interface{}) (interface{}, error) {
	return readField(value, r.Name)
}

// Equals implements Function.
func (r ReadFieldFn) Equals(other Function) bool {
	o, ok := other.(ReadFieldFn)
	return ok && r.Name == o.Name
}

func (r ReadFieldFn) String() string { return r.Name }
