// Package parser parses textual filter expressions into query predicates.
// The language covers comparisons, LIKE and fuzzy matching, IN lists,
// NULL tests, boolean combinators with parentheses and an optional ORDER BY
// suffix:
//
//	name = "jones" AND (value > 1 OR value IN (2, 3)) ORDER BY name, value DESC
package parser

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/satishbabariya/persist-go/persist"
)

type filter struct {
	Where *expression `( @@ )?`
	Order []*orderKey `( "ORDER" "BY" @@ ( "," @@ )* )?`
}

type expression struct {
	Or []*andExpr `@@ ( "OR" @@ )*`
}

type andExpr struct {
	And []*notExpr `@@ ( "AND" @@ )*`
}

type notExpr struct {
	Not     *notExpr `"NOT" @@`
	Primary *primary `| @@`
}

type primary struct {
	Sub       *expression `"(" @@ ")"`
	Condition *condition  `| @@`
}

type condition struct {
	Field   string       `@Ident`
	Null    *nullTest    `( @@`
	Similar *similarTest `| @@`
	Like    *likeTest    `| @@`
	In      *inTest      `| @@`
	Cmp     *cmpTest     `| @@ )`
}

type nullTest struct {
	Not  bool `"IS" ( @"NOT" )?`
	Null bool `@"NULL"`
}

type similarTest struct {
	Value string `"SIMILAR" "TO" @String`
}

type likeTest struct {
	Not     bool   `( @"NOT" )?`
	Pattern string `"LIKE" @String`
}

type inTest struct {
	Not    bool     `( @"NOT" )?`
	Values []*value `"IN" "(" @@ ( "," @@ )* ")"`
}

type cmpTest struct {
	Op    string `@Operator`
	Value *value `@@`
}

type value struct {
	Str    *string  `@String`
	Number *float64 `| @Number`
	True   bool     `| @"TRUE"`
	False  bool     `| @"FALSE"`
	Null   bool     `| @"NULL"`
}

type orderKey struct {
	Field string `@Ident`
	Asc   bool   `( @"ASC"`
	Desc  bool   `| @"DESC" )?`
}

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `'(?:[^']|'')*'|"(?:[^"])*"`},
	{Name: "Number", Pattern: `[-+]?\d+(?:\.\d+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_.]*`},
	{Name: "Operator", Pattern: `<=|>=|<>|!=|=|<|>`},
	{Name: "Punct", Pattern: `[(),]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var filterParser = participle.MustBuild[filter](
	participle.Lexer(filterLexer),
	participle.Elide("Whitespace"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(4),
)

// ParseFilter parses a filter expression into a criteria predicate. Sort
// keys from an ORDER BY suffix are joined into the predicate; they always
// evaluate to TRUE and only affect storage-side ordering.
func ParseFilter(input string) (persist.Predicate, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}

	parsed, err := filterParser.ParseString("", input)
	if err != nil {
		return nil, persist.NewMappingError("invalid filter expression: %v", err)
	}

	var result persist.Predicate
	if parsed.Where != nil {
		result = convertExpression(parsed.Where)
	}

	for _, key := range parsed.Order {
		sort := persist.Predicate(&persist.SortKey{Elem: key.Field, Ascending: !key.Desc})
		if result == nil {
			result = sort
		} else {
			result = persist.And(result, sort)
		}
	}

	return result, nil
}

func convertExpression(e *expression) persist.Predicate {
	result := convertAnd(e.Or[0])
	for _, operand := range e.Or[1:] {
		result = persist.Or(result, convertAnd(operand))
	}
	return result
}

func convertAnd(e *andExpr) persist.Predicate {
	result := convertNot(e.And[0])
	for _, operand := range e.And[1:] {
		result = persist.And(result, convertNot(operand))
	}
	return result
}

func convertNot(e *notExpr) persist.Predicate {
	if e.Not != nil {
		return persist.Not(convertNot(e.Not))
	}
	if e.Primary.Sub != nil {
		return convertExpression(e.Primary.Sub)
	}
	return convertCondition(e.Primary.Condition)
}

func convertCondition(c *condition) persist.Predicate {
	var criteria persist.Predicate

	switch {
	case c.Null != nil:
		criteria = persist.IsNull()
		if c.Null.Not {
			criteria = persist.Not(criteria)
		}

	case c.Similar != nil:
		criteria = persist.SimilarTo(unquote(c.Similar.Value))

	case c.Like != nil:
		criteria = persist.Like(unquote(c.Like.Pattern))
		if c.Like.Not {
			criteria = persist.Not(criteria)
		}

	case c.In != nil:
		values := make([]interface{}, len(c.In.Values))
		for i, v := range c.In.Values {
			values[i] = convertValue(v)
		}
		criteria = persist.ElementOf(values...)
		if c.In.Not {
			criteria = persist.Not(criteria)
		}

	default:
		operand := convertValue(c.Cmp.Value)
		switch c.Cmp.Op {
		case "=":
			criteria = persist.EqualTo(operand)
		case "<>", "!=":
			criteria = persist.Not(persist.EqualTo(operand))
		case "<":
			criteria = persist.LessThan(operand)
		case "<=":
			criteria = persist.LessOrEqual(operand)
		case ">":
			criteria = persist.GreaterThan(operand)
		case ">=":
			criteria = persist.GreaterOrEqual(operand)
		}
	}

	return persist.IfField(c.Field, criteria)
}

func convertValue(v *value) interface{} {
	switch {
	case v.Str != nil:
		return unquote(*v.Str)
	case v.Number != nil:
		n := *v.Number
		if n == float64(int64(n)) {
			return int(n)
		}
		return n
	case v.True:
		return true
	case v.False:
		return false
	default:
		return nil
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		switch s[0] {
		case '\'':
			return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
		case '"':
			return s[1 : len(s)-1]
		}
	}
	return s
}
