package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/persist-go/persist"
)

func mustParse(t *testing.T, input string) persist.Predicate {
	t.Helper()
	p, err := ParseFilter(input)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestParseComparison(t *testing.T) {
	p := mustParse(t, `name = "jones"`)
	assert.True(t, p.Equals(persist.IfField("name", persist.EqualTo("jones"))))

	p = mustParse(t, `value > 1`)
	assert.True(t, p.Equals(persist.IfField("value", persist.GreaterThan(1))))

	p = mustParse(t, `value <> 2`)
	assert.True(t, p.Equals(persist.IfField("value", persist.Not(persist.EqualTo(2)))))

	p = mustParse(t, `total <= 9.5`)
	assert.True(t, p.Equals(persist.IfField("total", persist.LessOrEqual(9.5))))
}

func TestParseSingleQuotedStrings(t *testing.T) {
	p := mustParse(t, `name = 'o''brien'`)
	assert.True(t, p.Equals(persist.IfField("name", persist.EqualTo("o'brien"))))
}

func TestParseBooleanCombinators(t *testing.T) {
	p := mustParse(t, `name = "jones" AND value > 1`)
	expected := persist.And(
		persist.IfField("name", persist.EqualTo("jones")),
		persist.IfField("value", persist.GreaterThan(1)))
	assert.True(t, p.Equals(expected))

	p = mustParse(t, `name = "a" OR name = "b" AND value = 1`)
	// AND binds tighter than OR
	expected = persist.Or(
		persist.IfField("name", persist.EqualTo("a")),
		persist.And(
			persist.IfField("name", persist.EqualTo("b")),
			persist.IfField("value", persist.EqualTo(1))))
	assert.True(t, p.Equals(expected))

	p = mustParse(t, `(name = "a" OR name = "b") AND value = 1`)
	expected = persist.And(
		persist.Or(
			persist.IfField("name", persist.EqualTo("a")),
			persist.IfField("name", persist.EqualTo("b"))),
		persist.IfField("value", persist.EqualTo(1)))
	assert.True(t, p.Equals(expected))

	p = mustParse(t, `NOT name = "jones"`)
	assert.True(t, p.Equals(persist.Not(persist.IfField("name", persist.EqualTo("jones")))))
}

func TestParseLikeAndSimilar(t *testing.T) {
	p := mustParse(t, `name LIKE "%ones"`)
	assert.True(t, p.Equals(persist.IfField("name", persist.Like("%ones"))))

	p = mustParse(t, `name NOT LIKE "%ones"`)
	assert.True(t, p.Equals(persist.IfField("name", persist.Not(persist.Like("%ones")))))

	p = mustParse(t, `name SIMILAR TO "jones"`)
	assert.True(t, p.Equals(persist.IfField("name", persist.SimilarTo("jones"))))
}

func TestParseInList(t *testing.T) {
	p := mustParse(t, `value IN (1, 2, 3)`)
	assert.True(t, p.Equals(persist.IfField("value", persist.ElementOf(1, 2, 3))))

	p = mustParse(t, `value NOT IN (1, 2)`)
	assert.True(t, p.Equals(persist.IfField("value", persist.Not(persist.ElementOf(1, 2)))))
}

func TestParseNullTests(t *testing.T) {
	p := mustParse(t, `name IS NULL`)
	assert.True(t, p.Equals(persist.IfField("name", persist.IsNull())))

	p = mustParse(t, `name IS NOT NULL`)
	assert.True(t, p.Equals(persist.IfField("name", persist.Not(persist.IsNull()))))
}

func TestParseOrderBy(t *testing.T) {
	p := mustParse(t, `name = "smith" ORDER BY value DESC, name`)
	expected := persist.And(
		persist.And(
			persist.IfField("name", persist.EqualTo("smith")),
			&persist.SortKey{Elem: "value", Ascending: false}),
		&persist.SortKey{Elem: "name", Ascending: true})
	assert.True(t, p.Equals(expected))
}

func TestParseOrderByOnly(t *testing.T) {
	p := mustParse(t, `ORDER BY name`)
	assert.True(t, p.Equals(&persist.SortKey{Elem: "name", Ascending: true}))
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	p := mustParse(t, `name = "a" and value = 1 order by name asc`)
	expected := persist.And(
		persist.And(
			persist.IfField("name", persist.EqualTo("a")),
			persist.IfField("value", persist.EqualTo(1))),
		&persist.SortKey{Elem: "name", Ascending: true})
	assert.True(t, p.Equals(expected))
}

func TestParseValues(t *testing.T) {
	p := mustParse(t, `active = TRUE`)
	assert.True(t, p.Equals(persist.IfField("active", persist.EqualTo(true))))

	p = mustParse(t, `deleted = NULL`)
	assert.True(t, p.Equals(persist.IfField("deleted", persist.EqualTo(nil))))
}

func TestParseEmptyInput(t *testing.T) {
	p, err := ParseFilter("   ")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseInvalidInput(t *testing.T) {
	_, err := ParseFilter(`name = `)
	require.Error(t, err)
	assert.IsType(t, &persist.MappingError{}, err)
}
