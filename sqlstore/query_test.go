package sqlstore

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/persist-go/persist"
)

type qtDetail struct {
	ID     int `storage:"id,auto"`
	Name   string
	Record *qtRecord `storage:"parent"`
}

type qtRecord struct {
	ID      int `storage:"id,auto"`
	Name    string
	Value   int
	Details *persist.List[*qtDetail]
}

type qtAccount struct {
	ID   int `storage:"id,auto"`
	Name string
}

type qtOrder struct {
	ID      int `storage:"id,auto"`
	Label   string
	Account *qtAccount
}

func compileQuery(t *testing.T, params Params, pred *persist.QueryPredicate) *Query {
	t.Helper()
	q, err := newQuery(&Storage{params: params}, pred)
	require.NoError(t, err)
	return q
}

func compile(t *testing.T, pred *persist.QueryPredicate) *Query {
	return compileQuery(t, DefaultParams(), pred)
}

func TestCompileComparison(t *testing.T) {
	q := compile(t, persist.For[qtRecord](persist.IfField("name", persist.EqualTo("jones"))))

	assert.Equal(t, ` WHERE "name" = ?`, q.criteria)
	assert.Equal(t, []interface{}{"jones"}, q.compareValues)
	require.Len(t, q.compareAttributes, 1)
}

func TestCompileJoins(t *testing.T) {
	jones := persist.IfField("name", persist.EqualTo("jones"))
	smith := persist.IfField("name", persist.EqualTo("smith"))

	q := compile(t, persist.For[qtRecord](persist.Or(jones, smith)))
	assert.Equal(t, ` WHERE ("name" = ? OR "name" = ?)`, q.criteria)

	q = compile(t, persist.For[qtRecord](persist.And(jones, smith)))
	assert.Equal(t, ` WHERE ("name" = ? AND "name" = ?)`, q.criteria)
}

func TestCompileJoinDropsInvalidSide(t *testing.T) {
	// a sort key contributes no criteria text, so the join collapses to
	// its other side without a connective
	q := compile(t, persist.For[qtRecord](persist.And(
		persist.IfField("name", persist.EqualTo("jones")),
		persist.SortBy("value"))))

	assert.Equal(t, ` WHERE "name" = ?`, q.criteria)
	assert.Equal(t, ` ORDER BY "value"`, q.order)
}

func TestCompileNotFolding(t *testing.T) {
	q := compile(t, persist.For[qtRecord](
		persist.IfField("name", persist.Not(persist.EqualTo("jones")))))
	assert.Equal(t, ` WHERE "name" <> ?`, q.criteria)

	q = compile(t, persist.For[qtRecord](
		persist.IfField("value", persist.Not(persist.LessThan(2)))))
	assert.Equal(t, ` WHERE "value" >= ?`, q.criteria)

	q = compile(t, persist.For[qtRecord](
		persist.IfField("value", persist.Not(persist.GreaterOrEqual(2)))))
	assert.Equal(t, ` WHERE "value" < ?`, q.criteria)

	// non-comparison operands keep an explicit NOT prefix
	q = compile(t, persist.For[qtRecord](persist.Not(persist.Or(
		persist.IfField("name", persist.EqualTo("jones")),
		persist.IfField("name", persist.EqualTo("smith"))))))
	assert.Equal(t, ` WHERE  NOT ("name" = ? OR "name" = ?)`, q.criteria)
}

func TestCompileNullComparison(t *testing.T) {
	q := compile(t, persist.For[qtRecord](persist.IfField("name", persist.IsNull())))
	assert.Equal(t, ` WHERE "name" IS NULL`, q.criteria)

	params, err := q.queryParameters()
	require.NoError(t, err)
	assert.Empty(t, params)

	q = compile(t, persist.For[qtRecord](
		persist.IfField("name", persist.Not(persist.IsNull()))))
	assert.Equal(t, ` WHERE "name" IS NOT NULL`, q.criteria)
}

func TestCompileElementOf(t *testing.T) {
	q := compile(t, persist.For[qtRecord](
		persist.IfField("value", persist.ElementOf(1, 2, 3))))

	assert.Equal(t, ` WHERE "value" IN (?,?,?)`, q.criteria)

	params, err := q.queryParameters()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, 2, 3}, params)
}

func TestCompileLike(t *testing.T) {
	q := compile(t, persist.For[qtRecord](persist.IfField("name", persist.Like("%ones"))))
	assert.Equal(t, ` WHERE "name" LIKE ?`, q.criteria)

	q = compile(t, persist.For[qtRecord](
		persist.IfField("name", persist.Not(persist.Like("%ones")))))
	assert.Equal(t, ` WHERE "name" NOT LIKE ?`, q.criteria)
}

func TestCompileFuzzySearch(t *testing.T) {
	q := compile(t, persist.For[qtRecord](persist.IfField("name", persist.SimilarTo("jones"))))
	assert.Equal(t, ` WHERE soundex("name") = soundex(?)`, q.criteria)

	// without a configured function the fuzzy search degrades to LIKE
	params := DefaultParams()
	params.FuzzySearchFunction = ""
	q = compileQuery(t, params, persist.For[qtRecord](
		persist.IfField("name", persist.SimilarTo("jones"))))
	assert.Equal(t, ` WHERE "name" LIKE ?`, q.criteria)
}

func TestCompileChildSubQuery(t *testing.T) {
	q := compile(t, persist.For[qtRecord](persist.IfField("details",
		persist.HasChild(reflect.TypeOf(qtDetail{}),
			persist.IfField("name", persist.EqualTo("smith-1"))))))

	assert.Equal(t,
		` WHERE "id" IN (SELECT "record" FROM "qt_detail" WHERE "name" = ?)`,
		q.criteria)
	assert.Equal(t, []interface{}{"smith-1"}, q.compareValues)
	require.Len(t, q.compareAttributes, 1)
}

func TestCompileReferenceSubQuery(t *testing.T) {
	q := compile(t, persist.For[qtOrder](persist.IfField("account",
		persist.RefersTo(reflect.TypeOf(qtAccount{}),
			persist.IfField("name", persist.EqualTo("acme"))))))

	assert.Equal(t,
		` WHERE "account" IN (SELECT "id" FROM "qt_account" WHERE "name" = ?)`,
		q.criteria)
}

func TestCompileFunctionPredicate(t *testing.T) {
	lowerName := persist.Chain(persist.ToLower(), persist.ReadField("name"))
	q := compile(t, persist.For[qtRecord](
		persist.IfFunction(lowerName, persist.EqualTo("jones"))))

	assert.Equal(t, ` WHERE LOWER("name") = ?`, q.criteria)
	require.Len(t, q.compareAttributes, 1)
	require.Len(t, q.compareValues, 1)
}

func TestCompileSortKeys(t *testing.T) {
	q := compile(t, persist.For[qtRecord](persist.And(
		persist.SortBy("name"),
		persist.SortByDescending("value"))))

	assert.Equal(t, "", q.criteria)
	assert.Equal(t, ` ORDER BY "name","value" DESC`, q.order)
}

func TestCompileWithoutCriteria(t *testing.T) {
	q := compile(t, persist.For[qtRecord](nil))
	assert.Equal(t, "", q.criteria)
	assert.Equal(t, "", q.order)
}

func TestColumnListIncludesChildCounts(t *testing.T) {
	q := compile(t, persist.For[qtRecord](nil))
	assert.Equal(t, `"id","name","value",_cc_qt_detail`, q.columnList(q.mapping))
}

func TestCompileWhereHelper(t *testing.T) {
	criteria := persist.And(
		persist.IfField("name", persist.EqualTo("jones")),
		persist.SortBy("value"))

	where, args, err := CompileWhere(DefaultParams(), criteria)
	require.NoError(t, err)
	assert.Equal(t, ` WHERE "name" = ? ORDER BY "value"`, where)
	assert.Equal(t, []interface{}{"jones"}, args)
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	params := ParamsForProvider("postgres")
	assert.Equal(t, `"a" = $1 AND "b" IN ($2,$3)`,
		params.rebind(`"a" = ? AND "b" IN (?,?)`))
}

func TestSQLIdentifier(t *testing.T) {
	assert.Equal(t, "test_record", sqlIdentifier("TestRecord"))
	assert.Equal(t, "parent_id", sqlIdentifier("ParentID"))
	assert.Equal(t, "name", sqlIdentifier("name"))
}

func TestDialectParams(t *testing.T) {
	pg := ParamsForProvider("postgres")
	assert.Equal(t, "SERIAL", pg.AutoIDDatatype)
	assert.Equal(t, "dmetaphone", pg.FuzzySearchFunction)
	assert.True(t, pg.UseReturning)
	assert.Equal(t, "TEXT", pg.mapSQLDatatype(reflect.TypeOf("")))

	my := ParamsForProvider("mysql")
	assert.Equal(t, byte('`'), my.IdentifierQuote)
	assert.Equal(t, "`x`", my.quote("x"))

	lite := ParamsForProvider("sqlite")
	assert.Contains(t, lite.AutoIDDatatype, "PRIMARY KEY")

	base := DefaultParams()
	assert.Equal(t, "VARCHAR(%d)", base.mapSQLDatatype(reflect.TypeOf("")))
	assert.Equal(t, "BIGINT", base.mapSQLDatatype(reflect.TypeOf(int64(0))))
	assert.Equal(t, "TIMESTAMP", base.mapSQLDatatype(reflect.TypeOf(time.Time{})))
}
