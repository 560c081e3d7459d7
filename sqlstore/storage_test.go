package sqlstore_test

import (
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/persist-go/parser"
	"github.com/satishbabariya/persist-go/persist"
	"github.com/satishbabariya/persist-go/sqlstore"
)

// The test database is an in-memory SQLite database with a shared cache so
// that every storage handle sees the same data. The anchor connection held
// by TestMain keeps it alive across tests.
const testDSN = "file:persist_e2e?mode=memory&cache=shared"

type TestDetail struct {
	ID     int `storage:"id,auto"`
	Name   string
	Record *TestRecord `storage:"parent"`
}

type TestRecord struct {
	ID      int `storage:"id,auto"`
	Name    string
	Value   int
	Date    time.Time
	Details *persist.List[*TestDetail]
}

type TestAccount struct {
	ID   int `storage:"id,auto"`
	Name string
}

type TestOrder struct {
	ID      int `storage:"id,auto"`
	Label   string
	Account *TestAccount
}

var testDefinition = sqlstore.NewDefinition("sqlite", testDSN)

func TestMain(m *testing.M) {
	persist.RegisterStorage(testDefinition,
		reflect.TypeOf(TestRecord{}), reflect.TypeOf(TestDetail{}))
	persist.SetDefaultStorage(testDefinition)

	// the anchor holds the shared in-memory database open for the whole
	// test run
	anchor, err := persist.NewStorage(testDefinition)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening test database failed:", err)
		os.Exit(1)
	}

	if err := seed(anchor); err != nil {
		fmt.Fprintln(os.Stderr, "seeding test database failed:", err)
		os.Exit(1)
	}

	code := m.Run()
	anchor.Release()
	os.Exit(code)
}

func seed(storage persist.Storage) error {
	if err := storage.InitObjectStorage(reflect.TypeOf(TestRecord{})); err != nil {
		return err
	}
	if err := storeTestRecords(storage, "jones", 1); err != nil {
		return err
	}
	if err := storeTestRecords(storage, "smith", 2); err != nil {
		return err
	}
	return storage.Commit()
}

func storeTestRecords(storage persist.Storage, name string, count int) error {
	for i := 1; i <= count; i++ {
		record := &TestRecord{
			Name:    name,
			Value:   i,
			Date:    time.Date(2024, 11, 5, 10, 30, 0, 0, time.UTC),
			Details: persist.NewList[*TestDetail](),
		}
		for d := 1; d <= 5; d++ {
			record.Details.Add(&TestDetail{
				Name:   fmt.Sprintf("%s-%d", name, d),
				Record: record,
			})
		}
		if err := storage.Store(record); err != nil {
			return err
		}
	}
	return nil
}

// testStorage acquires a managed handle that is rolled back and released
// when the test finishes. Changes committed on the handle before that, such
// as by the transaction of a reference store, are kept.
func testStorage(t *testing.T) persist.Storage {
	t.Helper()

	storage, err := persist.GetStorage(reflect.TypeOf(TestRecord{}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = storage.Rollback()
		storage.Release()
	})
	return storage
}

func queryRecords(t *testing.T, storage persist.Storage, criteria persist.Predicate) []*TestRecord {
	t.Helper()
	return executeQuery(t, storage, persist.For[TestRecord](criteria))
}

func executeQuery(t *testing.T, storage persist.Storage, pred *persist.QueryPredicate) []*TestRecord {
	t.Helper()

	query, err := storage.Query(pred)
	require.NoError(t, err)
	defer query.Close()

	result, err := query.Execute()
	require.NoError(t, err)

	var records []*TestRecord
	for {
		next, err := result.HasNext()
		require.NoError(t, err)
		if !next {
			break
		}
		obj, err := result.Next()
		require.NoError(t, err)
		records = append(records, obj.(*TestRecord))
	}
	return records
}

func TestQuery(t *testing.T) {
	storage := testStorage(t)

	jones := persist.IfField("name", persist.EqualTo("jones"))
	smith := persist.IfField("name", persist.EqualTo("smith"))

	assert.Len(t, queryRecords(t, storage, jones), 1)
	assert.Len(t, queryRecords(t, storage, smith), 2)
	assert.Len(t, queryRecords(t, storage, persist.Or(smith, jones)), 3)
	assert.Len(t, queryRecords(t, storage, persist.And(smith, jones)), 0)
}

func TestQueryLike(t *testing.T) {
	storage := testStorage(t)

	matches := queryRecords(t, storage, persist.IfField("name", persist.Like("%ones")))
	require.Len(t, matches, 1)
	assert.Equal(t, "jones", matches[0].Name)
}

func TestQueryAlmostLike(t *testing.T) {
	storage := testStorage(t)

	// SQLite has no fuzzy-search function, so the comparison degrades to
	// a plain LIKE that still matches the exact name
	matches := queryRecords(t, storage, persist.IfField("name", persist.SimilarTo("jones")))
	assert.Len(t, matches, 1)
}

func TestQueryDetail(t *testing.T) {
	storage := testStorage(t)

	byDetail := persist.IfField("details",
		persist.HasChild(reflect.TypeOf(TestDetail{}),
			persist.IfField("name", persist.EqualTo("smith-1"))))
	assert.Len(t, queryRecords(t, storage, byDetail), 2)

	byRange := persist.IfField("details",
		persist.HasChild(reflect.TypeOf(TestDetail{}),
			persist.And(
				persist.IfField("name", persist.GreaterOrEqual("smith-2")),
				persist.IfField("name", persist.LessThan("smith-3")))))
	assert.Len(t, queryRecords(t, storage, byRange), 2)
}

func TestQueryFunction(t *testing.T) {
	storage := testStorage(t)

	lowerName := persist.Chain(persist.ToLower(), persist.ReadField("name"))
	matches := queryRecords(t, storage, persist.IfFunction(lowerName, persist.EqualTo("jones")))
	assert.Len(t, matches, 1)
}

func TestQuerySort(t *testing.T) {
	storage := testStorage(t)

	records := queryRecords(t, storage, persist.And(
		persist.IfField("name", persist.EqualTo("smith")),
		persist.SortByAttribute(attributeOf(t, "value"), true)))

	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Value)
	assert.Equal(t, 2, records[1].Value)

	records = queryRecords(t, storage, persist.And(
		persist.IfField("name", persist.EqualTo("smith")),
		persist.SortByAttribute(attributeOf(t, "value"), false)))

	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Value)
}

func TestPaging(t *testing.T) {
	storage := testStorage(t)

	pred := persist.For[TestRecord](persist.And(
		persist.SortBy("name"), persist.SortBy("value"))).
		WithOffset(1).
		WithLimit(1)

	query, err := storage.Query(pred)
	require.NoError(t, err)
	defer query.Close()

	size, err := query.Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	result, err := query.Execute()
	require.NoError(t, err)

	next, err := result.HasNext()
	require.NoError(t, err)
	require.True(t, next)

	obj, err := result.Next()
	require.NoError(t, err)
	record := obj.(*TestRecord)
	assert.Equal(t, "smith", record.Name)
	assert.Equal(t, 1, record.Value)

	next, err = result.HasNext()
	require.NoError(t, err)
	assert.False(t, next)
}

func TestSizeAndPositioning(t *testing.T) {
	storage := testStorage(t)

	query, err := storage.Query(persist.For[TestRecord](nil))
	require.NoError(t, err)
	defer query.Close()

	size, err := query.Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	result, err := query.Execute()
	require.NoError(t, err)

	require.NoError(t, result.SetPosition(2, false))
	next, err := result.HasNext()
	require.NoError(t, err)
	require.True(t, next)

	obj, err := result.Next()
	require.NoError(t, err)
	assert.Equal(t, "smith", obj.(*TestRecord).Name)

	require.NoError(t, result.SetPosition(-3, true))
	next, err = result.HasNext()
	require.NoError(t, err)
	require.True(t, next)

	obj, err = result.Next()
	require.NoError(t, err)
	assert.Equal(t, "jones", obj.(*TestRecord).Name)
}

func TestPositionOf(t *testing.T) {
	storage := testStorage(t)

	records := queryRecords(t, storage, nil)
	require.Len(t, records, 3)

	query, err := storage.Query(persist.For[TestRecord](persist.SortBy("id")))
	require.NoError(t, err)
	defer query.Close()

	position, err := query.PositionOf(records[1].ID)
	require.NoError(t, err)
	// -1 is acceptable for engines without window functions; SQLite has
	// them
	assert.Equal(t, 1, position)
}

func TestGetDistinct(t *testing.T) {
	storage := testStorage(t)

	query, err := storage.Query(persist.For[TestRecord](nil))
	require.NoError(t, err)
	defer query.Close()

	names, err := query.GetDistinct(attributeOf(t, "name"))
	require.NoError(t, err)

	assert.Len(t, names, 2)
	assert.Contains(t, names, "jones")
	assert.Contains(t, names, "smith")
}

func TestLazyChildren(t *testing.T) {
	storage := testStorage(t)

	records := queryRecords(t, storage, persist.IfField("name", persist.EqualTo("jones")))
	require.Len(t, records, 1)
	record := records[0]

	require.NotNil(t, record.Details)
	assert.False(t, record.Details.IsMaterialized())

	// the size comes from the child-count column without a query
	assert.Equal(t, 5, record.Details.Len())
	assert.False(t, record.Details.IsMaterialized())

	details := record.Details.All()
	assert.True(t, record.Details.IsMaterialized())
	require.Len(t, details, 5)

	for _, detail := range details {
		assert.Same(t, record, detail.Record)
		assert.True(t, persist.IsPersistent(detail))
	}
}

func TestQueryDepth(t *testing.T) {
	storage := testStorage(t)

	shallow := executeQuery(t, storage,
		persist.For[TestRecord](persist.IfField("name", persist.EqualTo("jones"))).WithDepth(0))
	require.Len(t, shallow, 1)
	assert.Nil(t, shallow[0].Details)

	deep := executeQuery(t, storage,
		persist.For[TestRecord](persist.IfField("name", persist.EqualTo("jones"))).WithDepth(1))
	require.Len(t, deep, 1)
	require.NotNil(t, deep[0].Details)
	assert.Equal(t, 5, deep[0].Details.Len())
}

func TestRoundTrip(t *testing.T) {
	storage := testStorage(t)

	records := queryRecords(t, storage, persist.IfField("name", persist.EqualTo("jones")))
	require.Len(t, records, 1)
	record := records[0]

	assert.True(t, persist.IsPersistent(record))
	assert.Equal(t, 1, record.Value)
	assert.True(t, record.Date.Equal(time.Date(2024, 11, 5, 10, 30, 0, 0, time.UTC)))
}

func TestStoreUpdate(t *testing.T) {
	storage := testStorage(t)

	records := queryRecords(t, storage, persist.IfField("name", persist.EqualTo("jones")))
	require.Len(t, records, 1)
	record := records[0]

	record.Value = 42
	require.NoError(t, storage.Store(record))

	updated := queryRecords(t, storage, persist.IfField("name", persist.EqualTo("jones")))
	require.Len(t, updated, 1)
	assert.Equal(t, 42, updated[0].Value)
	assert.Equal(t, record.ID, updated[0].ID)
}

func TestStoreReference(t *testing.T) {
	storage := testStorage(t)

	require.NoError(t, storage.InitObjectStorage(reflect.TypeOf(TestOrder{})))
	require.NoError(t, storage.InitObjectStorage(reflect.TypeOf(TestAccount{})))

	order := &TestOrder{
		Label:   "first",
		Account: &TestAccount{Name: "acme"},
	}

	require.NoError(t, storage.Store(order))

	// the referenced account was stored first and received its id before
	// the order row was written
	assert.True(t, persist.IsPersistent(order.Account))
	assert.Greater(t, order.Account.ID, 0)
	assert.Greater(t, order.ID, 0)

	query, err := storage.Query(persist.For[TestOrder](
		persist.IfField("id", persist.EqualTo(order.ID))))
	require.NoError(t, err)
	defer query.Close()

	result, err := query.Execute()
	require.NoError(t, err)

	next, err := result.HasNext()
	require.NoError(t, err)
	require.True(t, next)

	obj, err := result.Next()
	require.NoError(t, err)
	loaded := obj.(*TestOrder)

	require.NotNil(t, loaded.Account)
	assert.Equal(t, order.Account.ID, loaded.Account.ID)
}

func TestDeleteEnabled(t *testing.T) {
	storage := testStorage(t)

	performDelete(t, storage)

	assert.Empty(t, queryRecords(t, storage, persist.IfField("name", persist.EqualTo("jones"))))
}

func TestDeleteGloballyDisabled(t *testing.T) {
	storage := testStorage(t)

	persist.SetDeleteDisabled(true)
	defer persist.SetDeleteDisabled(false)

	records := queryRecords(t, storage, persist.IfField("name", persist.EqualTo("jones")))
	require.Len(t, records, 1)

	err := storage.Delete(records[0])
	require.Error(t, err)
	assert.IsType(t, &persist.Error{}, err)
}

func performDelete(t *testing.T, storage persist.Storage) {
	t.Helper()

	records := queryRecords(t, storage, persist.IfField("name", persist.EqualTo("jones")))
	require.Len(t, records, 1)
	record := records[0]

	for _, detail := range record.Details.All() {
		require.NoError(t, storage.Delete(detail))
	}
	require.NoError(t, storage.Delete(record))
}

func TestObjectStorageLifecycle(t *testing.T) {
	storage := testStorage(t)

	recordType := reflect.TypeOf(TestRecord{})

	has, err := storage.HasObjectStorage(recordType)
	require.NoError(t, err)
	assert.True(t, has)

	// repeated initialization has no further effect
	require.NoError(t, storage.InitObjectStorage(recordType))

	require.NoError(t, storage.RemoveObjectStorage(recordType))
	has, err = storage.HasObjectStorage(recordType)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, storage.InitObjectStorage(recordType))
	has, err = storage.HasObjectStorage(recordType)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestParsedFilterQuery(t *testing.T) {
	storage := testStorage(t)

	criteria, err := parser.ParseFilter(`name = "smith" AND value >= 1 ORDER BY value DESC`)
	require.NoError(t, err)

	records := queryRecords(t, storage, criteria)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Value)
}

func attributeOf(t *testing.T, field string) *persist.Attribute {
	t.Helper()

	mapping, err := persist.GetMapping(reflect.TypeOf(TestRecord{}))
	require.NoError(t, err)

	attr := mapping.(*persist.StructMapping).Attribute(field)
	require.NotNil(t, attr)
	return attr
}
