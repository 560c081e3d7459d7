package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type detail struct {
	ID   int `storage:"id"`
	Name string
}

func boundList(t *testing.T, def fakeDefinition, objects []interface{}, size int, init Initializer) (*List[*detail], *fakeStorage) {
	t.Helper()

	// seed the storage the list will acquire from the manager
	storage, err := GetStorage(def)
	require.NoError(t, err)
	fake := storage.(*fakeStorage)
	fake.queryObjects = objects
	// keep the handle cached for the duration of the test
	t.Cleanup(storage.Release)

	list := NewQueryList[*detail](def, For[detail](nil), size, init)
	return list, fake
}

func TestQueryListKnownSizeDoesNotQuery(t *testing.T) {
	def := fakeDefinition{name: "list-size"}
	list, fake := boundList(t, def, []interface{}{&detail{ID: 1}}, 1, nil)

	assert.Equal(t, 1, list.Len())
	assert.Equal(t, 0, fake.queryCount)
	assert.False(t, list.IsMaterialized())
}

func TestQueryListUnknownSizeQueriesOnLen(t *testing.T) {
	def := fakeDefinition{name: "list-unknown"}
	list, fake := boundList(t, def,
		[]interface{}{&detail{ID: 1}, &detail{ID: 2}}, -1, nil)

	assert.Equal(t, 2, list.Len())
	assert.Equal(t, 1, fake.queryCount)
	assert.True(t, list.IsMaterialized())
}

func TestQueryListElementAccessMaterializes(t *testing.T) {
	def := fakeDefinition{name: "list-access"}

	initialized := 0
	list, fake := boundList(t, def,
		[]interface{}{&detail{ID: 1, Name: "a"}, &detail{ID: 2, Name: "b"}}, 2,
		func(elements []interface{}) { initialized = len(elements) })

	assert.Equal(t, "a", list.At(0).Name)
	assert.Equal(t, 1, fake.queryCount)
	assert.Equal(t, 2, initialized)

	// further access reuses the materialized elements
	assert.Equal(t, "b", list.At(1).Name)
	assert.Equal(t, 2, list.Len())
	assert.Equal(t, 1, fake.queryCount)
}

func TestQueryListMutationAfterMaterialization(t *testing.T) {
	def := fakeDefinition{name: "list-mutate"}
	list, fake := boundList(t, def, []interface{}{&detail{ID: 1}}, 1, nil)

	list.Add(&detail{ID: 2})
	assert.Equal(t, 1, fake.queryCount)
	assert.Equal(t, 2, list.Len())

	removed := list.RemoveAt(0)
	assert.Equal(t, 1, removed.ID)
	assert.Equal(t, 1, list.Len())
	// mutations never re-query
	assert.Equal(t, 1, fake.queryCount)
}

func TestQueryListReleasesItsHandle(t *testing.T) {
	def := fakeDefinition{name: "list-release"}

	storage, err := GetStorage(def)
	require.NoError(t, err)
	fake := storage.(*fakeStorage)
	fake.queryObjects = []interface{}{&detail{ID: 1}}

	list := NewQueryList[*detail](def, For[detail](nil), -1, nil)
	require.NoError(t, list.Materialize())

	// the list acquired and released its own usage; ours is still held
	assert.Equal(t, 1, UsageCount(storage))
	storage.Release()
}

func TestNewListIsPlainList(t *testing.T) {
	list := NewList[*detail]()

	assert.Equal(t, 0, list.Len())
	list.Add(&detail{ID: 1})
	assert.Equal(t, 1, list.Len())
	assert.True(t, list.IsMaterialized())
}

func TestZeroListBehavesAsEmpty(t *testing.T) {
	var list List[*detail]

	assert.Equal(t, 0, list.Len())
	assert.Empty(t, list.Elements())
}

func TestQueryListElementType(t *testing.T) {
	list := NewList[*detail]()
	assert.Equal(t, "*persist.detail", list.ElementType().String())
}
