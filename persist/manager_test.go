package persist

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDefinition is a comparable in-memory storage definition for manager
// and lazy-list tests.
type fakeDefinition struct {
	name string
}

func (d fakeDefinition) CreateStorage() (Storage, error) {
	return &fakeStorage{definition: d}, nil
}

type fakeStorage struct {
	definition fakeDefinition
	closed     bool
	committed  int
	rolledBack int

	queryObjects []interface{}
	queryCount   int
}

func (s *fakeStorage) Commit() error   { s.committed++; return nil }
func (s *fakeStorage) Rollback() error { s.rolledBack++; return nil }

func (s *fakeStorage) Query(p *QueryPredicate) (Query, error) {
	return &fakeQuery{storage: s, pred: p}, nil
}

func (s *fakeStorage) Store(obj interface{}) error  { return nil }
func (s *fakeStorage) Delete(obj interface{}) error { return nil }

func (s *fakeStorage) HasObjectStorage(reflect.Type) (bool, error) { return true, nil }
func (s *fakeStorage) InitObjectStorage(reflect.Type) error        { return nil }
func (s *fakeStorage) RemoveObjectStorage(reflect.Type) error      { return nil }

func (s *fakeStorage) IsValid() bool              { return !s.closed }
func (s *fakeStorage) ImplementationName() string { return "fake" }
func (s *fakeStorage) Definition() Definition     { return s.definition }
func (s *fakeStorage) DefaultQueryDepth() int     { return DepthUnlimited }
func (s *fakeStorage) Release()                   { ReleaseStorage(s) }
func (s *fakeStorage) Close()                     { s.closed = true }

type fakeQuery struct {
	storage *fakeStorage
	pred    *QueryPredicate
}

func (q *fakeQuery) Execute() (QueryResult, error) {
	q.storage.queryCount++
	return &fakeResult{objects: q.storage.queryObjects}, nil
}

func (q *fakeQuery) GetDistinct(*Attribute) (map[interface{}]struct{}, error) {
	return nil, ErrUnsupported
}

func (q *fakeQuery) Predicate() *QueryPredicate    { return q.pred }
func (q *fakeQuery) Storage() Storage              { return q.storage }
func (q *fakeQuery) PositionOf(interface{}) (int, error) { return -1, nil }
func (q *fakeQuery) Size() (int, error)            { return len(q.storage.queryObjects), nil }
func (q *fakeQuery) Close()                        {}

type fakeResult struct {
	objects []interface{}
	next    int
}

func (r *fakeResult) HasNext() (bool, error) { return r.next < len(r.objects), nil }

func (r *fakeResult) Next() (interface{}, error) {
	obj := r.objects[r.next]
	r.next++
	return obj, nil
}

func (r *fakeResult) SetPosition(int, bool) error { return ErrUnsupported }
func (r *fakeResult) Close()                      {}

func TestGetStorageReusesHandlePerGoroutine(t *testing.T) {
	def := fakeDefinition{name: "reuse"}
	RegisterStorage(def, "reuse-key")

	first, err := GetStorage("reuse-key")
	require.NoError(t, err)
	second, err := GetStorage("reuse-key")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 2, UsageCount(first))

	// one release keeps the handle open
	first.Release()
	assert.Equal(t, 1, UsageCount(first))
	assert.True(t, first.IsValid())

	// the final release closes and evicts it
	second.Release()
	assert.Equal(t, 0, UsageCount(first))
	assert.False(t, first.IsValid())

	third, err := GetStorage("reuse-key")
	require.NoError(t, err)
	defer third.Release()
	assert.NotSame(t, first, third)
}

func TestGetStorageIsolatesGoroutines(t *testing.T) {
	def := fakeDefinition{name: "goroutines"}
	RegisterStorage(def, "goroutine-key")

	local, err := GetStorage("goroutine-key")
	require.NoError(t, err)
	defer local.Release()

	remoteCh := make(chan Storage, 1)
	errCh := make(chan error, 1)
	go func() {
		remote, err := GetStorage("goroutine-key")
		if err != nil {
			errCh <- err
			return
		}
		remote.Release()
		remoteCh <- remote
	}()

	select {
	case err := <-errCh:
		t.Fatal(err)
	case remote := <-remoteCh:
		assert.NotSame(t, local, remote)
	}
}

func TestNewStorageIsUnmanaged(t *testing.T) {
	def := fakeDefinition{name: "unmanaged"}
	RegisterStorage(def, "unmanaged-key")

	managed, err := GetStorage("unmanaged-key")
	require.NoError(t, err)
	defer managed.Release()

	owned, err := NewStorage("unmanaged-key")
	require.NoError(t, err)

	assert.NotSame(t, managed, owned)

	// a fresh handle does not affect the managed cache slot
	again, err := GetStorage("unmanaged-key")
	require.NoError(t, err)
	assert.Same(t, managed, again)
	again.Release()

	owned.Release()
	assert.False(t, owned.IsValid())
}

func TestDefinitionAsKey(t *testing.T) {
	def := fakeDefinition{name: "direct"}

	storage, err := GetStorage(def)
	require.NoError(t, err)
	defer storage.Release()

	assert.Equal(t, Definition(def), storage.Definition())
}

func TestUnknownKeyFails(t *testing.T) {
	_, err := GetStorage("never-registered-without-default")
	if err == nil {
		// a default storage has been registered by another test; the
		// lookup legitimately falls back to it
		t.Skip("default storage definition registered")
	}
	assert.IsType(t, &MappingError{}, err)
}

func TestRegisterMappingFactory(t *testing.T) {
	type special struct {
		ID int `storage:"id"`
	}

	called := 0
	RegisterMappingFactory(reflect.TypeOf(special{}), func(tp reflect.Type) (Mapping, error) {
		called++
		return NewStructMapping(tp)
	})

	m, err := GetMapping(reflect.TypeOf(special{}))
	require.NoError(t, err)
	assert.Equal(t, 1, called)

	// the created mapping is cached
	again, err := GetMapping(reflect.TypeOf(special{}))
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Equal(t, 1, called)
}

func TestIsPersistentFlags(t *testing.T) {
	obj := &person{Name: "jones"}

	assert.False(t, IsPersistent(obj))

	BeginStore(obj)
	assert.True(t, IsPersistent(obj))
	assert.True(t, IsStoring(obj))
	assert.False(t, HasPersistentFlag(obj))

	MarkPersistent(obj)
	EndStore(obj)

	assert.True(t, IsPersistent(obj))
	assert.True(t, HasPersistentFlag(obj))
	assert.False(t, IsStoring(obj))
}

func TestDeleteDisabledSwitch(t *testing.T) {
	assert.False(t, DeleteDisabled())

	SetDeleteDisabled(true)
	defer SetDeleteDisabled(false)
	assert.True(t, DeleteDisabled())

	m, err := GetMapping(reflect.TypeOf(person{}))
	require.NoError(t, err)

	err = CheckDeleteEnabled(m)
	require.Error(t, err)
	assert.IsType(t, &Error{}, err)
}
