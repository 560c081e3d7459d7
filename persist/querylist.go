package persist

import (
	"reflect"
	"sync"
)

// Initializer is invoked with the queried elements immediately after a lazy
// list has been materialized, before they become visible through the list.
// It is used to back-fill parent references in child objects.
type Initializer func(elements []interface{})

// AnyList is the untyped view of a lazy child list that the framework works
// with. The concrete element type is carried by List.
type AnyList interface {
	// ElementType returns the list's element type.
	ElementType() reflect.Type

	// Bind attaches a storage query to the list. Elements are fetched on
	// first access; a non-negative size makes Len answer without a query.
	Bind(definition Definition, query *QueryPredicate, size int, init Initializer)

	// Len returns the number of elements, querying them first if the size
	// is unknown.
	Len() int

	// Elements returns all elements, querying them first if necessary.
	Elements() []interface{}

	// AddElement appends an element, querying the existing elements
	// first.
	AddElement(element interface{})

	// Materialize fetches the elements now if they have not been queried
	// yet.
	Materialize() error

	// IsMaterialized reports whether the elements have been queried.
	IsMaterialized() bool
}

// List is an ordered sequence that receives its content from a storage
// query on first access. Creating or binding a list never queries; any
// element access, or a Len call while the size is unknown, triggers the
// query. Afterwards the list behaves like a plain in-memory list and
// mutations do not re-query.
//
// Accessors cannot return errors and therefore panic with a *RuntimeError
// when the deferred query fails; call Materialize first to handle query
// errors explicitly.
type List[T any] struct {
	mu sync.Mutex

	definition Definition
	query      *QueryPredicate
	size       int
	init       Initializer

	elements []T
	queried  bool
}

// NewList creates an empty, freely modifiable list without a backing
// query.
func NewList[T any]() *List[T] {
	return &List[T]{size: -1, queried: true}
}

// NewQueryList creates a lazy list backed by a storage query. size is the
// known element count or -1 for unknown.
func NewQueryList[T any](definition Definition, query *QueryPredicate, size int, init Initializer) *List[T] {
	l := &List[T]{}
	l.Bind(definition, query, size, init)
	return l
}

// ElementType implements AnyList.
func (l *List[T]) ElementType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Bind implements AnyList.
func (l *List[T]) Bind(definition Definition, query *QueryPredicate, size int, init Initializer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.definition = definition
	l.query = query
	l.size = size
	l.init = init
	l.elements = nil
	l.queried = false
}

// Query returns the backing query predicate, if any.
func (l *List[T]) Query() *QueryPredicate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.query
}

// IsMaterialized implements AnyList.
func (l *List[T]) IsMaterialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queried
}

// Materialize implements AnyList.
func (l *List[T]) Materialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.materialize()
}

// Len returns the element count. With a known size it answers without
// querying; otherwise it materializes the list first.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.queried && l.size >= 0 {
		return l.size
	}
	l.mustMaterialize()
	return len(l.elements)
}

// At returns the element at the given index, materializing the list first.
func (l *List[T]) At(index int) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustMaterialize()
	return l.elements[index]
}

// All returns the elements as a slice, materializing the list first. The
// returned slice is the list's backing storage.
func (l *List[T]) All() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustMaterialize()
	return l.elements
}

// Add appends an element.
func (l *List[T]) Add(element T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustMaterialize()
	l.elements = append(l.elements, element)
}

// Set replaces the element at the given index.
func (l *List[T]) Set(index int, element T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustMaterialize()
	l.elements[index] = element
}

// RemoveAt removes the element at the given index.
func (l *List[T]) RemoveAt(index int) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustMaterialize()
	element := l.elements[index]
	l.elements = append(l.elements[:index], l.elements[index+1:]...)
	return element
}

// Elements implements AnyList.
func (l *List[T]) Elements() []interface{} {
	all := l.All()
	result := make([]interface{}, len(all))
	for i, e := range all {
		result[i] = e
	}
	return result
}

// AddElement implements AnyList.
func (l *List[T]) AddElement(element interface{}) {
	l.Add(element.(T))
}

// materialize runs the deferred query. The list acquires its own storage
// handle from the bound definition and releases it before returning.
func (l *List[T]) materialize() error {
	if l.queried {
		return nil
	}
	if l.query == nil {
		// an unbound list is a plain empty list
		l.queried = true
		return nil
	}

	storage, err := GetStorage(l.definition)
	if err != nil {
		return err
	}
	defer storage.Release()

	query, err := storage.Query(l.query)
	if err != nil {
		return err
	}
	defer query.Close()

	result, err := query.Execute()
	if err != nil {
		return err
	}

	var elements []T
	var raw []interface{}
	for {
		next, err := result.HasNext()
		if err != nil {
			return err
		}
		if !next {
			break
		}
		obj, err := result.Next()
		if err != nil {
			return err
		}
		elements = append(elements, obj.(T))
		raw = append(raw, obj)
	}

	if l.init != nil {
		l.init(raw)
	}

	l.elements = elements
	l.size = len(elements)
	l.queried = true
	return nil
}

func (l *List[T]) mustMaterialize() {
	if err := l.materialize(); err != nil {
		panic(&RuntimeError{Err: err})
	}
}
