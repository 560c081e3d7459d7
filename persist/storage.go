package persist

import (
	"os"
	"reflect"
	"sync/atomic"
)

// DeleteDisabledEnv is the environment variable that globally disables all
// storage delete functionality when set to a non-empty value other than
// "false" or "0".
const DeleteDisabledEnv = "PERSIST_DISABLE_DELETE"

var deleteDisabled atomic.Bool

// SetDeleteDisabled sets the process-global delete switch. While it is set,
// deleting is disabled regardless of the environment variable; clearing it
// leaves the environment variable in effect.
func SetDeleteDisabled(disabled bool) { deleteDisabled.Store(disabled) }

// DeleteDisabled reports whether deleting is globally disabled.
func DeleteDisabled() bool {
	if deleteDisabled.Load() {
		return true
	}
	switch os.Getenv(DeleteDisabledEnv) {
	case "", "false", "0":
		return false
	}
	return true
}

// Storage is a live handle to a physical store. Handles are obtained from
// the manager through GetStorage or NewStorage and must be given back with
// Release when no longer used.
type Storage interface {
	// Commit commits the active storage transaction. A no-op for storages
	// without transaction support.
	Commit() error

	// Rollback rolls back the active storage transaction. This affects
	// the storage only; modified application objects are not reset.
	Rollback() error

	// Query creates a query for the given query predicate.
	Query(p *QueryPredicate) (Query, error)

	// Store persists an object or a collection of objects. Objects that
	// are already persistent are updated, new objects are inserted.
	Store(obj interface{}) error

	// Delete removes an object from the storage. It fails if deleting is
	// disallowed for the object's mapping or disabled globally.
	Delete(obj interface{}) error

	// HasObjectStorage reports whether the storage has been initialized
	// for the given type.
	HasObjectStorage(t reflect.Type) (bool, error)

	// InitObjectStorage initializes the storage for a type and its child
	// types. Repeated invocations have no further effect.
	InitObjectStorage(t reflect.Type) error

	// RemoveObjectStorage removes the storage structures for a type. For
	// safety, child types are not removed.
	RemoveObjectStorage(t reflect.Type) error

	// IsValid reports whether the storage is still usable.
	IsValid() bool

	// ImplementationName returns the name of the underlying storage
	// implementation, e.g. the database product name.
	ImplementationName() string

	// Definition returns the definition this storage was created from.
	Definition() Definition

	// DefaultQueryDepth returns the query depth applied to queries that
	// carry none of their own.
	DefaultQueryDepth() int

	// Release hands the storage back to the manager. The handle must not
	// be used afterwards.
	Release()

	// Close closes the underlying resources. Applications must use
	// Release instead; closing is handled by the storage manager.
	Close()
}

// CheckDeleteEnabled verifies that deleting is allowed for a mapping in the
// current process context. It fails with a storage error before any storage
// operation takes place.
func CheckDeleteEnabled(m Mapping) error {
	if !m.IsDeleteAllowed() {
		return NewError("delete not enabled for "+m.MappedType().String(), nil)
	}
	if DeleteDisabled() {
		return NewError("delete globally disabled", nil)
	}
	return nil
}
