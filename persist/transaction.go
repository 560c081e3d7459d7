package persist

import (
	"log/slog"
	"reflect"
)

// Transaction groups several storages into one transactional unit. All
// added storages are committed together; if any commit fails, the remaining
// storages are rolled back. It is a scoped primitive: create one with
// BeginTransaction, add the participating storages, then either Commit or
// Rollback.
type Transaction struct {
	elements []Storage
	finished bool
}

// BeginTransaction starts a new group transaction.
func BeginTransaction() *Transaction {
	return &Transaction{}
}

// Add registers a storage as a transaction element. The transaction does
// not take ownership of the handle; releasing it remains the caller's
// responsibility.
func (t *Transaction) Add(storage Storage) {
	t.elements = append(t.elements, storage)
}

// Commit commits all transaction elements in the order they were added. On
// the first commit failure the remaining elements are rolled back and the
// failure is returned.
func (t *Transaction) Commit() error {
	if t.finished {
		return NewError("transaction already finished", nil)
	}
	t.finished = true

	for i, storage := range t.elements {
		if err := storage.Commit(); err != nil {
			for _, pending := range t.elements[i+1:] {
				if rbErr := pending.Rollback(); rbErr != nil {
					slog.Error("transaction rollback failed", "error", rbErr)
				}
			}
			return err
		}
	}
	return nil
}

// Rollback rolls back all transaction elements. All elements are attempted
// even if some fail; the first failure is returned.
func (t *Transaction) Rollback() error {
	if t.finished {
		return NewError("transaction already finished", nil)
	}
	t.finished = true

	var firstErr error
	for _, storage := range t.elements {
		if err := storage.Rollback(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StoreReferencedObject is the default implementation behind
// Mapping.StoreReference: it resolves the storage for the referenced
// object's type, stores the object inside its own group transaction and
// commits. On any failure a rollback is attempted; rollback failures are
// logged and swallowed because the original store failure is the error that
// matters to the caller.
func StoreReferencedObject(referenced interface{}) error {
	tx := BeginTransaction()

	storage, err := GetStorage(reflect.TypeOf(referenced))
	if err != nil {
		return err
	}
	defer storage.Release()

	tx.Add(storage)

	if err := storage.Store(referenced); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("reference store rollback failed", "error", rbErr)
		}
		if _, ok := err.(*Error); ok {
			return err
		}
		return NewError("storing reference failed", err)
	}

	return tx.Commit()
}
