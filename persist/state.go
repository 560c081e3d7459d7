package persist

import "sync"

// Per-object persistence state, kept in a process-wide side table keyed by
// object identity. Objects enter the table when they are stored in or
// retrieved from a storage for the first time.
var (
	stateMu sync.Mutex
	states  = map[interface{}]*objectState{}
)

type objectState struct {
	persistent bool
	storing    bool
}

// Modifiable is implemented by objects that track their own modification
// state. When present, the flag gates whether an object's attributes are
// rewritten on update; child objects are still traversed either way.
type Modifiable interface {
	IsModified() bool
	SetModified(modified bool)
}

// AfterStoreHandler is implemented by objects that want to be notified
// after they have been stored successfully.
type AfterStoreHandler interface {
	AfterStore() error
}

// IsPersistent reports whether an object has been stored in or retrieved
// from a storage. Objects that are currently being stored also count as
// persistent.
func IsPersistent(obj interface{}) bool {
	stateMu.Lock()
	defer stateMu.Unlock()
	s := states[obj]
	return s != nil && (s.persistent || s.storing)
}

// HasPersistentFlag reports whether the persistent flag itself is set,
// ignoring a concurrent store. Storages use it to decide between insert
// and update.
func HasPersistentFlag(obj interface{}) bool {
	stateMu.Lock()
	defer stateMu.Unlock()
	s := states[obj]
	return s != nil && s.persistent
}

// MarkPersistent flags an object as persistent. The flag is never cleared
// within a session.
func MarkPersistent(obj interface{}) {
	stateMu.Lock()
	defer stateMu.Unlock()
	state(obj).persistent = true
}

// BeginStore sets the transient storing flag on an object. It must be
// balanced with EndStore.
func BeginStore(obj interface{}) {
	stateMu.Lock()
	defer stateMu.Unlock()
	state(obj).storing = true
}

// EndStore clears the storing flag.
func EndStore(obj interface{}) {
	stateMu.Lock()
	defer stateMu.Unlock()
	if s := states[obj]; s != nil {
		s.storing = false
		if !s.persistent {
			delete(states, obj)
		}
	}
}

// IsStoring reports whether an object is currently being stored. Reference
// stores never recurse into such objects.
func IsStoring(obj interface{}) bool {
	stateMu.Lock()
	defer stateMu.Unlock()
	s := states[obj]
	return s != nil && s.storing
}

// NeedsToBeStored reports whether an object's attributes have to be
// written. Objects without modification tracking are always written.
func NeedsToBeStored(obj interface{}) bool {
	if m, ok := obj.(Modifiable); ok {
		return m.IsModified()
	}
	return true
}

// ClearModified resets the modification flag if the object tracks one.
func ClearModified(obj interface{}) {
	if m, ok := obj.(Modifiable); ok {
		m.SetModified(false)
	}
}

// ForgetState drops all per-object persistence state. Intended for tests
// and shutdown.
func ForgetState() {
	stateMu.Lock()
	defer stateMu.Unlock()
	states = map[interface{}]*objectState{}
}

func state(obj interface{}) *objectState {
	s := states[obj]
	if s == nil {
		s = &objectState{}
		states[obj] = s
	}
	return s
}
