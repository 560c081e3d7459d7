package persist

import (
	"bytes"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// The storage manager is the process-wide directory of storage definitions
// and mappings. Storages are cached per goroutine so that parallel
// goroutines each work on their own handle of the same store without
// explicit coordination; repeated GetStorage calls from the same goroutine
// return the same usage-counted handle.

// defaultStorageKey is the internal registry key for the default
// definition.
type defaultStorageKey struct{}

type mappingFactoryEntry struct {
	baseType reflect.Type
	factory  MappingFactory
}

type handleState struct {
	definition Definition
	usage      int
	managed    bool
	goroutine  int64
}

var (
	managerMu   sync.Mutex
	definitions = map[interface{}]Definition{}
	mappings    = map[reflect.Type]Mapping{}
	factories   []mappingFactoryEntry
	// per-goroutine storage cache: goroutine id -> definition -> storage
	goroutineStorages = map[int64]map[Definition]Storage{}
	handleStates      = map[Storage]*handleState{}
)

// RegisterStorage associates a storage definition with one or more lookup
// keys. The keys are application-defined; GetStorage and NewStorage resolve
// them back to the definition.
func RegisterStorage(definition Definition, keys ...interface{}) {
	if definition == nil || len(keys) == 0 {
		panic("persist: definition and keys must not be empty")
	}
	managerMu.Lock()
	defer managerMu.Unlock()
	for _, key := range keys {
		definitions[normalizeKey(key)] = definition
	}
}

// SetDefaultStorage sets the definition used for all keys that have no
// specific registration.
func SetDefaultStorage(definition Definition) {
	RegisterStorage(definition, defaultStorageKey{})
}

// RegisterMapping sets the mapping for a type explicitly, replacing any
// derived mapping.
func RegisterMapping(t reflect.Type, m Mapping) {
	managerMu.Lock()
	defer managerMu.Unlock()
	mappings[indirectType(t)] = m
}

// RegisterMappingFactory registers a mapping factory for a base type. The
// factory is consulted, in registration order, for every type that matches
// the base type before a default mapping is derived. A base interface type
// matches all types implementing it; a struct type matches itself.
func RegisterMappingFactory(baseType reflect.Type, factory MappingFactory) {
	managerMu.Lock()
	defer managerMu.Unlock()
	factories = append(factories, mappingFactoryEntry{baseType: baseType, factory: factory})
}

// GetMapping returns the storage mapping for a type. If none has been
// registered and no factory matches, a new reflection-derived StructMapping
// is created and cached.
func GetMapping(t reflect.Type) (Mapping, error) {
	t = indirectType(t)

	managerMu.Lock()
	if m, ok := mappings[t]; ok {
		managerMu.Unlock()
		return m, nil
	}
	entries := make([]mappingFactoryEntry, len(factories))
	copy(entries, factories)
	managerMu.Unlock()

	for _, entry := range entries {
		if factoryMatches(entry.baseType, t) {
			m, err := entry.factory(t)
			if err != nil {
				return nil, err
			}
			RegisterMapping(t, m)
			return m, nil
		}
	}

	// NewStructMapping registers itself before analyzing fields to keep
	// recursive child lookups from re-entering this path.
	m, err := NewStructMapping(t)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MappingFor returns the mapping for an object's type.
func MappingFor(obj interface{}) (Mapping, error) {
	return GetMapping(reflect.TypeOf(obj))
}

// GetStorageDefinition resolves the storage definition for a key: a
// definition passed directly, a registered key, or the default definition.
// Returns nil if none matches.
func GetStorageDefinition(key interface{}) Definition {
	if d, ok := key.(Definition); ok {
		return d
	}
	managerMu.Lock()
	defer managerMu.Unlock()
	if d, ok := definitions[normalizeKey(key)]; ok {
		return d
	}
	return definitions[defaultStorageKey{}]
}

// GetStorage returns a storage for the definition registered under the
// given key, creating it if this goroutine holds none yet. Each call
// increments the handle's usage count; every handle obtained this way must
// be given back with Release.
func GetStorage(key interface{}) (Storage, error) {
	definition, err := checkStorageDefinition(key)
	if err != nil {
		return nil, err
	}

	gid := goroutineID()

	managerMu.Lock()
	cache := goroutineStorages[gid]
	if cache == nil {
		cache = map[Definition]Storage{}
		goroutineStorages[gid] = cache
	}
	storage := cache[definition]
	if storage != nil && storage.IsValid() {
		handleStates[storage].usage++
		managerMu.Unlock()
		return storage, nil
	}
	if storage != nil {
		delete(handleStates, storage)
	}
	delete(cache, definition)
	managerMu.Unlock()

	storage, err = definition.CreateStorage()
	if err != nil {
		return nil, err
	}

	managerMu.Lock()
	cache = goroutineStorages[gid]
	if cache == nil {
		cache = map[Definition]Storage{}
		goroutineStorages[gid] = cache
	}
	cache[definition] = storage
	handleStates[storage] = &handleState{
		definition: definition,
		usage:      1,
		managed:    true,
		goroutine:  gid,
	}
	managerMu.Unlock()

	return storage, nil
}

// NewStorage always creates a fresh, unmanaged storage for the definition
// registered under the given key. The caller owns its lifecycle and must
// release it when done.
func NewStorage(key interface{}) (Storage, error) {
	definition, err := checkStorageDefinition(key)
	if err != nil {
		return nil, err
	}
	storage, err := definition.CreateStorage()
	if err != nil {
		return nil, err
	}

	managerMu.Lock()
	handleStates[storage] = &handleState{definition: definition, usage: 1}
	managerMu.Unlock()

	return storage, nil
}

// ReleaseStorage decrements a handle's usage count. At zero the handle is
// evicted from its goroutine cache (if managed) and closed. Storage
// implementations call this from their Release method.
func ReleaseStorage(storage Storage) {
	managerMu.Lock()
	s := handleStates[storage]
	if s == nil {
		// not manager-tracked, e.g. a handle constructed directly
		managerMu.Unlock()
		storage.Close()
		return
	}
	s.usage--
	if s.usage > 0 {
		managerMu.Unlock()
		return
	}
	delete(handleStates, storage)
	if s.managed {
		if cache := goroutineStorages[s.goroutine]; cache != nil {
			delete(cache, s.definition)
			if len(cache) == 0 {
				delete(goroutineStorages, s.goroutine)
			}
		}
	}
	managerMu.Unlock()

	storage.Close()
}

// UsageCount returns the current usage count of a managed handle, or 0 for
// unknown handles.
func UsageCount(storage Storage) int {
	managerMu.Lock()
	defer managerMu.Unlock()
	if s := handleStates[storage]; s != nil {
		return s.usage
	}
	return 0
}

// Shutdown closes all cached storages and drops the manager's registries.
func Shutdown() {
	managerMu.Lock()
	open := make([]Storage, 0, len(handleStates))
	for storage := range handleStates {
		open = append(open, storage)
	}
	definitions = map[interface{}]Definition{}
	mappings = map[reflect.Type]Mapping{}
	factories = nil
	goroutineStorages = map[int64]map[Definition]Storage{}
	handleStates = map[Storage]*handleState{}
	managerMu.Unlock()

	for _, storage := range open {
		storage.Close()
	}
	ForgetState()
}

// ConvertToSQLConstraint converts a user constraint string to a SQL LIKE
// pattern by replacing '*' with '%' and '?' with '_'.
func ConvertToSQLConstraint(constraint string) string {
	constraint = strings.ReplaceAll(constraint, "*", "%")
	constraint = strings.ReplaceAll(constraint, "?", "_")
	return constraint
}

func checkStorageDefinition(key interface{}) (Definition, error) {
	definition := GetStorageDefinition(key)
	if definition == nil {
		return nil, NewMappingError("no storage definition for key %v", key)
	}
	return definition, nil
}

// normalizeKey makes reflect.Type keys interchangeable between struct and
// pointer-to-struct forms.
func normalizeKey(key interface{}) interface{} {
	if t, ok := key.(reflect.Type); ok {
		return indirectType(t)
	}
	return key
}

func factoryMatches(base, t reflect.Type) bool {
	if base == t {
		return true
	}
	if base.Kind() == reflect.Interface {
		return t.Implements(base) || reflect.PtrTo(t).Implements(base)
	}
	return false
}

// goroutineID extracts the current goroutine's id from its stack header.
// The per-goroutine storage cache is the explicit analog of a thread-local
// handle map; callers that prefer to pass handles along the call chain can
// use NewStorage instead.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// header format: "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
