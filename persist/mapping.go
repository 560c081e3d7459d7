package persist

import (
	"reflect"
)

// Attribute describes a single persisted field of a mapped type. Instances
// are created by a Mapping implementation and shared between all storages,
// so the cached SQL projection fields are resolved once and reused.
type Attribute struct {
	// Name is the attribute's display name, normally the field name.
	Name string

	// Datatype is the declared value type of the attribute.
	Datatype reflect.Type

	ID            bool
	Parent        bool
	AutoGenerated bool
	Mandatory     bool
	Unique        bool
	Indexed       bool

	// OmitNamespace causes type-handle values to be stored by their simple
	// name instead of the package-qualified name.
	OmitNamespace bool

	// StorageName overrides the display name for storage identifiers.
	StorageName string

	// StorageLength parameterizes length-based storage datatypes.
	StorageLength int

	// ElementType, KeyType and ValueType are datatype hints for
	// collection- and map-valued attributes.
	ElementType reflect.Type
	KeyType     reflect.Type
	ValueType   reflect.Type

	// Ordered marks collection attributes whose element order is
	// significant.
	Ordered bool

	// Reference is the mapping of the referenced type for reference
	// attributes, nil otherwise.
	Reference Mapping

	// ParentMapping is the mapping of the parent type for parent
	// attributes, nil otherwise.
	ParentMapping Mapping

	// SQLName and SQLDatatype cache the resolved SQL projection of this
	// attribute. They are filled in by the SQL storage on first use.
	SQLName     string
	SQLDatatype string
}

func (a *Attribute) String() string { return a.Name }

// MappingRelations holds the mutable per-mapping storage relations that the
// framework reads and caches: names, DDL overrides and child-count handling.
type MappingRelations struct {
	// StorageName is the generic storage name of the mapped type, usually
	// the simple type name.
	StorageName string

	// SQLName caches the resolved SQL table name.
	SQLName string

	// ChildCountColumn caches the name of the child-count column that a
	// parent table keeps for this mapping.
	ChildCountColumn string

	// CreateStatement optionally replaces the synthesized CREATE TABLE
	// statement for this mapping.
	CreateStatement string

	// AutoIDDatatype and LongAutoIDDatatype override the storage-wide
	// auto-identity column datatypes for this mapping.
	AutoIDDatatype     string
	LongAutoIDDatatype string

	// DisableChildCounts suppresses the generation and maintenance of
	// child-count columns, intended for legacy tables only.
	DisableChildCounts bool
}

// Mapping describes how a domain type projects onto a storage: its
// attributes, the id attribute, parent and child relations and the value
// conversion rules. Exactly one mapping is active per type in a process;
// mappings are obtained through GetMapping.
type Mapping interface {
	// MappedType returns the struct type this mapping persists.
	MappedType() reflect.Type

	// Attributes returns the persisted attributes in stable order.
	Attributes() []*Attribute

	// IDAttribute returns the identity attribute or nil if the type has
	// none.
	IDAttribute() *Attribute

	// ParentAttribute returns the attribute referring to the given parent
	// mapping, or nil if this mapping has no such parent.
	ParentAttribute(parent Mapping) *Attribute

	// ChildMappings returns the mappings of all child types in stable
	// order.
	ChildMappings() []Mapping

	// AttributeValue reads an attribute value from an object. For
	// reference attributes the referenced object's id is returned.
	AttributeValue(obj interface{}, attr *Attribute) (interface{}, error)

	// SetAttributeValue writes an attribute value on an object.
	SetAttributeValue(obj interface{}, attr *Attribute, value interface{}) error

	// AttributeDatatype returns the declared datatype of an attribute.
	AttributeDatatype(attr *Attribute) reflect.Type

	// Children returns the child collection of an object for a child
	// mapping.
	Children(obj interface{}, child Mapping) (AnyList, error)

	// NewChildList creates an empty, unbound child list of the correct
	// concrete type for the given child mapping.
	NewChildList(child Mapping) (AnyList, error)

	// SetChildren installs a child collection on an object.
	SetChildren(obj interface{}, children AnyList, child Mapping) error

	// InitChildren back-fills the parent reference in freshly queried
	// child objects.
	InitChildren(obj interface{}, children []interface{}, child Mapping) error

	// CreateObject constructs a new instance from attribute values in
	// declaration order. asChild is true for objects created by a child
	// query.
	CreateObject(values []interface{}, asChild bool) (interface{}, error)

	// CheckAttributeValue normalizes an incoming value to the attribute
	// datatype and fails with a mapping error on a type mismatch.
	CheckAttributeValue(attr *Attribute, value interface{}) (interface{}, error)

	// MapValue converts an outgoing attribute value into the
	// representation handed to the storage driver.
	MapValue(attr *Attribute, value interface{}) (interface{}, error)

	// DefaultCriteria returns a criteria predicate that is folded into
	// every query for the given subtype, or nil for none.
	DefaultCriteria(t reflect.Type) Predicate

	// IsDeleteAllowed reports whether objects of the mapped type may be
	// deleted.
	IsDeleteAllowed() bool

	// IsHierarchyAttribute reports whether an attribute is part of the
	// parent-child hierarchy and therefore excluded from reference
	// handling.
	IsHierarchyAttribute(attr *Attribute) bool

	// StoreReference persists an object referenced by source inside its
	// own transaction.
	StoreReference(source, referenced interface{}) error

	// Relations returns the mutable per-mapping storage relations.
	Relations() *MappingRelations
}

// MappingFactory creates a storage mapping for a type.
type MappingFactory func(t reflect.Type) (Mapping, error)

// ReferenceAccessor is implemented by mappings that can return the raw
// referenced object of a reference attribute (AttributeValue returns the
// referenced id instead).
type ReferenceAccessor interface {
	ReferencedObject(obj interface{}, attr *Attribute) (interface{}, error)
}

// ReferencedObject reads the object referenced by a reference attribute.
// Mappings that do not implement ReferenceAccessor fall back to the plain
// attribute value.
func ReferencedObject(m Mapping, obj interface{}, attr *Attribute) (interface{}, error) {
	if accessor, ok := m.(ReferenceAccessor); ok {
		return accessor.ReferencedObject(obj, attr)
	}
	return m.AttributeValue(obj, attr)
}
