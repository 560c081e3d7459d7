package persist

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
)

// defaultStorageLength is the storage length assumed for length-based
// datatypes without an explicit length option.
const defaultStorageLength = 2048

// StructMapping is the reflection-derived default mapping: it inspects the
// fields of a struct type and synthesizes attribute descriptors from them.
// Field behavior is refined with `storage` tags:
//
//	ID      int                      `storage:"id,auto"`
//	Name    string                   `storage:"name=title,length=200,unique"`
//	Parent  *Folder                  `storage:"parent"`
//	Owner   *Account                 // pointer to a mapped struct: reference
//	Details *persist.List[*Detail]   // lazy child collection
//	Cache   map[string]int           `storage:"-"`
//
// Recognized options: id, auto, parent, ref, unique, mandatory, indexed,
// omitns, ordered, name=<storage name>, length=<n> and "-" to skip a field.
type StructMapping struct {
	BaseMapping

	mappedType reflect.Type

	attrs      []*Attribute
	idAttr     *Attribute
	parentAttr *Attribute

	children    []Mapping
	childFields map[Mapping]reflect.StructField

	fieldIndex map[*Attribute]int
}

// NewStructMapping derives a mapping from a struct type (or a pointer to
// one) and registers it, replacing any previously derived mapping.
func NewStructMapping(t reflect.Type) (*StructMapping, error) {
	t = indirectType(t)
	if t.Kind() != reflect.Struct {
		return nil, NewMappingError("cannot derive a mapping for %s", t)
	}

	m := &StructMapping{
		mappedType:  t,
		childFields: map[Mapping]reflect.StructField{},
		fieldIndex:  map[*Attribute]int{},
	}
	m.Relations().StorageName = t.Name()

	// register before analyzing so that child mappings resolving their
	// parent type find this mapping instead of recursing
	RegisterMapping(t, m)
	RegisterTypeName(t)

	if err := m.analyzeFields(); err != nil {
		return nil, err
	}
	return m, nil
}

// MustStructMapping is like NewStructMapping but panics on error.
func MustStructMapping(t reflect.Type) *StructMapping {
	m, err := NewStructMapping(t)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *StructMapping) analyzeFields() error {
	for i := 0; i < m.mappedType.NumField(); i++ {
		field := m.mappedType.Field(i)
		if field.PkgPath != "" {
			continue
		}

		tag := field.Tag.Get("storage")
		if tag == "-" {
			continue
		}

		if isChildListField(field.Type) {
			if err := m.addChildField(field); err != nil {
				return err
			}
			continue
		}

		attr, err := m.newAttribute(field, tag)
		if err != nil {
			return err
		}
		m.attrs = append(m.attrs, attr)
		m.fieldIndex[attr] = i

		if attr.ID {
			m.idAttr = attr
		} else if attr.Parent {
			m.parentAttr = attr
		}
	}
	return nil
}

func (m *StructMapping) newAttribute(field reflect.StructField, tag string) (*Attribute, error) {
	attr := &Attribute{
		Name:          field.Name,
		Datatype:      field.Type,
		StorageLength: defaultStorageLength,
	}

	for _, option := range strings.Split(tag, ",") {
		option = strings.TrimSpace(option)
		switch {
		case option == "":
		case option == "id":
			attr.ID = true
		case option == "auto":
			attr.AutoGenerated = true
		case option == "parent":
			attr.Parent = true
		case option == "ref":
			// reference detection is type-based; the option only
			// documents intent
		case option == "unique":
			attr.Unique = true
		case option == "mandatory", option == "notnull":
			attr.Mandatory = true
		case option == "indexed":
			attr.Indexed = true
		case option == "omitns":
			attr.OmitNamespace = true
		case option == "ordered":
			attr.Ordered = true
		case strings.HasPrefix(option, "name="):
			attr.StorageName = option[len("name="):]
		case strings.HasPrefix(option, "length="):
			length, err := strconv.Atoi(option[len("length="):])
			if err != nil {
				return nil, NewMappingError("invalid length option %q on %s.%s",
					option, m.mappedType.Name(), field.Name)
			}
			attr.StorageLength = length
		default:
			return nil, NewMappingError("unknown storage option %q on %s.%s",
				option, m.mappedType.Name(), field.Name)
		}
	}

	if !attr.ID && (field.Name == "ID" || field.Name == "Id") {
		attr.ID = true
	}

	switch field.Type.Kind() {
	case reflect.Slice:
		if field.Type.Elem().Kind() != reflect.Uint8 {
			attr.ElementType = field.Type.Elem()
		}
	case reflect.Map:
		attr.KeyType = field.Type.Key()
		attr.ValueType = field.Type.Elem()
	case reflect.Ptr:
		if elem := field.Type.Elem(); elem.Kind() == reflect.Struct && isMappableStruct(elem) {
			referenced, err := GetMapping(elem)
			if err != nil {
				return nil, err
			}
			attr.Reference = referenced
			if attr.Parent {
				attr.ParentMapping = referenced
			}
		}
	}

	if attr.Parent && attr.ParentMapping == nil {
		return nil, NewMappingError("parent field %s.%s must be a pointer to a mapped struct",
			m.mappedType.Name(), field.Name)
	}

	return attr, nil
}

func (m *StructMapping) addChildField(field reflect.StructField) error {
	prototype := reflect.New(field.Type.Elem()).Interface().(AnyList)
	elemType := indirectType(prototype.ElementType())

	child, err := GetMapping(elemType)
	if err != nil {
		return err
	}

	m.children = append(m.children, child)
	m.childFields[child] = field
	return nil
}

// MappedType implements Mapping.
func (m *StructMapping) MappedType() reflect.Type { return m.mappedType }

// Attributes implements Mapping.
func (m *StructMapping) Attributes() []*Attribute { return m.attrs }

// IDAttribute implements Mapping.
func (m *StructMapping) IDAttribute() *Attribute { return m.idAttr }

// ParentAttribute implements Mapping.
func (m *StructMapping) ParentAttribute(parent Mapping) *Attribute {
	if m.parentAttr != nil && m.parentAttr.ParentMapping == parent {
		return m.parentAttr
	}
	return nil
}

// ChildMappings implements Mapping.
func (m *StructMapping) ChildMappings() []Mapping { return m.children }

// Attribute returns the descriptor of a named field, or nil if the field
// is not mapped.
func (m *StructMapping) Attribute(fieldName string) *Attribute {
	for _, attr := range m.attrs {
		if strings.EqualFold(attr.Name, fieldName) {
			return attr
		}
	}
	return nil
}

// AttributeValue implements Mapping. Reference and parent attributes
// return the referenced object's id value.
func (m *StructMapping) AttributeValue(obj interface{}, attr *Attribute) (interface{}, error) {
	field, err := m.fieldValue(obj, attr)
	if err != nil {
		return nil, err
	}

	if attr.Reference != nil {
		if field.IsNil() {
			return nil, nil
		}
		ref := attr.Reference
		idAttr := ref.IDAttribute()
		if idAttr == nil {
			return nil, NewMappingError("referenced type %s has no id attribute", ref.MappedType())
		}
		return ref.AttributeValue(field.Interface(), idAttr)
	}

	return field.Interface(), nil
}

// SetAttributeValue implements Mapping.
func (m *StructMapping) SetAttributeValue(obj interface{}, attr *Attribute, value interface{}) error {
	field, err := m.fieldValue(obj, attr)
	if err != nil {
		return err
	}

	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(field.Type()):
		field.Set(rv)
	case rv.Type().ConvertibleTo(field.Type()) && convertibleKinds(rv.Type(), field.Type()):
		field.Set(rv.Convert(field.Type()))
	default:
		return NewMappingError("cannot assign %s to %s.%s", rv.Type(), m.mappedType.Name(), attr.Name)
	}
	return nil
}

// AttributeDatatype implements Mapping.
func (m *StructMapping) AttributeDatatype(attr *Attribute) reflect.Type { return attr.Datatype }

// Children implements Mapping. A nil child field is replaced with an empty
// list first.
func (m *StructMapping) Children(obj interface{}, child Mapping) (AnyList, error) {
	field, structField, err := m.childField(obj, child)
	if err != nil {
		return nil, err
	}
	if field.IsNil() {
		field.Set(reflect.New(structField.Type.Elem()))
	}
	return field.Interface().(AnyList), nil
}

// NewChildList implements Mapping.
func (m *StructMapping) NewChildList(child Mapping) (AnyList, error) {
	structField, ok := m.childFields[child]
	if !ok {
		return nil, NewMappingError("%s is not a child mapping of %s", child.MappedType(), m.mappedType)
	}
	return reflect.New(structField.Type.Elem()).Interface().(AnyList), nil
}

// SetChildren implements Mapping.
func (m *StructMapping) SetChildren(obj interface{}, children AnyList, child Mapping) error {
	field, _, err := m.childField(obj, child)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(children)
	if !rv.Type().AssignableTo(field.Type()) {
		return NewMappingError("cannot install %s children as %s", rv.Type(), field.Type())
	}
	field.Set(rv)
	return nil
}

// InitChildren implements Mapping. The parent reference of each child is
// set to the given object.
func (m *StructMapping) InitChildren(obj interface{}, children []interface{}, child Mapping) error {
	parentAttr := child.ParentAttribute(m)
	if parentAttr == nil {
		return NewMappingError("no parent attribute for %s in %s", m.mappedType, child.MappedType())
	}
	for _, c := range children {
		if err := setReferenceField(c, parentAttr, obj); err != nil {
			return err
		}
	}
	return nil
}

// CreateObject implements Mapping. Attribute values are normalized with
// CheckAttributeValue; parent attribute columns are skipped, the parent
// reference is back-filled by InitChildren.
func (m *StructMapping) CreateObject(values []interface{}, asChild bool) (interface{}, error) {
	if len(values) < len(m.attrs) {
		return nil, NewMappingError("expected %d attribute values for %s, got %d",
			len(m.attrs), m.mappedType, len(values))
	}

	obj := reflect.New(m.mappedType).Interface()

	for i, attr := range m.attrs {
		if attr.Parent {
			continue
		}
		value, err := m.CheckAttributeValue(attr, values[i])
		if err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		if err := m.SetAttributeValue(obj, attr, value); err != nil {
			return nil, err
		}
	}

	return obj, nil
}

// CheckAttributeValue implements Mapping.
func (m *StructMapping) CheckAttributeValue(attr *Attribute, value interface{}) (interface{}, error) {
	return CheckValue(m, attr, value)
}

// ReferencedObject implements ReferenceAccessor by returning the raw
// referenced object of a reference attribute.
func (m *StructMapping) ReferencedObject(obj interface{}, attr *Attribute) (interface{}, error) {
	field, err := m.fieldValue(obj, attr)
	if err != nil {
		return nil, err
	}
	if attr.Reference == nil || field.IsNil() {
		return nil, nil
	}
	return field.Interface(), nil
}

// IsHierarchyAttribute implements Mapping.
func (m *StructMapping) IsHierarchyAttribute(attr *Attribute) bool { return attr.Parent }

func (m *StructMapping) String() string {
	return fmt.Sprintf("StructMapping[%s]", m.mappedType.Name())
}

func (m *StructMapping) fieldValue(obj interface{}, attr *Attribute) (reflect.Value, error) {
	index, ok := m.fieldIndex[attr]
	if !ok {
		return reflect.Value{}, NewMappingError("%s is not an attribute of %s", attr.Name, m.mappedType)
	}

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Type() != m.mappedType {
		return reflect.Value{}, NewMappingError("expected *%s, got %T", m.mappedType, obj)
	}
	return v.Elem().Field(index), nil
}

func (m *StructMapping) childField(obj interface{}, child Mapping) (reflect.Value, reflect.StructField, error) {
	structField, ok := m.childFields[child]
	if !ok {
		return reflect.Value{}, structField,
			NewMappingError("%s is not a child mapping of %s", child.MappedType(), m.mappedType)
	}

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Type() != m.mappedType {
		return reflect.Value{}, structField, NewMappingError("expected *%s, got %T", m.mappedType, obj)
	}
	return v.Elem().FieldByIndex(structField.Index), structField, nil
}

func setReferenceField(obj interface{}, attr *Attribute, value interface{}) error {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return NewMappingError("expected pointer object, got %T", obj)
	}
	field := v.Elem().FieldByName(attr.Name)
	if !field.IsValid() {
		return NewMappingError("no field %q in %T", attr.Name, obj)
	}
	rv := reflect.ValueOf(value)
	if !rv.Type().AssignableTo(field.Type()) {
		return NewMappingError("cannot assign %s to field %q of %T", rv.Type(), attr.Name, obj)
	}
	field.Set(rv)
	return nil
}

// isChildListField reports whether a struct field holds a lazy child
// collection.
func isChildListField(t reflect.Type) bool {
	if t.Kind() != reflect.Ptr {
		return false
	}
	return t.Implements(reflect.TypeOf((*AnyList)(nil)).Elem())
}

// isMappableStruct excludes well-known value structs from reference
// detection.
func isMappableStruct(t reflect.Type) bool {
	switch t {
	case timeType, reflect.TypeOf(big.Int{}), reflect.TypeOf(big.Float{}), reflect.TypeOf(big.Rat{}):
		return false
	}
	return true
}
