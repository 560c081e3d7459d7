package persist

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"
	"time"
)

// HasOrder is implemented by enumeration values with a significant
// ordering. Such values are stored in the ordinal-prefixed form
// "<ordinal>-<name>" so that storage-side sorting follows the ordinal.
type HasOrder interface {
	Ordinal() int
}

var (
	typeHandleType = reflect.TypeOf((*reflect.Type)(nil)).Elem()
	durationType   = reflect.TypeOf(time.Duration(0))
	timeType       = reflect.TypeOf(time.Time{})
	bigIntType     = reflect.TypeOf((*big.Int)(nil))
	ordinalType    = reflect.TypeOf((*HasOrder)(nil)).Elem()
	unmarshalerTyp = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

	typeNameMu sync.Mutex
	typeNames  = map[string]reflect.Type{}
)

// RegisterTypeName registers a type under its name so that type-handle
// attribute values can be parsed back from storage.
func RegisterTypeName(t reflect.Type) {
	t = indirectType(t)
	typeNameMu.Lock()
	defer typeNameMu.Unlock()
	typeNames[typeName(t, false)] = t
	typeNames[typeName(t, true)] = t
}

func typeForName(name string) (reflect.Type, bool) {
	typeNameMu.Lock()
	defer typeNameMu.Unlock()
	t, ok := typeNames[name]
	return t, ok
}

func typeName(t reflect.Type, simple bool) string {
	if simple || t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// BaseMapping provides the storage-independent parts of a Mapping
// implementation: the mutable storage relations, value conversion defaults
// and the transactional reference store.
type BaseMapping struct {
	relations MappingRelations
}

// Relations implements Mapping.
func (b *BaseMapping) Relations() *MappingRelations { return &b.relations }

// DefaultCriteria implements Mapping; the default has none.
func (b *BaseMapping) DefaultCriteria(reflect.Type) Predicate { return nil }

// IsDeleteAllowed implements Mapping; deleting is allowed by default.
func (b *BaseMapping) IsDeleteAllowed() bool { return true }

// MapValue implements Mapping. Collection and map values are serialized to
// their canonical JSON string representation; other values pass through.
func (b *BaseMapping) MapValue(attr *Attribute, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		if _, isBytes := value.([]byte); isBytes {
			return value, nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, NewMappingError("cannot serialize %s value: %v", attrName(attr), err)
		}
		return string(data), nil
	}
	return value, nil
}

// StoreReference implements Mapping. The referenced object is stored in
// its own transaction through the storage registered for its type.
func (b *BaseMapping) StoreReference(source, referenced interface{}) error {
	return StoreReferencedObject(referenced)
}

// CheckValue normalizes an incoming value to an attribute's datatype
// following the framework's conversion policy. Mapping implementations use
// it to implement CheckAttributeValue.
func CheckValue(m Mapping, attr *Attribute, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	datatype := m.AttributeDatatype(attr)

	// drivers report text columns as byte slices
	if b, ok := value.([]byte); ok && datatype.Kind() == reflect.String {
		value = string(b)
	}

	if attr.Reference != nil {
		return checkReferenceValue(attr, value)
	}

	if s, ok := value.(string); ok && datatype.Kind() != reflect.String {
		converted, err := parseStringValue(attr, datatype, s)
		if err != nil {
			return nil, err
		}
		value = converted
	} else if s, ok := value.(string); ok && datatype != reflect.TypeOf("") {
		// named string types, typically enumerations
		if datatype.Implements(ordinalType) || reflect.PtrTo(datatype).Implements(ordinalType) {
			if idx := strings.Index(s, "-"); idx >= 0 {
				s = s[idx+1:]
			}
		}
		value = reflect.ValueOf(s).Convert(datatype).Interface()
	}

	value = normalizeNumeric(datatype, value)

	if bf, ok := value.(*big.Float); ok && datatype == bigIntType && bf.IsInt() {
		converted, _ := bf.Int(nil)
		value = converted
	}

	valueType := reflect.TypeOf(value)
	if !valueType.AssignableTo(datatype) {
		if valueType.ConvertibleTo(datatype) && convertibleKinds(valueType, datatype) {
			value = reflect.ValueOf(value).Convert(datatype).Interface()
		} else {
			return nil, NewMappingError("attribute type mismatch: %s (expected %s)", valueType, datatype)
		}
	}

	return value, nil
}

// checkReferenceValue turns a raw referenced-id column value into a stub
// instance of the referenced type that carries only the id attribute, so
// identity comparisons round-trip without a cascading fetch.
func checkReferenceValue(attr *Attribute, value interface{}) (interface{}, error) {
	if reflect.TypeOf(value).AssignableTo(attr.Datatype) {
		return value, nil
	}

	ref := attr.Reference
	idAttr := ref.IDAttribute()
	if idAttr == nil {
		return nil, NewMappingError("referenced type %s has no id attribute", ref.MappedType())
	}

	id, err := ref.CheckAttributeValue(idAttr, value)
	if err != nil {
		return nil, err
	}

	stub := reflect.New(ref.MappedType()).Interface()
	if err := ref.SetAttributeValue(stub, idAttr, id); err != nil {
		return nil, err
	}
	return stub, nil
}

func parseStringValue(attr *Attribute, datatype reflect.Type, s string) (interface{}, error) {
	switch {
	case datatype == typeHandleType:
		t, ok := typeForName(s)
		if !ok {
			return nil, NewMappingError("unknown type name %q", s)
		}
		return t, nil

	case datatype == durationType:
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, NewMappingError("invalid duration %q: %v", s, err)
		}
		return d, nil

	case datatype == timeType:
		return parseTime(s)

	case datatype.Kind() == reflect.Slice || datatype.Kind() == reflect.Array,
		datatype.Kind() == reflect.Map:
		target := reflect.New(datatype)
		if err := json.Unmarshal([]byte(s), target.Interface()); err != nil {
			return nil, NewMappingError("cannot parse %s value %q: %v", attrName(attr), s, err)
		}
		return target.Elem().Interface(), nil

	default:
		if datatype.Implements(ordinalType) || reflect.PtrTo(datatype).Implements(ordinalType) {
			if idx := strings.Index(s, "-"); idx >= 0 {
				s = s[idx+1:]
			}
		}
		if datatype.Kind() == reflect.Ptr && datatype.Implements(unmarshalerTyp) {
			target := reflect.New(datatype.Elem())
			unmarshaler := target.Interface().(encoding.TextUnmarshaler)
			if err := unmarshaler.UnmarshalText([]byte(s)); err != nil {
				return nil, NewMappingError("cannot parse %s value %q: %v", attrName(attr), s, err)
			}
			return target.Interface(), nil
		}
		if reflect.PtrTo(datatype).Implements(unmarshalerTyp) {
			target := reflect.New(datatype)
			unmarshaler := target.Interface().(encoding.TextUnmarshaler)
			if err := unmarshaler.UnmarshalText([]byte(s)); err != nil {
				return nil, NewMappingError("cannot parse %s value %q: %v", attrName(attr), s, err)
			}
			return target.Elem().Interface(), nil
		}
		// no parse method available, keep the string unchanged
		return s, nil
	}
}

func attrName(attr *Attribute) string {
	if attr == nil {
		return "?"
	}
	return attr.Name
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (interface{}, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, NewMappingError("invalid timestamp %q", s)
}

// normalizeNumeric widens or narrows integer values to the declared
// datatype where the conversion is exact.
func normalizeNumeric(datatype reflect.Type, value interface{}) interface{} {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch datatype.Kind() {
		case reflect.Int64:
			return reflect.ValueOf(rv.Int()).Convert(datatype).Interface()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
			n := rv.Int()
			if reflect.Zero(datatype).OverflowInt(n) {
				return value
			}
			return reflect.ValueOf(n).Convert(datatype).Interface()
		}
	case reflect.Float32, reflect.Float64:
		if datatype.Kind() == reflect.Float64 || datatype.Kind() == reflect.Float32 {
			return reflect.ValueOf(rv.Float()).Convert(datatype).Interface()
		}
	}
	return value
}

// convertibleKinds restricts final-check conversions to same-kind-class
// conversions so that e.g. int values are not silently turned into
// strings.
func convertibleKinds(from, to reflect.Type) bool {
	return kindClass(from.Kind()) == kindClass(to.Kind())
}

func kindClass(k reflect.Kind) int {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return 1
	case reflect.Float32, reflect.Float64:
		return 2
	case reflect.String:
		return 3
	default:
		return 0
	}
}

// MapOutgoingValue applies the storage-independent parts of the outgoing
// value conversion: ordinal-prefixed enumerations, type handles and
// durations become strings. Storage implementations apply their own
// datatype conversions on top.
func MapOutgoingValue(attr *Attribute, value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case reflect.Type:
		return typeName(v, attr != nil && attr.OmitNamespace)
	case time.Duration:
		return v.String()
	}
	if ordered, ok := value.(HasOrder); ok {
		return fmt.Sprintf("%d-%v", ordered.Ordinal(), value)
	}
	return value
}
