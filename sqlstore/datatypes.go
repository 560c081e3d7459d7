package sqlstore

import (
	"log/slog"
	"math/big"
	"reflect"
	"time"

	"github.com/satishbabariya/persist-go/persist"
)

// DefaultStringDatatype is the column datatype used for values without a
// dedicated SQL datatype mapping. Values stored in such columns are
// stringified on the way out.
const DefaultStringDatatype = "VARCHAR(1000)"

// Length-parameterized datatypes carry a %d verb that is replaced with the
// attribute's storage length.
var standardSQLDatatypes = map[reflect.Type]string{
	reflect.TypeOf(int8(0)):          "TINYINT",
	reflect.TypeOf(int16(0)):         "SMALLINT",
	reflect.TypeOf(int32(0)):         "INTEGER",
	reflect.TypeOf(int(0)):           "INTEGER",
	reflect.TypeOf(int64(0)):         "BIGINT",
	reflect.TypeOf(uint8(0)):         "TINYINT",
	reflect.TypeOf(uint16(0)):        "SMALLINT",
	reflect.TypeOf(uint32(0)):        "INTEGER",
	reflect.TypeOf(uint(0)):          "INTEGER",
	reflect.TypeOf(uint64(0)):        "BIGINT",
	reflect.TypeOf([]byte(nil)):      "VARBINARY(%d)",
	reflect.TypeOf(float32(0)):       "REAL",
	reflect.TypeOf(float64(0)):       "DOUBLE PRECISION",
	reflect.TypeOf(false):            "BOOLEAN",
	reflect.TypeOf((*big.Int)(nil)):  "DECIMAL(1000)",
	reflect.TypeOf((*big.Float)(nil)): "DECIMAL",
	reflect.TypeOf(""):               "VARCHAR(%d)",
	reflect.TypeOf(time.Time{}):      "TIMESTAMP",
	reflect.TypeOf(time.Duration(0)): "VARCHAR(255)",
}

var (
	typeHandleType = reflect.TypeOf((*reflect.Type)(nil)).Elem()
	ordinalType    = reflect.TypeOf((*persist.HasOrder)(nil)).Elem()
)

// mapSQLDatatype maps an attribute datatype to its SQL column datatype.
// Type handles, ordered enumerations and collections get fixed string
// datatypes; all other datatypes consult the dialect overrides first.
// Unmapped datatypes fall back to the default string datatype.
func (p Params) mapSQLDatatype(datatype reflect.Type) string {
	lookup := datatype

	switch {
	case datatype == typeHandleType:
		return "VARCHAR(511)"
	case datatype.Implements(ordinalType) || reflect.PtrTo(datatype).Implements(ordinalType):
		// ordered enumerations are stored in the "<ordinal>-<name>" form
		return "VARCHAR(255)"
	case datatype.Kind() == reflect.Slice && datatype.Elem().Kind() != reflect.Uint8,
		datatype.Kind() == reflect.Array,
		datatype.Kind() == reflect.Map:
		// collections and maps use their canonical string form
		return "VARCHAR(%d)"
	case datatype.Kind() == reflect.String:
		lookup = reflect.TypeOf("")
	}

	if p.DatatypeMap != nil {
		if sqlType, ok := p.DatatypeMap[lookup]; ok {
			return sqlType
		}
	}
	if sqlType, ok := standardSQLDatatypes[lookup]; ok {
		return sqlType
	}

	// named types map through their underlying kind
	if base := baseTypeForKind(lookup.Kind()); base != nil && base != lookup {
		if p.DatatypeMap != nil {
			if sqlType, ok := p.DatatypeMap[base]; ok {
				return sqlType
			}
		}
		if sqlType, ok := standardSQLDatatypes[base]; ok {
			return sqlType
		}
	}

	slog.Warn("no datatype mapping, using default",
		"datatype", datatype.String(), "default", DefaultStringDatatype)

	return DefaultStringDatatype
}

func baseTypeForKind(k reflect.Kind) reflect.Type {
	switch k {
	case reflect.Int8:
		return reflect.TypeOf(int8(0))
	case reflect.Int16:
		return reflect.TypeOf(int16(0))
	case reflect.Int32:
		return reflect.TypeOf(int32(0))
	case reflect.Int:
		return reflect.TypeOf(int(0))
	case reflect.Int64:
		return reflect.TypeOf(int64(0))
	case reflect.Uint8:
		return reflect.TypeOf(uint8(0))
	case reflect.Uint16:
		return reflect.TypeOf(uint16(0))
	case reflect.Uint32:
		return reflect.TypeOf(uint32(0))
	case reflect.Uint:
		return reflect.TypeOf(uint(0))
	case reflect.Uint64:
		return reflect.TypeOf(uint64(0))
	case reflect.Float32:
		return reflect.TypeOf(float32(0))
	case reflect.Float64:
		return reflect.TypeOf(float64(0))
	case reflect.Bool:
		return reflect.TypeOf(false)
	case reflect.String:
		return reflect.TypeOf("")
	default:
		return nil
	}
}
