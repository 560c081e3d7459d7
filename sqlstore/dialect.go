// Package sqlstore implements the persistence framework on relational
// databases through database/sql. It compiles query predicates into
// parameterized SQL, synthesizes CREATE TABLE statements from storage
// mappings and adapts to the SQL dialects of PostgreSQL, MySQL/MariaDB and
// SQLite.
package sqlstore

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/satishbabariya/persist-go/persist"
)

// Params holds the dialect parameters of a SQL storage. DefaultParams
// returns the standard SQL defaults; of the zero values, New only replaces
// a zero QueryDepth (with DepthUnlimited).
type Params struct {
	// Provider names the SQL dialect: "postgres", "mysql" or "sqlite".
	Provider string

	// IdentifierQuote is the character quoting SQL identifiers.
	IdentifierQuote byte

	// AutoIDDatatype declares auto-generated integer identity columns;
	// LongAutoIDDatatype is used for 64-bit identities.
	AutoIDDatatype     string
	LongAutoIDDatatype string

	// FuzzySearchFunction is the SQL function used by fuzzy searches, or
	// empty if the database has none.
	FuzzySearchFunction string

	// PagingExpression is a format string with two integer verbs (limit,
	// offset) that is appended to queries with a limit for paging. An empty
	// expression disables paging support.
	PagingExpression string

	// DatatypeMap overrides entries of the standard SQL datatype table.
	DatatypeMap map[reflect.Type]string

	// QueryDepth is the default query depth of storages created with
	// these parameters.
	QueryDepth int

	// UseReturning makes inserts retrieve generated keys through a
	// RETURNING clause instead of the driver's LastInsertId.
	UseReturning bool

	// NumberedPlaceholders rewrites '?' placeholders to '$1'..'$n' as
	// required by PostgreSQL.
	NumberedPlaceholders bool
}

// DefaultParams returns the standard SQL dialect parameters.
func DefaultParams() Params {
	return Params{
		IdentifierQuote:     '"',
		AutoIDDatatype:      "INTEGER AUTO_INCREMENT",
		LongAutoIDDatatype:  "BIGINT AUTO_INCREMENT",
		FuzzySearchFunction: "soundex",
		PagingExpression:    "LIMIT %d OFFSET %d",
		QueryDepth:          persist.DepthUnlimited,
	}
}

// ParamsForProvider returns the dialect parameters for a provider name.
// Unknown providers get the standard parameters.
func ParamsForProvider(provider string) Params {
	params := DefaultParams()
	params.Provider = provider

	switch provider {
	case "postgres", "postgresql":
		params.Provider = "postgres"
		params.AutoIDDatatype = "SERIAL"
		params.LongAutoIDDatatype = "BIGSERIAL"
		params.FuzzySearchFunction = "dmetaphone"
		params.UseReturning = true
		params.NumberedPlaceholders = true
		params.DatatypeMap = map[reflect.Type]string{
			reflect.TypeOf(""):       "TEXT",
			reflect.TypeOf([]byte{}): "BYTEA",
		}
	case "mysql", "mariadb":
		params.IdentifierQuote = '`'
		params.DatatypeMap = map[reflect.Type]string{
			reflect.TypeOf(""): "TEXT",
		}
	case "sqlite", "sqlite3":
		params.Provider = "sqlite"
		// a single INTEGER PRIMARY KEY column is the rowid alias; the
		// create statement omits the separate primary key clause for it
		params.AutoIDDatatype = "INTEGER PRIMARY KEY AUTOINCREMENT"
		params.LongAutoIDDatatype = "INTEGER PRIMARY KEY AUTOINCREMENT"
		params.FuzzySearchFunction = ""
	}

	return params
}

// DriverName maps a provider name to the registered database/sql driver.
func DriverName(provider string) string {
	switch provider {
	case "postgres", "postgresql":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return ""
	}
}

// Quote wraps a SQL identifier in the dialect's quote character.
func (p Params) Quote(name string) string { return p.quote(name) }

// quote wraps a SQL identifier in the dialect's quote character.
func (p Params) quote(name string) string {
	if p.IdentifierQuote == 0 {
		return name
	}
	q := string(p.IdentifierQuote)
	return q + name + q
}

// rebind rewrites '?' placeholders into numbered placeholders when the
// dialect requires them.
func (p Params) rebind(query string) string {
	if !p.NumberedPlaceholders {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
