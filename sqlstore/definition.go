package sqlstore

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"github.com/satishbabariya/persist-go/persist"
)

// DriverDefinition identifies a SQL database by provider name and
// connection string. Two definitions are equal when their connection
// parameters are equal, so equal definitions share a handle cache slot in
// the storage manager.
type DriverDefinition struct {
	provider   string
	dsn        string
	properties string
	queryDepth int
}

// NewDefinition creates a storage definition for a provider ("postgres",
// "mysql", "sqlite") and a driver connection string.
func NewDefinition(provider, dsn string) DriverDefinition {
	return DriverDefinition{
		provider:   provider,
		dsn:        dsn,
		queryDepth: persist.DepthUnlimited,
	}
}

// NewDefinitionWithProperties creates a storage definition with additional
// connection properties that become part of the definition's identity. The
// properties are not passed to the driver; CreateStorage connects with the
// connection string alone.
func NewDefinitionWithProperties(provider, dsn string, properties map[string]string) DriverDefinition {
	d := NewDefinition(provider, dsn)

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(properties[k])
	}
	d.properties = b.String()
	return d
}

// WithQueryDepth returns a copy of the definition whose storages apply the
// given default query depth.
func (d DriverDefinition) WithQueryDepth(depth int) DriverDefinition {
	d.queryDepth = depth
	return d
}

// Provider returns the definition's provider name.
func (d DriverDefinition) Provider() string { return d.provider }

// URL returns the definition's connection string.
func (d DriverDefinition) URL() string { return d.dsn }

// DefaultQueryDepth implements persist.DepthDefinition.
func (d DriverDefinition) DefaultQueryDepth() int { return d.queryDepth }

// CreateStorage implements persist.Definition by opening a database
// connection with the registered driver for the provider.
func (d DriverDefinition) CreateStorage() (persist.Storage, error) {
	driver := DriverName(d.provider)
	if driver == "" {
		return nil, persist.NewMappingError("unsupported provider %q", d.provider)
	}

	db, err := sql.Open(driver, d.dsn)
	if err != nil {
		return nil, persist.NewError("opening database failed", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, persist.NewError("database not reachable", err)
	}

	params := ParamsForProvider(d.provider)
	params.QueryDepth = d.queryDepth

	storage, err := New(db, d, params)
	if err != nil {
		return nil, err
	}
	return storage, nil
}

func (d DriverDefinition) String() string {
	return fmt.Sprintf("DriverDefinition[%s %s]", d.provider, d.dsn)
}
