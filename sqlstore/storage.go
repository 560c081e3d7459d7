package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/satishbabariya/persist-go/persist"
)

const (
	selectTemplate      = "SELECT %s FROM %s"
	insertTemplate      = "INSERT INTO %s (%s) VALUES (%s)"
	updateTemplate      = "UPDATE %s SET %s WHERE %s"
	deleteTemplate      = "DELETE FROM %s WHERE %s = ?"
	createTableTemplate = "CREATE TABLE %s (%s)"
	dropTableTemplate   = "DROP TABLE %s"
	primaryKeyTemplate  = "PRIMARY KEY(%s),"
	foreignKeyTemplate  = "FOREIGN KEY(%s) REFERENCES %s(%s),"
	indexTemplate       = "CREATE INDEX idx_%s_%s ON %s(%s)"

	childCountPrefix = "_cc_"
)

// Storage is a SQL implementation of persist.Storage. All statements of a
// handle run on a single connection inside an explicit transaction that is
// begun lazily and bracketed by Commit and Rollback.
type Storage struct {
	db         *sql.DB
	conn       *sql.Conn
	tx         *sql.Tx
	ctx        context.Context
	definition persist.Definition
	params     Params
	closed     bool
}

// New creates a storage over an open database handle.
func New(db *sql.DB, definition persist.Definition, params Params) (*Storage, error) {
	ctx := context.Background()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, persist.NewError("acquiring connection failed", err)
	}

	if params.QueryDepth == 0 {
		params.QueryDepth = persist.DepthUnlimited
	}

	return &Storage{
		db:         db,
		conn:       conn,
		ctx:        ctx,
		definition: definition,
		params:     params,
	}, nil
}

// Params returns the dialect parameters of this storage.
func (s *Storage) Params() Params { return s.params }

// FuzzySearchFunction returns the dialect's fuzzy search function name, or
// an empty string if the database has none.
func (s *Storage) FuzzySearchFunction() string { return s.params.FuzzySearchFunction }

// Definition implements persist.Storage.
func (s *Storage) Definition() persist.Definition { return s.definition }

// DefaultQueryDepth implements persist.Storage.
func (s *Storage) DefaultQueryDepth() int { return s.params.QueryDepth }

// ImplementationName implements persist.Storage.
func (s *Storage) ImplementationName() string { return s.params.Provider }

// IsValid implements persist.Storage.
func (s *Storage) IsValid() bool {
	if s.closed {
		return false
	}
	return s.conn.PingContext(s.ctx) == nil
}

// Commit implements persist.Storage.
func (s *Storage) Commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return persist.NewError("commit failed", err)
	}
	return nil
}

// Rollback implements persist.Storage.
func (s *Storage) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return persist.NewError("rollback failed", err)
	}
	return nil
}

// Release implements persist.Storage by handing the storage back to the
// manager.
func (s *Storage) Release() { persist.ReleaseStorage(s) }

// Close implements persist.Storage. Pending changes are rolled back.
func (s *Storage) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil {
			slog.Warn("rollback on close failed", "error", err)
		}
		s.tx = nil
	}
	if err := s.conn.Close(); err != nil {
		slog.Warn("closing connection failed", "error", err)
	}
	if err := s.db.Close(); err != nil {
		slog.Warn("closing database failed", "error", err)
	}
}

// Query implements persist.Storage.
func (s *Storage) Query(p *persist.QueryPredicate) (persist.Query, error) {
	query, err := newQuery(s, p)
	if err != nil {
		return nil, err
	}
	return query, nil
}

// Store implements persist.Storage. Collections are stored element by
// element in iteration order.
func (s *Storage) Store(obj interface{}) error {
	switch v := obj.(type) {
	case nil:
		return nil
	case persist.AnyList:
		for _, element := range v.Elements() {
			if err := s.storeSingle(element); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for _, element := range v {
			if err := s.storeSingle(element); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Slice {
		for i := 0; i < rv.Len(); i++ {
			if err := s.storeSingle(rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	}

	return s.storeSingle(obj)
}

// storeSingle stores one object with the persistence flag discipline: the
// storing flag is set for the duration of the store, the persistent flag is
// set on success and the modification flag is reset if the object tracks
// one.
func (s *Storage) storeSingle(obj interface{}) error {
	persist.BeginStore(obj)
	defer persist.EndStore(obj)

	if err := s.storeObject(obj); err != nil {
		if _, ok := err.(*persist.Error); ok {
			return err
		}
		return persist.NewError(fmt.Sprintf("store failed: %v", obj), err)
	}

	persist.MarkPersistent(obj)
	persist.ClearModified(obj)

	if handler, ok := obj.(persist.AfterStoreHandler); ok {
		if err := handler.AfterStore(); err != nil {
			return persist.NewError("after-store handler failed", err)
		}
	}
	return nil
}

// storeObject stores the hierarchy of a single object: referenced objects
// first, so that generated ids of new references are available, then the
// object's own row, then all children recursively.
func (s *Storage) storeObject(obj interface{}) error {
	mapping, err := persist.MappingFor(obj)
	if err != nil {
		return err
	}

	insert := !persist.HasPersistentFlag(obj)

	if err := s.storeReferences(obj, mapping); err != nil {
		return err
	}

	if persist.NeedsToBeStored(obj) {
		if err := s.storeAttributes(mapping, obj, insert); err != nil {
			return err
		}
	}

	for _, child := range mapping.ChildMappings() {
		children, err := mapping.Children(obj, child)
		if err != nil {
			return err
		}
		if err := s.Store(children); err != nil {
			return err
		}
	}
	return nil
}

// storeReferences stores the objects referenced by the argument object if
// they are modified, not part of the object's hierarchy and not already
// being stored.
func (s *Storage) storeReferences(obj interface{}, mapping persist.Mapping) error {
	for _, attr := range mapping.Attributes() {
		if attr.Reference == nil || mapping.IsHierarchyAttribute(attr) {
			continue
		}

		referenced, err := persist.ReferencedObject(mapping, obj, attr)
		if err != nil {
			return err
		}
		if referenced == nil {
			continue
		}

		if !persist.IsStoring(referenced) && persist.NeedsToBeStored(referenced) {
			if err := attr.Reference.StoreReference(obj, referenced); err != nil {
				return err
			}
		}
	}
	return nil
}

// storeAttributes issues the insert or update statement for an object's
// own row.
func (s *Storage) storeAttributes(mapping persist.Mapping, obj interface{}, insert bool) error {
	idAttr := mapping.IDAttribute()
	generatedID := false

	var statement string
	var err error

	if insert {
		if idAttr != nil && idAttr.AutoGenerated {
			id, err := mapping.AttributeValue(obj, idAttr)
			if err != nil {
				return err
			}
			generatedID = id == nil || isNonPositive(id)
		}
		statement, err = s.createInsertStatement(mapping, generatedID)
	} else {
		statement, err = s.createUpdateStatement(mapping)
	}
	if err != nil {
		return err
	}

	params, err := s.statementParameters(mapping, obj, insert, generatedID)
	if err != nil {
		return err
	}

	slog.Debug("executing", "sql", statement, "params", params)

	if generatedID && s.params.UseReturning {
		return s.insertReturning(mapping, obj, statement, params)
	}

	result, err := s.exec(statement, params...)
	if err != nil {
		op := "update"
		if insert {
			op = "insert"
		}
		return persist.NewError(fmt.Sprintf("SQL %s failed for %v (%s)", op, obj, statement), err)
	}

	if generatedID {
		return s.setGeneratedKey(result, mapping, obj)
	}
	return nil
}

// insertReturning performs an insert that retrieves the generated key
// through a RETURNING clause.
func (s *Storage) insertReturning(mapping persist.Mapping, obj interface{}, statement string, params []interface{}) error {
	idAttr := mapping.IDAttribute()
	statement += " RETURNING " + s.sqlName(idAttr, true)

	runner, err := s.txRunner()
	if err != nil {
		return err
	}

	var key int64
	row := runner.QueryRowContext(s.ctx, s.params.rebind(statement), params...)
	if err := row.Scan(&key); err != nil {
		return persist.NewError("retrieving generated key failed", err)
	}

	return s.assignGeneratedKey(mapping, obj, key)
}

// setGeneratedKey reads the driver-generated key of an insert and assigns
// it to the object's id attribute. Drivers without key retrieval assign -1.
func (s *Storage) setGeneratedKey(result sql.Result, mapping persist.Mapping, obj interface{}) error {
	key, err := result.LastInsertId()
	if err != nil {
		key = -1
	}
	return s.assignGeneratedKey(mapping, obj, key)
}

func (s *Storage) assignGeneratedKey(mapping persist.Mapping, obj interface{}, key int64) error {
	idAttr := mapping.IDAttribute()
	if idAttr == nil {
		return nil
	}

	slog.Debug("generated key", "key", key, "object", fmt.Sprint(obj))

	if idAttr.Datatype.Kind() == reflect.Int64 {
		return mapping.SetAttributeValue(obj, idAttr, key)
	}
	return mapping.SetAttributeValue(obj, idAttr, int(key))
}

// Delete implements persist.Storage.
func (s *Storage) Delete(obj interface{}) error {
	mapping, err := persist.MappingFor(obj)
	if err != nil {
		return err
	}
	if err := persist.CheckDeleteEnabled(mapping); err != nil {
		return err
	}

	idAttr := mapping.IDAttribute()
	if idAttr == nil {
		return persist.NewMappingError("no id attribute defined in %s", mapping.MappedType())
	}

	id, err := mapping.AttributeValue(obj, idAttr)
	if err != nil {
		return err
	}
	id, err = s.mapValue(mapping, idAttr, id)
	if err != nil {
		return err
	}

	statement := fmt.Sprintf(deleteTemplate, s.sqlName(mapping, true), s.sqlName(idAttr, true))
	slog.Debug("executing", "sql", statement, "id", id)

	if _, err := s.exec(statement, id); err != nil {
		return persist.NewError("delete failed", err)
	}
	return nil
}

// HasObjectStorage implements persist.Storage.
func (s *Storage) HasObjectStorage(t reflect.Type) (bool, error) {
	mapping, err := persist.GetMapping(t)
	if err != nil {
		return false, err
	}
	return s.containsTable(s.sqlName(mapping, false))
}

// InitObjectStorage implements persist.Storage. The tables for the mapping
// and its child mappings are created if the top-level table does not exist
// yet.
func (s *Storage) InitObjectStorage(t reflect.Type) error {
	mapping, err := persist.GetMapping(t)
	if err != nil {
		return err
	}
	return s.initObjectStorage(mapping)
}

func (s *Storage) initObjectStorage(mapping persist.Mapping) error {
	exists, err := s.containsTable(s.sqlName(mapping, false))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if create := mapping.Relations().CreateStatement; create != "" {
		if _, err := s.exec(create); err != nil {
			return persist.NewError("create statement failed", err)
		}
	} else if err := s.createTable(mapping); err != nil {
		return err
	}

	for _, child := range mapping.ChildMappings() {
		// create child tables, but only if not self-referencing
		if child != mapping {
			if err := s.initObjectStorage(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveObjectStorage implements persist.Storage. Child tables are kept;
// removing a hierarchy requires an explicit call per type.
func (s *Storage) RemoveObjectStorage(t reflect.Type) error {
	mapping, err := persist.GetMapping(t)
	if err != nil {
		return err
	}
	if err := persist.CheckDeleteEnabled(mapping); err != nil {
		return err
	}

	exists, err := s.containsTable(s.sqlName(mapping, false))
	if err != nil || !exists {
		return err
	}

	if _, err := s.exec(fmt.Sprintf(dropTableTemplate, s.sqlName(mapping, true))); err != nil {
		return persist.NewError("drop table failed", err)
	}
	return nil
}

// createTable synthesizes and executes the CREATE TABLE statement for a
// mapping, followed by index statements for indexed attributes.
func (s *Storage) createTable(mapping persist.Mapping) error {
	var columns strings.Builder
	var parentAttrs []*persist.Attribute
	var indexedAttrs []*persist.Attribute
	idColumn := ""

	for _, attr := range mapping.Attributes() {
		sqlName := s.sqlName(attr, true)
		datatype, err := s.mapColumnDatatype(mapping, attr)
		if err != nil {
			return err
		}

		columns.WriteString(sqlName)
		columns.WriteByte(' ')
		columns.WriteString(datatype)

		if attr.Unique {
			columns.WriteString(" UNIQUE")
		}
		if attr.Mandatory {
			columns.WriteString(" NOT NULL")
		}
		if attr.Indexed {
			indexedAttrs = append(indexedAttrs, attr)
		}

		columns.WriteByte(',')

		if attr.ID {
			if !strings.Contains(datatype, "PRIMARY KEY") {
				idColumn = sqlName
			}
		} else if attr.Reference != nil {
			parentAttrs = append(parentAttrs, attr)
		}
	}

	if !mapping.Relations().DisableChildCounts {
		for _, child := range mapping.ChildMappings() {
			columns.WriteString(s.childCountColumn(child))
			columns.WriteString(" INTEGER,")
		}
	}

	if idColumn != "" {
		fmt.Fprintf(&columns, primaryKeyTemplate, idColumn)
	}

	for _, attr := range parentAttrs {
		referenced := attr.Reference
		if referenced.IDAttribute() == nil {
			return persist.NewMappingError("referenced type %s has no id attribute",
				referenced.MappedType())
		}
		fmt.Fprintf(&columns, foreignKeyTemplate,
			s.sqlName(attr, true),
			s.sqlName(referenced, true),
			s.sqlName(referenced.IDAttribute(), true))
	}

	columnList := strings.TrimSuffix(columns.String(), ",")
	statement := fmt.Sprintf(createTableTemplate, s.sqlName(mapping, true), columnList)

	slog.Debug("executing", "sql", statement)

	if _, err := s.exec(statement); err != nil {
		return persist.NewError("create table failed", err)
	}

	table := s.sqlName(mapping, false)
	for _, attr := range indexedAttrs {
		statement := fmt.Sprintf(indexTemplate,
			table, s.sqlName(attr, false),
			s.sqlName(mapping, true), s.sqlName(attr, true))

		slog.Debug("executing", "sql", statement)

		if _, err := s.exec(statement); err != nil {
			return persist.NewError("create index failed", err)
		}
	}
	return nil
}

// createInsertStatement builds the insert statement for a mapping. When
// the id value is generated by the database the id column is omitted so
// that the database fills it in.
func (s *Storage) createInsertStatement(mapping persist.Mapping, generatedID bool) (string, error) {
	var columns, placeholders strings.Builder

	for _, attr := range mapping.Attributes() {
		if attr.AutoGenerated && generatedID {
			// omit generated column from the statement
			continue
		}
		columns.WriteString(s.sqlName(attr, true))
		columns.WriteByte(',')
		placeholders.WriteString("?,")
	}

	if columns.Len() == 0 {
		return "", persist.NewMappingError("no columns to insert: %s", mapping.MappedType())
	}

	if !mapping.Relations().DisableChildCounts {
		for _, child := range mapping.ChildMappings() {
			columns.WriteString(s.childCountColumn(child))
			columns.WriteByte(',')
			placeholders.WriteString("?,")
		}
	}

	return fmt.Sprintf(insertTemplate,
		s.sqlName(mapping, true),
		strings.TrimSuffix(columns.String(), ","),
		strings.TrimSuffix(placeholders.String(), ",")), nil
}

// createUpdateStatement builds the update statement for a mapping, keyed
// on the id attribute.
func (s *Storage) createUpdateStatement(mapping persist.Mapping) (string, error) {
	var columns, identity strings.Builder

	for _, attr := range mapping.Attributes() {
		column := s.sqlName(attr, true)
		if attr.ID {
			identity.WriteString(column)
			identity.WriteString("=?")
		} else {
			columns.WriteString(column)
			columns.WriteString("=?,")
		}
	}

	if columns.Len() == 0 || identity.Len() == 0 {
		return "", persist.NewMappingError("no columns or primary key for update: %s", mapping.MappedType())
	}

	if !mapping.Relations().DisableChildCounts {
		for _, child := range mapping.ChildMappings() {
			columns.WriteString(s.childCountColumn(child))
			columns.WriteString("=?,")
		}
	}

	return fmt.Sprintf(updateTemplate,
		s.sqlName(mapping, true),
		strings.TrimSuffix(columns.String(), ","),
		identity.String()), nil
}

// statementParameters collects the bind values for an insert or update
// statement: the attribute values, the child counts and, for updates, the
// identity value last.
func (s *Storage) statementParameters(mapping persist.Mapping, obj interface{}, insert, ignoreID bool) ([]interface{}, error) {
	var params []interface{}
	var identity interface{}
	haveIdentity := false

	for _, attr := range mapping.Attributes() {
		value, err := mapping.AttributeValue(obj, attr)
		if err != nil {
			return nil, err
		}
		value, err = s.mapValue(mapping, attr, value)
		if err != nil {
			return nil, err
		}

		if attr.ID {
			identity = value
			haveIdentity = true
			if !insert || ignoreID {
				continue
			}
		}
		params = append(params, value)
	}

	if !mapping.Relations().DisableChildCounts {
		for _, child := range mapping.ChildMappings() {
			children, err := mapping.Children(obj, child)
			if err != nil {
				return nil, err
			}
			params = append(params, children.Len())
		}
	}

	if !insert {
		if !haveIdentity {
			return nil, persist.NewMappingError("no identity attribute defined in %s", mapping.MappedType())
		}
		params = append(params, identity)
	}

	return params, nil
}

// mapColumnDatatype resolves the SQL column datatype of an attribute and
// caches it on the descriptor.
func (s *Storage) mapColumnDatatype(mapping persist.Mapping, attr *persist.Attribute) (string, error) {
	if attr.SQLDatatype != "" {
		return attr.SQLDatatype, nil
	}

	var datatype string

	switch {
	case attr.AutoGenerated:
		relations := mapping.Relations()
		if attr.Datatype.Kind() == reflect.Int64 {
			datatype = relations.LongAutoIDDatatype
			if datatype == "" {
				datatype = s.params.LongAutoIDDatatype
			}
		} else {
			datatype = relations.AutoIDDatatype
			if datatype == "" {
				datatype = s.params.AutoIDDatatype
			}
		}

	case attr.Reference != nil:
		// reference columns carry the referenced type's id datatype
		refID := attr.Reference.IDAttribute()
		if refID == nil {
			return "", persist.NewMappingError("referenced type %s has no id attribute",
				attr.Reference.MappedType())
		}
		datatype = s.params.mapSQLDatatype(refID.Datatype)

	default:
		datatype = s.params.mapSQLDatatype(attr.Datatype)
	}

	if strings.Contains(datatype, "%d") {
		datatype = fmt.Sprintf(datatype, attr.StorageLength)
	}

	attr.SQLDatatype = datatype
	return datatype, nil
}

// mapValue converts an attribute value into the representation handed to
// the SQL driver.
func (s *Storage) mapValue(mapping persist.Mapping, attr *persist.Attribute, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	value = persist.MapOutgoingValue(attr, value)

	if mapping != nil {
		mapped, err := mapping.MapValue(attr, value)
		if err != nil {
			return nil, err
		}
		value = mapped
	}

	if value != nil && attr != nil && attr.SQLDatatype == DefaultStringDatatype {
		// default datatype columns store stringified values
		value = fmt.Sprint(value)
	}
	return value, nil
}

// childCountColumn returns the name of the child-count column kept for a
// child mapping, deriving and caching it on first use.
func (s *Storage) childCountColumn(child persist.Mapping) string {
	relations := child.Relations()
	if relations.ChildCountColumn == "" {
		relations.ChildCountColumn = childCountPrefix + s.sqlName(child, false)
	}
	return relations.ChildCountColumn
}

// sqlName resolves the SQL identifier of an attribute, mapping, function
// or plain field name. The resolved name is cached on descriptors; the
// resolution order is explicit SQL name, generic storage name, display
// name converted to a snake_case identifier.
func (s *Storage) sqlName(x interface{}, quoted bool) string {
	var name string

	switch v := x.(type) {
	case *persist.Attribute:
		if v.SQLName == "" {
			source := v.StorageName
			if source == "" {
				source = v.Name
			}
			v.SQLName = sqlIdentifier(source)
		}
		name = v.SQLName
	case persist.Mapping:
		relations := v.Relations()
		if relations.SQLName == "" {
			source := relations.StorageName
			if source == "" {
				source = v.MappedType().Name()
			}
			relations.SQLName = sqlIdentifier(source)
		}
		name = relations.SQLName
	case string:
		name = sqlIdentifier(v)
	case persist.ReadFieldFn:
		name = sqlIdentifier(v.Name)
	default:
		name = sqlIdentifier(fmt.Sprint(v))
	}

	if quoted {
		name = s.params.quote(name)
	}
	return name
}

// containsTable checks the database catalog for a table.
func (s *Storage) containsTable(table string) (bool, error) {
	var query string
	switch s.params.Provider {
	case "postgres":
		query = "SELECT table_name FROM information_schema.tables WHERE table_name = ?"
	case "mysql", "mariadb":
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	default:
		query = "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?"
	}

	runner, err := s.txRunner()
	if err != nil {
		return false, err
	}

	rows, err := runner.QueryContext(s.ctx, s.params.rebind(query), table)
	if err != nil {
		return false, persist.NewError("could not access table metadata", err)
	}
	defer rows.Close()

	exists := rows.Next()
	slog.Debug("table lookup", "table", table, "exists", exists)
	return exists, rows.Err()
}

// txRunner returns the current transaction, beginning one lazily. All
// statements of a handle run inside an explicit transaction; there is no
// implicit auto-commit.
func (s *Storage) txRunner() (*sql.Tx, error) {
	if s.closed {
		return nil, persist.NewError("storage is closed", nil)
	}
	if s.tx == nil {
		tx, err := s.conn.BeginTx(s.ctx, nil)
		if err != nil {
			return nil, persist.NewError("beginning transaction failed", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *Storage) exec(statement string, params ...interface{}) (sql.Result, error) {
	runner, err := s.txRunner()
	if err != nil {
		return nil, err
	}
	return runner.ExecContext(s.ctx, s.params.rebind(statement), params...)
}

func (s *Storage) String() string {
	return fmt.Sprintf("Storage[%s]", s.params.Provider)
}

// sqlIdentifier converts a display name into a SQL identifier by splitting
// camel case on uppercase boundaries with underscores and lowering the
// result.
func sqlIdentifier(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)

	prevLower := false
	for _, r := range name {
		isUpper := r >= 'A' && r <= 'Z'
		if isUpper && prevLower {
			b.WriteByte('_')
		}
		if isUpper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
		prevLower = !isUpper
	}
	return b.String()
}

func isNonPositive(value interface{}) bool {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() <= 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	}
	return false
}
