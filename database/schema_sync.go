/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

type columnSpec struct {
	Name    string
	Type    string
	NotNull bool
	Default string
	IsPK    bool
}

type indexSpec struct {
	Name    string
	Columns []string
	Unique  bool
}

// TableIndex describes an index the schema synchronizer should ensure exists,
// e.g. the unique index backing a natural id.
type TableIndex struct {
	Table   string
	Name    string
	Columns []string
	Unique  bool
}

var (
	indexProviderMu sync.RWMutex
	indexProvider   func() []TableIndex
)

// RegisterIndexProvider installs the source of desired secondary indexes. The
// session layer registers a provider that derives unique indexes from natural
// id metadata.
func RegisterIndexProvider(provider func() []TableIndex) {
	indexProviderMu.Lock()
	indexProvider = provider
	indexProviderMu.Unlock()
}

func desiredIndexes() []TableIndex {
	indexProviderMu.RLock()
	provider := indexProvider
	indexProviderMu.RUnlock()
	if provider != nil {
		return provider()
	}
	return nil
}

// SynchronizeSchema brings existing tables up to date with the registered
// models. The sync is strictly additive: missing columns and missing indexes
// are created, nothing is modified or dropped.
func (mm *MigrationManager) SynchronizeSchema(ctx context.Context, db bun.IDB) error {
	cfg := migrateConfig()

	for _, model := range RegisteredModelInstances() {
		table := mm.db.Table(reflect.TypeOf(model))
		if table == nil {
			return fmt.Errorf("failed to resolve table metadata for %T", model)
		}

		existing, err := listExistingColumns(ctx, db, table.Name)
		if err != nil {
			return fmt.Errorf("failed to query existing columns %s: %w", table.Name, err)
		}
		if len(existing) == 0 {
			// Table does not exist yet; the create_base_tables migration
			// handles it.
			continue
		}

		if cfg.AllowColumnAdd {
			if err := mm.addMissingColumns(ctx, db, table.Name, desiredColumns(table), existing); err != nil {
				return err
			}
		}
	}

	if cfg.AllowIndexAdd {
		if err := mm.addMissingIndexes(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func desiredColumns(table *schema.Table) []columnSpec {
	specs := make([]columnSpec, 0, len(table.Fields))
	for _, field := range table.Fields {
		specs = append(specs, columnSpec{
			Name:    field.Name,
			Type:    field.CreateTableSQLType,
			NotNull: field.NotNull,
			Default: field.SQLDefault,
			IsPK:    field.IsPK,
		})
	}
	return specs
}

func (mm *MigrationManager) addMissingColumns(ctx context.Context, db bun.IDB, table string, desired []columnSpec, existing map[string]columnSpec) error {
	for _, col := range desired {
		if _, ok := existing[strings.ToLower(col.Name)]; ok {
			continue
		}
		if col.IsPK {
			// Primary key columns can only come from CREATE TABLE.
			continue
		}
		stmt := buildAddColumnSQL(db, table, col)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, col.Name, err)
		}
		if mm.logger != nil {
			mm.logger.Info("Schema sync added column", "table", table, "column", col.Name)
		}
	}
	return nil
}

func (mm *MigrationManager) addMissingIndexes(ctx context.Context, db bun.IDB) error {
	wanted := desiredIndexes()
	if len(wanted) == 0 {
		return nil
	}

	existingByTable := map[string]map[string]struct{}{}
	for _, idx := range wanted {
		if _, ok := existingByTable[idx.Table]; ok {
			continue
		}
		existing, err := listExistingIndexes(ctx, db, idx.Table)
		if err != nil {
			return fmt.Errorf("failed to query existing indexes %s: %w", idx.Table, err)
		}
		names := make(map[string]struct{}, len(existing))
		for _, e := range existing {
			names[strings.ToLower(e.Name)] = struct{}{}
		}
		existingByTable[idx.Table] = names
	}

	for _, idx := range wanted {
		if _, ok := existingByTable[idx.Table][strings.ToLower(idx.Name)]; ok {
			continue
		}
		stmt := buildCreateIndexSQL(db, idx)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			// Another index may already cover the same columns under a
			// different name.
			if is, kind := IsSqlError(err); is && kind == ExistIndexErr {
				continue
			}
			return fmt.Errorf("failed to create index %s on %s: %w", idx.Name, idx.Table, err)
		}
		if mm.logger != nil {
			mm.logger.Info("Schema sync created index", "table", idx.Table, "index", idx.Name, "unique", idx.Unique)
		}
	}
	return nil
}

func dialectName(db bun.IDB) string {
	return strings.ToLower(db.Dialect().Name().String())
}

func listExistingColumns(ctx context.Context, db bun.IDB, table string) (map[string]columnSpec, error) {
	cols := map[string]columnSpec{}
	var rows *sql.Rows
	var err error
	switch dialectName(db) {
	case "pg", "postgres", "postgresql":
		rows, err = db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable, column_default FROM information_schema.columns WHERE table_name = $1`, table)
	case "mysql":
		rows, err = db.QueryContext(ctx, `SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table)
	default:
		rows, err = db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info('%s')", table))
	}
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	for rows.Next() {
		var name, typStr, nullable string
		var defaultNS sql.NullString
		pk := 0
		switch dialectName(db) {
		case "pg", "postgres", "postgresql", "mysql":
			if err := rows.Scan(&name, &typStr, &nullable, &defaultNS); err != nil {
				return nil, err
			}
		default:
			var cid, notnull int
			if err := rows.Scan(&cid, &name, &typStr, &notnull, &defaultNS, &pk); err != nil {
				return nil, err
			}
			nullable = map[bool]string{true: "NO", false: "YES"}[notnull == 1]
		}
		def := ""
		if defaultNS.Valid {
			def = defaultNS.String
		}
		cols[strings.ToLower(name)] = columnSpec{
			Name:    name,
			Type:    typStr,
			NotNull: strings.ToUpper(nullable) == "NO",
			Default: def,
			IsPK:    pk > 0,
		}
	}
	return cols, rows.Err()
}

func listExistingIndexes(ctx context.Context, db bun.IDB, table string) ([]indexSpec, error) {
	var idx []indexSpec

	switch dialectName(db) {
	case "pg", "postgres", "postgresql":
		rows, err := db.QueryContext(ctx, `SELECT indexname, indexdef FROM pg_indexes WHERE tablename = $1`, table)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var name, def string
			if err := rows.Scan(&name, &def); err != nil {
				return nil, err
			}
			spec := indexSpec{Name: name}
			spec.Unique = strings.Contains(strings.ToUpper(def), "UNIQUE")
			open := strings.Index(def, "(")
			closeIdx := strings.LastIndex(def, ")")
			if open > 0 && closeIdx > open {
				cols := strings.Split(def[open+1:closeIdx], ",")
				for _, c := range cols {
					spec.Columns = append(spec.Columns, strings.TrimSpace(strings.Trim(c, `"`)))
				}
			}
			idx = append(idx, spec)
		}
		return idx, rows.Err()
	case "mysql":
		rows, err := db.QueryContext(ctx, `SELECT INDEX_NAME, COLUMN_NAME, NON_UNIQUE FROM INFORMATION_SCHEMA.STATISTICS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY SEQ_IN_INDEX`, table)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		temp := map[string]indexSpec{}
		var order []string
		for rows.Next() {
			var name, col string
			var nonUnique int
			if err := rows.Scan(&name, &col, &nonUnique); err != nil {
				return nil, err
			}
			spec, ok := temp[name]
			if !ok {
				order = append(order, name)
			}
			spec.Name = name
			spec.Unique = nonUnique == 0
			spec.Columns = append(spec.Columns, col)
			temp[name] = spec
		}
		for _, name := range order {
			idx = append(idx, temp[name])
		}
		return idx, rows.Err()
	default:
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list('%s')", table))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var seq, unique int
			var name string
			var origin, partial string
			if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
				return nil, err
			}
			spec := indexSpec{Name: name, Unique: unique == 1}
			rows2, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info('%s')", name))
			if err != nil {
				return nil, err
			}
			for rows2.Next() {
				var seqno, cid int
				var col sql.NullString
				if err := rows2.Scan(&seqno, &cid, &col); err != nil {
					rows2.Close()
					return nil, err
				}
				if col.Valid {
					spec.Columns = append(spec.Columns, col.String)
				}
			}
			rows2.Close()
			idx = append(idx, spec)
		}
		return idx, rows.Err()
	}
}

func quoteIdent(db bun.IDB, s string) string {
	switch dialectName(db) {
	case "mysql":
		return "`" + strings.ReplaceAll(s, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
}

func buildAddColumnSQL(db bun.IDB, table string, c columnSpec) string {
	notNull := ""
	if c.NotNull {
		if migrateConfig().EnforceNotNullWithDefault && c.Default == "" {
			notNull = ""
		} else {
			notNull = " NOT NULL"
		}
	}
	def := ""
	if c.Default != "" {
		def = " DEFAULT " + c.Default
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s%s%s", quoteIdent(db, table), quoteIdent(db, c.Name), c.Type, notNull, def)
}

func buildCreateIndexSQL(db bun.IDB, idx TableIndex) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = quoteIdent(db, c)
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, quoteIdent(db, idx.Name), quoteIdent(db, idx.Table), strings.Join(cols, ", "))
}
