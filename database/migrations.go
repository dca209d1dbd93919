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
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// MigrationManager coordinates schema migrations and data seeding.
type MigrationManager struct {
	db          *bun.DB
	logger      Logger
	environment string
}

// Migration represents an applied migration record stored in the database.
type Migration struct {
	bun.BaseModel `bun:"table:dormouse_migrations,alias:dmig"`

	Version     string    `bun:"version,pk"`
	Name        string    `bun:"name"`
	AppliedAt   time.Time `bun:"applied_at"`
	Description string    `bun:"description"`
}

// MigrationFunc is a migration step executed within a transaction.
type MigrationFunc func(ctx context.Context, db bun.IDB) error

// MigrationItem describes a single migration version with up/down functions.
type MigrationItem struct {
	Version     string
	Name        string
	Description string
	Up          MigrationFunc
	Down        MigrationFunc
}

// NewMigrationManager constructs a new MigrationManager using the provided Bun
// database and logger. The default environment is "development".
func NewMigrationManager(db *bun.DB, logger Logger) *MigrationManager {
	return &MigrationManager{
		db:          db,
		logger:      logger,
		environment: "development", // default env
	}
}

// SetEnvironment sets the environment used when seeding data from SQL.
func (mm *MigrationManager) SetEnvironment(env string) {
	mm.environment = env
}

func migrateConfig() DataMigrateConfig {
	if globalConfig != nil {
		return globalConfig.DataMigrateConfig
	}
	return DataMigrateConfig{AllowColumnAdd: true, AllowIndexAdd: true}
}

func initConfig() DataInitConfig {
	if globalConfig != nil {
		return globalConfig.DataInitConfig
	}
	return DataInitConfig{}
}

// RunMigrations creates the migration tracking table if needed, executes all
// registered migrations in ascending version order, and finally synchronizes
// the schema of already-created tables.
func (mm *MigrationManager) RunMigrations(ctx context.Context) error {
	// silent migration
	if _, ok := os.LookupEnv("BUNDEBUG_MIGRATION"); !ok {
		EnableSqlSilent(true)
	}
	defer EnableSqlSilent(false)

	if mm.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if _, err := mm.db.NewCreateTable().
		Model((*Migration)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	pending := mm.registeredMigrations()
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Version < pending[j].Version
	})
	for _, item := range pending {
		applied, err := mm.alreadyApplied(ctx, item.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := mm.applyMigration(ctx, item); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", item.Version, err)
		}
	}

	// Schema sync runs after the base tables exist so index creation never
	// races table creation on a fresh database.
	if migrateConfig().EnableSchemaSync {
		if err := mm.SynchronizeSchema(ctx, mm.db); err != nil {
			return fmt.Errorf("sync schema failed: %w", err)
		}
	}

	if mm.logger != nil {
		mm.logger.Info("Database migrations completed!")
	}
	return nil
}

// registeredMigrations assembles the migration list for the current
// configuration. Version 001 always exists; foreign keys and seeding join in
// when enabled.
func (mm *MigrationManager) registeredMigrations() []MigrationItem {
	items := []MigrationItem{{
		Version:     "001",
		Name:        "create_base_tables",
		Description: "Create tables for all registered entities",
		Up:          mm.createBaseTables,
	}}

	// SQLite cannot ALTER TABLE ADD CONSTRAINT; foreign keys there come from
	// the CREATE TABLE statements Bun generates.
	if migrateConfig().EnableForeignKey && mm.db.Dialect().Name() != dialect.SQLite {
		items = append(items, MigrationItem{
			Version:     "002",
			Name:        "add_foreign_keys",
			Description: "Add table foreign key constraints",
			Up:          mm.addForeignKeys,
			Down:        mm.dropForeignKeys,
		})
	}
	if initConfig().AutoInitOnMigration {
		items = append(items, MigrationItem{
			Version:     "003",
			Name:        "seed_initial_data",
			Description: "Seed initial data",
			Up:          mm.seedInitialData,
		})
	}
	return items
}

func (mm *MigrationManager) alreadyApplied(ctx context.Context, version string) (bool, error) {
	return mm.db.NewSelect().
		Model((*Migration)(nil)).
		Where("version = ?", version).
		Exists(ctx)
}

// applyMigration runs one migration and its tracking record in a single
// transaction, so a failed step leaves no trace.
func (mm *MigrationManager) applyMigration(ctx context.Context, item MigrationItem) error {
	err := mm.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := item.Up(ctx, tx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(&Migration{
			Version:     item.Version,
			Name:        item.Name,
			AppliedAt:   time.Now(),
			Description: item.Description,
		}).Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if mm.logger != nil {
		mm.logger.Info("Migration executed successfully", "version", item.Version, "name", item.Name)
	}
	return nil
}

// createBaseTables creates one table per registered model. Registration
// priority orders parents before children so that generated foreign keys
// always reference existing tables.
func (mm *MigrationManager) createBaseTables(ctx context.Context, db bun.IDB) error {
	for _, model := range RegisteredModelInstances() {
		if _, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}
	return nil
}

func (mm *MigrationManager) addForeignKeys(ctx context.Context, db bun.IDB) error {
	fkManager, err := NewConfigurableForeignKeyManager(mm.logger, migrateConfig().ForeignKeyFile)
	if err != nil {
		if mm.logger != nil {
			mm.logger.Debug("Failed to use config-based foreign key manager, falling back to relation-derived", "error", err.Error())
		}
		return NewForeignKeyManager(mm.logger).AddAllForeignKeys(ctx, db)
	}

	if problems := fkManager.ValidateConstraints(); len(problems) > 0 {
		for _, p := range problems {
			if mm.logger != nil {
				mm.logger.Debug("Foreign key constraint validation failed", "error", p.Error())
			}
		}
		return fmt.Errorf("foreign key constraint validation failed, %d errors in total", len(problems))
	}
	return fkManager.AddAllForeignKeys(ctx, db)
}

func (mm *MigrationManager) dropForeignKeys(ctx context.Context, db bun.IDB) error {
	fkManager := NewForeignKeyManager(mm.logger)
	for _, constraint := range fkManager.ListAllConstraints() {
		if err := fkManager.RemoveForeignKey(ctx, db, constraint.Table, constraint.GenerateConstraintName()); err != nil {
			if mm.logger != nil {
				mm.logger.Debug("Failed to drop foreign key constraint", "constraint", constraint.GenerateConstraintName(), "error", err.Error())
			}
		}
	}
	return nil
}

func (mm *MigrationManager) InitData(ctx context.Context) error {
	if mm.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return mm.seedInitialData(ctx, mm.db)
}

func (mm *MigrationManager) seedInitialData(ctx context.Context, db bun.IDB) error {
	seeder := NewSeedManager(mm.db, mm.environment)
	if path := initConfig().Filepath; path != "" {
		seeder.SetRootPath(path)
	}

	if mm.logger != nil {
		mm.logger.Info("Starting data seeding from SQL files", "environment", mm.environment)
	}
	if err := seeder.Run(ctx); err != nil {
		return fmt.Errorf("SQL seed execution failed: %w", err)
	}
	if mm.logger != nil {
		mm.logger.Info("SQL seed execution completed")
	}
	return nil
}

// GetAppliedMigrations returns migration records ordered by version.
func (mm *MigrationManager) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	var migrations []Migration
	err := mm.db.NewSelect().
		Model(&migrations).
		Order("version ASC").
		Scan(ctx)
	return migrations, err
}

// RollbackMigration reverts a single applied migration by running its Down
// function and removing the tracking record.
func (mm *MigrationManager) RollbackMigration(ctx context.Context, version string) error {
	var item *MigrationItem
	for _, m := range mm.registeredMigrations() {
		if m.Version == version {
			item = &m
			break
		}
	}
	if item == nil {
		return fmt.Errorf("unknown migration version: %s", version)
	}
	if item.Down == nil {
		return fmt.Errorf("migration %s has no rollback step", version)
	}

	applied, err := mm.alreadyApplied(ctx, version)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("migration %s has not been applied", version)
	}

	err = mm.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := item.Down(ctx, tx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*Migration)(nil)).
			Where("version = ?", version).
			Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if mm.logger != nil {
		mm.logger.Info("Migration rolled back", "version", version)
	}
	return nil
}
