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

	"github.com/uptrace/bun"
)

// The owned-connection seam: a session factory that builds its own connection
// from config initializes these process globals. Factories constructed over
// an existing *bun.DB never touch them.
var (
	globalFactory *BaseDatabaseFactory
	globalConfig  *Config
)

// InitDB connects to the database described by cfg and returns the bun
// handle. Startup migrations run only when cfg.DataMigrateConfig asks for
// them. Each successful call replaces the previous global connection; the
// last caller owns it. A failed call leaves the previous connection intact.
func InitDB(cfg *Config) (*bun.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}
	factory := NewDatabaseFactory()
	manager, err := factory.CreateFromConfig(&cfg.ConnectionConfig)
	if err != nil {
		return nil, fmt.Errorf("create database manager: %w", err)
	}
	if err := factory.InitializeDatabase(context.Background(), cfg.DataMigrateConfig.EnableMigrateOnStartup); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	globalFactory, globalConfig = factory, cfg
	db := manager.GetDB()
	db.RegisterModel(RegisteredModelInstances()...)
	return db, nil
}

// GetDatabaseFactory returns the factory behind the last InitDB call, nil
// before the first one.
func GetDatabaseFactory() *BaseDatabaseFactory { return globalFactory }

// GetDB returns the globally connected database, nil before InitDB.
func GetDB() *bun.DB {
	if globalFactory == nil {
		return nil
	}
	return globalFactory.GetDB()
}

// CloseDB closes the connection created by InitDB.
func CloseDB() error {
	if globalFactory == nil {
		return nil
	}
	return globalFactory.Close()
}

// GetHealthStatus reports connectivity of the global connection.
func GetHealthStatus(ctx context.Context) *HealthStatus {
	if globalFactory == nil {
		return &HealthStatus{Healthy: false, Connected: false, LastError: "database not initialized"}
	}
	return globalFactory.GetHealthStatus(ctx)
}

// GetDBStats exposes pool statistics of the global connection.
func GetDBStats() *DBStats {
	if globalFactory == nil {
		return &DBStats{}
	}
	return globalFactory.GetStats()
}
