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

package dormouse

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/types"
	"gopkg.in/yaml.v3"
)

// SessionConfig sets the defaults new sessions start with. Each session can
// still change its own flush and cache mode afterwards.
type SessionConfig struct {
	// FlushMode is the default flush mode name: auto, commit, manual, always.
	FlushMode string `json:"flush_mode" yaml:"flush_mode"`
	// BatchFetchSize caps how many queued ids one SELECT ... IN picks up.
	BatchFetchSize int `json:"batch_fetch_size" yaml:"batch_fetch_size"`
	// DefaultReadOnly loads entities without snapshots; they never flush.
	DefaultReadOnly bool `json:"default_read_only" yaml:"default_read_only"`
}

// CacheConfig controls the second-level cache shared by all sessions of one
// factory. Disabled means loads always hit the database.
type CacheConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	RegionSize int           `json:"region_size" yaml:"region_size"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
}

// Config aggregates the database, session, and cache settings of a factory.
type Config struct {
	Database database.Config `json:"database" yaml:"database"`
	Session  SessionConfig   `json:"session" yaml:"session"`
	Cache    CacheConfig     `json:"cache" yaml:"cache"`
}

// DefaultConfig returns a config with sensible defaults: auto flush, batch
// fetching enabled, cache off until switched on.
func DefaultConfig() *Config {
	return &Config{
		Database: database.Config{
			ConnectionConfig: *database.DefaultConnectionConfig(),
			DataMigrateConfig: database.DataMigrateConfig{
				EnableMigrateOnStartup: true,
				EnableSchemaSync:       true,
				AllowColumnAdd:         true,
				AllowIndexAdd:          true,
			},
		},
		Session: SessionConfig{
			FlushMode:      types.FlushAuto.String(),
			BatchFetchSize: 16,
		},
		Cache: CacheConfig{
			Enabled:    false,
			RegionSize: 1024,
			TTL:        time.Minute * 10,
		},
	}
}

// LoadConfig reads a YAML config file and applies environment overrides on
// top of it. Missing sections keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.overrideFromEnv()
	return cfg, nil
}

// overrideFromEnv overrides session and cache settings from environment
// variables. Connection settings go through the database factory's own DB_*
// overrides when the connection is created.
func (c *Config) overrideFromEnv() {
	if mode := os.Getenv("DORMOUSE_FLUSH_MODE"); mode != "" {
		c.Session.FlushMode = mode
	}
	if size := os.Getenv("DORMOUSE_BATCH_FETCH_SIZE"); size != "" {
		if val, err := strconv.Atoi(size); err == nil {
			c.Session.BatchFetchSize = val
		}
	}
	if readOnly := os.Getenv("DORMOUSE_DEFAULT_READ_ONLY"); readOnly != "" {
		if val, err := strconv.ParseBool(readOnly); err == nil {
			c.Session.DefaultReadOnly = val
		}
	}
	if enabled := os.Getenv("DORMOUSE_CACHE_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			c.Cache.Enabled = val
		}
	}
	if size := os.Getenv("DORMOUSE_CACHE_REGION_SIZE"); size != "" {
		if val, err := strconv.Atoi(size); err == nil {
			c.Cache.RegionSize = val
		}
	}
	if ttl := os.Getenv("DORMOUSE_CACHE_TTL"); ttl != "" {
		if val, err := time.ParseDuration(ttl); err == nil {
			c.Cache.TTL = val
		}
	}
}

// flushMode parses the configured flush mode name, falling back to auto.
func (c *Config) flushMode() types.FlushMode {
	mode, err := types.ParseFlushMode(c.Session.FlushMode)
	if err != nil {
		return types.FlushAuto
	}
	return mode
}
