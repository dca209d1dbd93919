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
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tomoncle/dormouse/cache"
	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/event"
	"github.com/tomoncle/dormouse/idgen"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/stats"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
)

// SessionFactory holds everything sessions share: the connection, the entity
// mappings, the listener chains, the second-level cache and the statistics
// counters. Build one per database at startup and open short-lived sessions
// from it; the factory is safe for concurrent use, sessions are not.
type SessionFactory struct {
	db        *bun.DB
	dbFactory *database.BaseDatabaseFactory

	entities  *meta.Registry
	events    *event.Registry
	provider  cache.Provider
	accessor  *cache.Accessor
	counters  *stats.Counters
	flushMode types.FlushMode
	session   SessionConfig
	logger    database.Logger

	mu     sync.RWMutex
	closed bool
}

type factoryOptions struct {
	db       *bun.DB
	entities []entityMapping
	provider cache.Provider
	events   *event.Registry
}

type entityMapping struct {
	instance interface{}
	opts     []meta.Option
}

// Option configures a SessionFactory at construction time.
type Option func(*factoryOptions)

// WithDB adopts an existing Bun connection instead of opening one from the
// config. The caller keeps ownership: Close does not close an adopted
// connection.
func WithDB(db *bun.DB) Option {
	return func(o *factoryOptions) { o.db = db }
}

// WithEntity declares a mapped entity. Registration order does not matter;
// tables are created parents first regardless.
func WithEntity(instance interface{}, opts ...meta.Option) Option {
	return func(o *factoryOptions) {
		o.entities = append(o.entities, entityMapping{instance: instance, opts: opts})
	}
}

// WithCacheProvider installs a cache provider, overriding the cache section
// of the config.
func WithCacheProvider(p cache.Provider) Option {
	return func(o *factoryOptions) { o.provider = p }
}

// WithListeners replaces the default listener registry, typically one built
// from event.NewRegistry with extra listeners appended.
func WithListeners(reg *event.Registry) Option {
	return func(o *factoryOptions) { o.events = reg }
}

// NewSessionFactory connects (or adopts a connection), registers the declared
// entities, creates their tables when migration on startup is enabled, and
// wires the cache and statistics shared by all sessions.
func NewSessionFactory(cfg *Config, opts ...Option) (*SessionFactory, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var options factoryOptions
	for _, opt := range opts {
		opt(&options)
	}
	if len(options.entities) == 0 {
		return nil, fmt.Errorf("no entities declared, use WithEntity")
	}

	f := &SessionFactory{
		flushMode: cfg.flushMode(),
		session:   cfg.Session,
		logger:    database.NewNamedLogger("SESSION"),
	}

	if err := f.initConnection(cfg, &options); err != nil {
		return nil, err
	}
	if err := f.registerEntities(cfg, &options); err != nil {
		f.closeConnection()
		return nil, err
	}
	if err := f.migrate(cfg); err != nil {
		f.closeConnection()
		return nil, err
	}

	f.counters = stats.New()
	f.provider = options.provider
	if f.provider == nil && cfg.Cache.Enabled {
		f.provider = cache.NewLRUProvider(cfg.Cache.RegionSize, cfg.Cache.TTL)
	}
	f.accessor = cache.NewAccessor(f.provider, f.counters)

	f.events = options.events
	if f.events == nil {
		f.events = event.NewRegistry()
	}

	f.logger.Info("Session factory ready",
		"entities", len(f.entities.Entities()),
		"cache", f.provider != nil,
		"flush_mode", f.flushMode.String())
	return f, nil
}

// initConnection adopts the optional connection or opens one from the config.
// Migration on startup is deferred until the entity tables are known.
func (f *SessionFactory) initConnection(cfg *Config, options *factoryOptions) error {
	if options.db != nil {
		f.db = options.db
		return nil
	}
	dbCfg := cfg.Database
	dbCfg.DataMigrateConfig.EnableMigrateOnStartup = false
	db, err := database.InitDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	f.db = db
	f.dbFactory = database.GetDatabaseFactory()
	return nil
}

// registerEntities maps the declared entities and publishes their models,
// foreign keys and natural-id indexes to the migration layer. The factory
// claims the process-wide model registry, so the last initialized factory
// owns migrations, mirroring how the connection globals behave.
func (f *SessionFactory) registerEntities(cfg *Config, options *factoryOptions) error {
	f.entities = meta.NewRegistry(f.db)
	if cfg.Session.BatchFetchSize > 0 {
		f.entities.SetDefaultBatchSize(cfg.Session.BatchFetchSize)
	}
	for _, m := range options.entities {
		if _, err := f.entities.Register(m.instance, m.opts...); err != nil {
			return err
		}
	}
	if err := f.entities.LinkRelations(); err != nil {
		return err
	}

	database.ResetRegisteredModels()
	database.RegisteredModel((*idgen.IDSegment)(nil), 0)
	for i, entity := range f.entities.SortedEntities() {
		database.RegisteredModel(entity.NewInstance(), i+1)
	}
	database.RegisterForeignKeyProvider(f.entities.ForeignKeyConstraints)
	database.RegisterIndexProvider(f.entities.NaturalIDIndexes)
	f.db.RegisterModel(database.RegisteredModelInstances()...)
	return nil
}

// migrate creates tables and indexes when migration on startup is enabled.
func (f *SessionFactory) migrate(cfg *Config) error {
	if !cfg.Database.DataMigrateConfig.EnableMigrateOnStartup {
		return nil
	}
	ctx := context.Background()
	mm := database.NewMigrationManager(f.db, f.logger)
	if err := mm.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	// Adopted connections have no global migrate config; one additive sync
	// pass still creates the natural-id indexes.
	if f.dbFactory == nil {
		if err := mm.SynchronizeSchema(ctx, f.db); err != nil {
			return fmt.Errorf("sync schema: %w", err)
		}
	}
	return nil
}

func (f *SessionFactory) closeConnection() {
	if f.dbFactory != nil {
		_ = f.dbFactory.Close()
	}
}

// OpenSession starts a new unit of work. Sessions are single-goroutine and
// should be closed when the work ends.
func (f *SessionFactory) OpenSession(opts ...SessionOption) (*Session, error) {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("session factory is closed")
	}

	rt := event.NewRuntime(f.db, f.entities, f.events, f.accessor, f.counters)
	rt.SetDefaultReadOnly(f.session.DefaultReadOnly)
	s := &Session{factory: f, rt: rt, flushMode: f.flushMode}
	for _, opt := range opts {
		opt(s)
	}
	f.counters.SessionOpened()
	return s, nil
}

// WithSession opens a session, runs fn, and closes the session afterwards.
func (f *SessionFactory) WithSession(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	s, err := f.OpenSession()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(ctx, s)
}

// WithTransaction opens a session, begins a transaction, runs fn, and
// commits. Any error from fn or the commit rolls the transaction back.
func (f *SessionFactory) WithTransaction(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	s, err := f.OpenSession()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx, s); err != nil {
		_ = s.Rollback()
		return err
	}
	if err := s.Commit(ctx); err != nil {
		if s.InTransaction() {
			_ = s.Rollback()
		}
		return err
	}
	return nil
}

// DB exposes the underlying Bun connection for queries that bypass the
// session, such as the stateless repository layer.
func (f *SessionFactory) DB() *bun.DB { return f.db }

// Entities exposes the mapping registry.
func (f *SessionFactory) Entities() *meta.Registry { return f.entities }

// Events exposes the listener registry shared by new sessions.
func (f *SessionFactory) Events() *event.Registry { return f.events }

// Counters exposes the live statistics counters.
func (f *SessionFactory) Counters() *stats.Counters { return f.counters }

// Stats returns a point-in-time snapshot of the factory statistics.
func (f *SessionFactory) Stats() stats.Snapshot { return f.counters.Read() }

// PrometheusCollector adapts the factory counters for a Prometheus registry.
// An empty namespace uses the library default.
func (f *SessionFactory) PrometheusCollector(namespace string) prometheus.Collector {
	return stats.NewCollector(f.counters, namespace)
}

// EvictEntity drops every second-level cache row of one entity type.
func (f *SessionFactory) EvictEntity(model interface{}) error {
	entity, err := f.entities.For(model)
	if err != nil {
		return err
	}
	f.accessor.EvictEntity(entity)
	return nil
}

// EvictRegion drops one cache region by name.
func (f *SessionFactory) EvictRegion(name string) {
	f.accessor.EvictRegion(name)
}

// EvictAll drops the whole second-level cache.
func (f *SessionFactory) EvictAll() {
	for _, entity := range f.entities.Entities() {
		f.accessor.EvictEntity(entity)
	}
}

// Close releases the cache and, when the factory opened the connection
// itself, the database. Open sessions keep working against the connection
// only if it was adopted.
func (f *SessionFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.accessor.Close()
	if f.dbFactory != nil {
		if cerr := f.dbFactory.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
