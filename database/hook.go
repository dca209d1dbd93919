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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/uptrace/bun"
)

var sqlSilentMode bool

// EnableSqlSilent suppresses all query hook output, e.g. during migrations.
func EnableSqlSilent(b bool) {
	sqlSilentMode = b
}

// Statement colors, keyed by the verb bun reports for the query. Slow
// statements get the background variant so they stand out in a scrolling log.
var (
	queryColors = map[string]*color.Color{
		"SELECT": color.New(color.FgGreen),
		"INSERT": color.New(color.FgBlue),
		"UPDATE": color.New(color.FgYellow),
		"DELETE": color.New(color.FgMagenta),
	}
	queryFallback = color.New(color.FgRed)

	slowQueryColors = map[string]*color.Color{
		"SELECT": color.New(color.BgGreen, color.FgHiWhite),
		"INSERT": color.New(color.BgBlue, color.FgHiWhite),
		"UPDATE": color.New(color.BgYellow, color.FgHiWhite),
		"DELETE": color.New(color.BgMagenta, color.FgHiWhite),
	}
	slowQueryFallback = color.New(color.BgRed, color.FgHiWhite)

	errColor = color.New(color.BgRed, color.FgHiWhite)
)

func paintQuery(palette map[string]*color.Color, fallback *color.Color, event *bun.QueryEvent) string {
	if c, ok := palette[event.Operation()]; ok {
		return c.Sprint(event.Query)
	}
	return fallback.Sprint(event.Query)
}

// QueryHook prints every statement the engine issues, colored by operation.
// The env var named by envName overrides enabled/verbose at runtime:
// empty or "0" disables, "2" enables verbose mode (errors included).
type QueryHook struct {
	envName string
	enabled bool
	verbose bool
	writer  io.Writer
}

var _ bun.QueryHook = (*QueryHook)(nil)

// NewQueryHook returns a query hook controlled by the DORMOUSE_SQL_LOG env var.
func NewQueryHook(enabled, verbose bool) *QueryHook {
	return &QueryHook{
		envName: "DORMOUSE_SQL_LOG",
		enabled: enabled,
		verbose: verbose,
		writer:  os.Stdout,
	}
}

func (h *QueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if sqlSilentMode {
		return
	}
	enabled, verbose := h.enabled, h.verbose
	if env, ok := os.LookupEnv(h.envName); ok {
		enabled = env != "" && env != "0"
		verbose = env == "2"
	}
	if !enabled {
		return
	}
	// Non-verbose mode reports genuine failures only.
	if !verbose && isBenign(event.Err) {
		return
	}

	now := time.Now()
	line := []interface{}{
		now.Format("2006-01-02 15:04:05.000"),
		color.CyanString("%15s", "[SQL] ✅"),
		fmt.Sprintf("%17s", now.Sub(event.StartTime).Round(time.Microsecond)),
		"  ", paintQuery(queryColors, queryFallback, event),
	}
	if event.Err != nil {
		line = append(line, "\t", errColor.Sprintf(" %T: %v ", event.Err, event.Err))
	}
	_, _ = fmt.Fprintln(h.writer, line...)
}

func isBenign(err error) bool {
	return err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, sql.ErrTxDone)
}

// SlowQueryHook reports statements slower than slowTime. The env var named by
// fromEnv toggles it: "1" enables, anything else disables.
type SlowQueryHook struct {
	fromEnv  string
	enabled  bool
	slowTime time.Duration
	writer   io.Writer
}

var _ bun.QueryHook = (*SlowQueryHook)(nil)

// NewSlowQueryHook returns a slow query reporter controlled by the
// DORMOUSE_SLOW_SQL_LOG env var.
func NewSlowQueryHook(slowTime time.Duration) *SlowQueryHook {
	return &SlowQueryHook{
		fromEnv:  "DORMOUSE_SLOW_SQL_LOG",
		enabled:  true,
		slowTime: slowTime,
		writer:   os.Stdout,
	}
}

func (h *SlowQueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *SlowQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if sqlSilentMode || event.Err != nil {
		return
	}
	enabled := h.enabled
	if env, ok := os.LookupEnv(h.fromEnv); ok {
		enabled = strings.TrimSpace(env) == "1"
	}
	if !enabled {
		return
	}

	duration := time.Since(event.StartTime)
	if duration <= h.slowTime {
		return
	}
	_, _ = fmt.Fprintln(h.writer,
		time.Now().Format("2006-01-02 15:04:05.000"),
		color.YellowString("%15s", "[SQL_SLOW] 🔴"),
		fmt.Sprintf("%17s", duration.Round(time.Microsecond)),
		"  ", paintQuery(slowQueryColors, slowQueryFallback, event),
	)
}
