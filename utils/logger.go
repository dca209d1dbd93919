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

// Package utils hosts the logging backend shared by the engine subsystems.
// Loggers are named (SESSION, FLUSH, LOADER, CACHE, ...) and print colored
// log4j style lines; DORMOUSE_LOG_FORMAT=json switches to JSON records.
package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger aliases the logrus type so callers need not import logrus directly.
type Logger = logrus.Logger

const timestampLayout = "2006-01-02 15:04:05.000"

var (
	registryMu   sync.RWMutex
	registry     = map[string]*logrus.Logger{}
	defaultLevel = logrus.DebugLevel
)

// NewLogger builds and registers a named logger writing to stdout. The name
// shows up in every line, so subsystems stay distinguishable when they share
// the terminal.
func NewLogger(name string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetReportCaller(true)
	l.SetFormatter(newFormatter(name))

	registryMu.Lock()
	l.SetLevel(defaultLevel)
	registry[name] = l
	registryMu.Unlock()
	return l
}

func newFormatter(name string) logrus.Formatter {
	if strings.EqualFold(os.Getenv("DORMOUSE_LOG_FORMAT"), "json") {
		return &jsonFormatter{name: name}
	}
	return &consoleFormatter{name: name}
}

// ParseLogLevel maps a level name to its logrus level; unknown names fall
// back to info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLoggerLevel adjusts one named logger, reporting whether it exists.
func SetLoggerLevel(name, level string) bool {
	registryMu.RLock()
	l, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return false
	}
	l.SetLevel(ParseLogLevel(level))
	return true
}

// ConfigureLogLevel applies level to every registered logger and to loggers
// created afterwards.
func ConfigureLogLevel(level string) {
	lvl := ParseLogLevel(level)
	registryMu.Lock()
	defaultLevel = lvl
	for _, l := range registry {
		l.SetLevel(lvl)
	}
	registryMu.Unlock()
}

var (
	levelColors = map[logrus.Level]*color.Color{
		logrus.DebugLevel: color.New(color.FgBlue),
		logrus.InfoLevel:  color.New(color.FgGreen),
		logrus.WarnLevel:  color.New(color.FgYellow),
		logrus.ErrorLevel: color.New(color.FgRed),
		logrus.FatalLevel: color.New(color.FgRed),
		logrus.PanicLevel: color.New(color.FgRed),
	}
	traceColor = color.New(color.FgMagenta)
	pidColor   = color.New(color.FgMagenta)
	nameColor  = color.New(color.FgCyan)
	faintColor = color.New(color.Faint)
)

// consoleFormatter prints log4j style lines:
//
//	2025-01-02 15:04:05.000   INFO 4242   - [main]    SESSION loader/entity.go:42 : message k=v
type consoleFormatter struct {
	name string
}

func (f *consoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	lvl := levelColors[e.Level]
	if lvl == nil {
		lvl = traceColor
	}
	var b strings.Builder
	b.WriteString(e.Time.Format(timestampLayout))
	b.WriteByte(' ')
	b.WriteString(lvl.Sprintf("%7s", strings.ToUpper(e.Level.String())))
	b.WriteByte(' ')
	b.WriteString(pidColor.Sprintf("%-6d", os.Getpid()))
	b.WriteString(" - ")
	b.WriteString(pidColor.Sprint("[main]"))
	b.WriteByte(' ')
	b.WriteString(nameColor.Sprintf("%10s", truncate(f.name, 10)))
	if e.Caller != nil {
		b.WriteByte(' ')
		b.WriteString(faintColor.Sprint(callerLocation(e.Caller.File, e.Caller.Line)))
	}
	b.WriteByte(' ')
	b.WriteString(faintColor.Sprint(":"))
	b.WriteByte(' ')
	b.WriteString(e.Message)
	appendEntryData(&b, e.Data)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// jsonFormatter emits one JSON record per line. Entry fields land at the top
// level next to the fixed keys.
type jsonFormatter struct {
	name string
}

func (f *jsonFormatter) Format(e *logrus.Entry) ([]byte, error) {
	rec := map[string]interface{}{
		"time":    e.Time.Format(timestampLayout),
		"level":   e.Level.String(),
		"logger":  f.name,
		"message": e.Message,
	}
	if e.Caller != nil {
		rec["caller"] = callerLocation(e.Caller.File, e.Caller.Line)
	}
	for k, v := range e.Data {
		rec[k] = v
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func appendEntryData(b *strings.Builder, data logrus.Fields) {
	if len(data) == 0 {
		return
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, data[k])
	}
}

// callerLocation compresses an absolute file path to its package directory
// and file name, e.g. /home/x/dormouse/loader/entity.go:42 becomes
// loader/entity.go:42.
func callerLocation(file string, line int) string {
	short := filepath.ToSlash(file)
	if parts := strings.Split(short, "/"); len(parts) > 2 {
		short = parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return fmt.Sprintf("%s:%d", short, line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
