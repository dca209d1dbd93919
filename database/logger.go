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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tomoncle/dormouse/utils"
)

// LogLevel orders log severities for the database and engine loggers.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "DEBUG"
	}
}

// Logger is the logging contract shared by the database layer and the session
// engine built on top of it. Fields are alternating key/value pairs.
type Logger interface {
	SetLevel(LogLevel)
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

var (
	globalLogger   Logger
	globalLoggerMu sync.RWMutex
)

// InitLogger installs log as the process-wide logger. The first installed
// logger wins; later calls and nil loggers are ignored.
func InitLogger(log Logger) {
	if log == nil {
		return
	}
	globalLoggerMu.Lock()
	if globalLogger == nil {
		globalLogger = log
	}
	globalLoggerMu.Unlock()
}

// GetLogger returns the process-wide logger, creating the default one on
// first use.
func GetLogger() Logger {
	globalLoggerMu.RLock()
	l := globalLogger
	globalLoggerMu.RUnlock()
	if l != nil {
		return l
	}

	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewNamedLogger("DORMOUSE")
	}
	return globalLogger
}

// NewNamedLogger returns a Logger for one engine subsystem, e.g. "SESSION",
// "FLUSH", "LOADER", or "CACHE".
func NewNamedLogger(name string) Logger {
	sl := &subsystemLogger{name: name, log: utils.NewLogger(name)}
	sl.min.Store(int32(LogLevelInfo))
	return sl
}

// subsystemLogger writes through a named logrus backend from the utils
// package. The local level gate skips field formatting for suppressed
// entries; the backend applies its own level on top.
type subsystemLogger struct {
	name string
	min  atomic.Int32
	log  *utils.Logger
}

func (l *subsystemLogger) SetLevel(level LogLevel) {
	l.min.Store(int32(level))
	utils.SetLoggerLevel(l.name, strings.ToLower(level.String()))
}

func (l *subsystemLogger) Debug(msg string, fields ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.log.Debug(appendFields(msg, fields))
	}
}

func (l *subsystemLogger) Info(msg string, fields ...interface{}) {
	if l.enabled(LogLevelInfo) {
		l.log.Info(appendFields(msg, fields))
	}
}

func (l *subsystemLogger) Warn(msg string, fields ...interface{}) {
	if l.enabled(LogLevelWarn) {
		l.log.Warn(appendFields(msg, fields))
	}
}

func (l *subsystemLogger) Error(msg string, fields ...interface{}) {
	if l.enabled(LogLevelError) {
		l.log.Error(appendFields(msg, fields))
	}
}

func (l *subsystemLogger) enabled(level LogLevel) bool {
	return int32(level) >= l.min.Load()
}

func appendFields(msg string, fields []interface{}) string {
	if len(fields) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(fields); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(fields) {
			fmt.Fprintf(&b, "%v=%v", fields[i], fields[i+1])
		} else {
			fmt.Fprintf(&b, "%v=?", fields[i])
		}
	}
	return b.String()
}
