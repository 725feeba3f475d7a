/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
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

/*
Package logging provides the structured, component-scoped logger used across
KayDB.

Features:
=========

  - Four levels (DEBUG, INFO, WARN, ERROR) with a process-wide threshold
  - Key/value fields passed as trailing arguments
  - Text output with colored levels, or one JSON object per line
  - Component names ("wal", "compactor", "raft") for filtering
  - Operation timers that flag slow engine calls

Usage:

	log := logging.NewLogger("wal")
	log.Info("Segment rotated", "segment", 7, "bytes", 67108864)
	log.Warn("Torn tail truncated", "offset", off, "error", err)
*/
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota
	// INFO level for general operational information.
	INFO
	// WARN level for warning conditions.
	WARN
	// ERROR level for error conditions.
	ERROR
	// OFF disables output entirely. Used by tests and embedded callers.
	OFF
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case OFF:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "off", "none":
		return OFF
	default:
		return INFO
	}
}

// Entry represents a single log entry with all its metadata.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config holds logger configuration options.
type Config struct {
	Level    Level
	Output   io.Writer
	JSONMode bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:    INFO,
		Output:   os.Stderr,
		JSONMode: false,
	}
}

var (
	globalConfig = DefaultConfig()
	globalMu     sync.RWMutex
	// writeMu serializes writes so lines from concurrent components never
	// interleave on a shared writer.
	writeMu sync.Mutex
)

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Level = level
}

// GlobalLevel returns the current global log level.
func GlobalLevel() Level {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig.Level
}

// SetGlobalOutput sets the global log output.
func SetGlobalOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Output = w
}

// SetJSONMode enables or disables JSON output mode.
func SetJSONMode(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.JSONMode = enabled
}

// Configure applies a full configuration at once.
func Configure(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	globalConfig = cfg
}

// Logger provides structured logging for one component.
type Logger struct {
	component string
}

// NewLogger creates a new Logger for the specified component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= GlobalLevel() && level != OFF
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	globalMu.RLock()
	minLevel := globalConfig.Level
	output := globalConfig.Output
	jsonMode := globalConfig.JSONMode
	globalMu.RUnlock()

	if level < minLevel || minLevel == OFF {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
		Fields:    fieldsFromArgs(args),
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	if jsonMode {
		writeJSON(output, entry)
	} else {
		writeText(output, entry)
	}
}

func fieldsFromArgs(args []interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(args)/2+1)
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		fields[key] = fieldValue(args[i+1])
	}
	if len(args)%2 != 0 {
		fields["extra"] = fieldValue(args[len(args)-1])
	}
	return fields
}

// fieldValue turns errors and durations into strings so both output modes
// render them readably.
func fieldValue(v interface{}) interface{} {
	switch t := v.(type) {
	case error:
		return t.Error()
	case time.Duration:
		return t.String()
	case []byte:
		return string(t)
	default:
		return v
	}
}

func writeJSON(w io.Writer, entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(w, "ERROR: failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

// writeText renders: 2006-01-02T15:04:05.000Z [LEVEL] [component] message k=v ...
// Fields are sorted so the same event always renders the same way.
func writeText(w io.Writer, entry Entry) {
	timestamp := entry.Timestamp.Format("2006-01-02T15:04:05.000Z")

	var levelColor string
	switch entry.Level {
	case "DEBUG":
		levelColor = "\033[36m"
	case "INFO":
		levelColor = "\033[32m"
	case "WARN":
		levelColor = "\033[33m"
	case "ERROR":
		levelColor = "\033[31m"
	default:
		levelColor = "\033[0m"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s[%-5s]\033[0m [%s] %s",
		timestamp, levelColor, entry.Level, entry.Component, entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, entry.Fields[k])
		}
	}

	fmt.Fprintln(w, sb.String())
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args...)
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args...)
}

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args...)
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args...)
}

// With returns a logger that prepends the given fields to every message.
func (l *Logger) With(args ...interface{}) *ContextLogger {
	fixed := make([]interface{}, len(args))
	copy(fixed, args)
	return &ContextLogger{logger: l, fields: fixed}
}

// ContextLogger is a logger with pre-set context fields.
type ContextLogger struct {
	logger *Logger
	fields []interface{}
}

// Debug logs a message at DEBUG level with context fields.
func (c *ContextLogger) Debug(msg string, args ...interface{}) {
	c.logger.log(DEBUG, msg, c.merge(args)...)
}

// Info logs a message at INFO level with context fields.
func (c *ContextLogger) Info(msg string, args ...interface{}) {
	c.logger.log(INFO, msg, c.merge(args)...)
}

// Warn logs a message at WARN level with context fields.
func (c *ContextLogger) Warn(msg string, args ...interface{}) {
	c.logger.log(WARN, msg, c.merge(args)...)
}

// Error logs a message at ERROR level with context fields.
func (c *ContextLogger) Error(msg string, args ...interface{}) {
	c.logger.log(ERROR, msg, c.merge(args)...)
}

func (c *ContextLogger) merge(args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(c.fields)+len(args))
	out = append(out, c.fields...)
	return append(out, args...)
}

// ============================================================================
// Operation Timing
// ============================================================================

// OpTimer measures one engine operation and reports it when it runs longer
// than its threshold.
type OpTimer struct {
	logger    *Logger
	op        string
	threshold time.Duration
	start     time.Time
}

// StartOp begins timing op. A zero threshold disables slow-op reporting.
func (l *Logger) StartOp(op string, threshold time.Duration) *OpTimer {
	return &OpTimer{logger: l, op: op, threshold: threshold, start: time.Now()}
}

// Elapsed returns the time since the operation started.
func (t *OpTimer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Done finishes the timer, logs a warning if the operation was slow, and
// returns the elapsed time.
func (t *OpTimer) Done(args ...interface{}) time.Duration {
	elapsed := t.Elapsed()
	if t.threshold > 0 && elapsed > t.threshold {
		base := []interface{}{
			"op", t.op,
			"duration_ms", fmt.Sprintf("%.2f", float64(elapsed.Microseconds())/1000.0),
			"threshold", t.threshold,
		}
		t.logger.Warn("Slow operation", append(base, args...)...)
	}
	return elapsed
}
