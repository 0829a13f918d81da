// Package logging provides structured logging scoped to a node and,
// optionally, to a single client connection.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as human-readable text.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown values map to FormatJSON.
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Level        string         `json:"level"`
	Message      string         `json:"message"`
	Node         string         `json:"node,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	File         string         `json:"file,omitempty"`
	Line         int            `json:"line,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Logger provides structured logging with configurable levels and formats.
// Derived loggers share the parent's output and write lock.
type Logger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  Level
	format Format
	caller bool
	skip   int
	fields map[string]any
	node   string
	connID string
}

// Config holds configuration for a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
	Node       string
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		mu:     &sync.Mutex{},
		out:    out,
		level:  cfg.Level,
		format: cfg.Format,
		caller: cfg.AddCaller,
		skip:   cfg.CallerSkip,
		node:   cfg.Node,
	}
}

// DefaultLogger returns an info-level JSON logger writing to stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON})
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(Config{Level: LevelError + 1, Output: io.Discard})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) derive(fn func(*Logger)) *Logger {
	l.mu.Lock()
	child := &Logger{
		mu:     l.mu,
		out:    l.out,
		level:  l.level,
		format: l.format,
		caller: l.caller,
		skip:   l.skip,
		fields: l.fields,
		node:   l.node,
		connID: l.connID,
	}
	l.mu.Unlock()
	fn(child)
	return child
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	return l.derive(func(c *Logger) {
		merged := make(map[string]any, len(c.fields)+len(fields))
		for k, v := range c.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		c.fields = merged
	})
}

// WithNode returns a new Logger tagged with a node name.
func (l *Logger) WithNode(node string) *Logger {
	return l.derive(func(c *Logger) { c.node = node })
}

// WithConnectionID returns a new Logger tagged with a connection ID.
func (l *Logger) WithConnectionID(id string) *Logger {
	return l.derive(func(c *Logger) { c.connID = id })
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.log(LevelDebug, msg, nil) }

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.log(LevelInfo, msg, nil) }

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) { l.log(LevelInfo, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.log(LevelWarn, msg, nil) }

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) { l.log(LevelWarn, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string) { l.log(LevelError, msg, nil) }

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, extra map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := Entry{
		Timestamp:    time.Now().UTC(),
		Level:        level.String(),
		Message:      msg,
		Node:         l.node,
		ConnectionID: l.connID,
	}
	if l.caller {
		if _, file, line, ok := runtime.Caller(2 + l.skip); ok {
			entry.File = file
			entry.Line = line
		}
	}
	if len(l.fields) > 0 || len(extra) > 0 {
		entry.Fields = make(map[string]any, len(l.fields)+len(extra))
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
		for k, v := range extra {
			entry.Fields[k] = v
		}
	}

	var data []byte
	if l.format == FormatText {
		data = formatText(entry)
	} else {
		data, _ = json.Marshal(entry)
		data = append(data, '\n')
	}
	_, _ = l.out.Write(data)
}

func formatText(e Entry) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, e.Timestamp.Format(time.RFC3339)...)
	buf = append(buf, " ["...)
	buf = append(buf, e.Level...)
	buf = append(buf, "] "...)
	buf = append(buf, e.Message...)

	if e.Node != "" {
		buf = append(buf, " node="...)
		buf = append(buf, e.Node...)
	}
	if e.ConnectionID != "" {
		buf = append(buf, " conn="...)
		buf = append(buf, e.ConnectionID...)
	}
	if e.File != "" {
		buf = append(buf, " file="...)
		buf = append(buf, e.File...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(e.Line), 10)
	}
	for k, v := range e.Fields {
		buf = append(buf, ' ')
		buf = append(buf, k...)
		buf = append(buf, '=')
		if s, ok := v.(string); ok {
			buf = append(buf, s...)
			continue
		}
		data, _ := json.Marshal(v)
		buf = append(buf, data...)
	}
	return append(buf, '\n')
}
