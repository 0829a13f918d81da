package logging

import (
	"os"
	"sync/atomic"
)

var process atomic.Pointer[Logger]

func init() {
	process.Store(DefaultLogger())
}

// Global returns the process logger. Components fall back to it when their
// config carries no logger.
func Global() *Logger {
	return process.Load()
}

// Configure builds the process logger for a binary and installs it. Debug
// level also records the caller.
func Configure(level, format, node string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: lvl == LevelDebug,
		Node:      node,
	})
	process.Store(l)
	return l
}
