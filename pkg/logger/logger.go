package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// Level represents log levels
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Logger is a simple leveled logger with a component prefix
type Logger struct {
	prefix string
	level  *int32
	out    *log.Logger
}

// New creates a logger writing to stdout with the given component prefix
func New(prefix string) *Logger {
	return NewWithWriter(prefix, os.Stdout)
}

// NewWithWriter creates a logger writing to w, mainly for tests
func NewWithWriter(prefix string, w io.Writer) *Logger {
	level := int32(INFO)
	return &Logger{
		prefix: prefix,
		level:  &level,
		out:    log.New(w, "", 0),
	}
}

// WithPrefix returns a logger sharing this logger's output and level but
// tagged with a different component prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, level: l.level, out: l.out}
}

// SetLevel sets the minimum level emitted
func (l *Logger) SetLevel(level Level) {
	atomic.StoreInt32(l.level, int32(level))
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if int32(level) < atomic.LoadInt32(l.level) {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] [%s] %s", timestamp, levelNames[level], l.prefix, message)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.logf(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(ERROR, format, args...)
}
