// Package logger provides component-scoped structured logging on top of zerolog.
//
// Call sites name the component first so every line can be filtered by
// subsystem:
//
//	logger.InfoCF("relay", "Message relayed", map[string]any{"destination": id})
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[string]LogLevel{
	"debug":   DEBUG,
	"info":    INFO,
	"warn":    WARN,
	"warning": WARN,
	"error":   ERROR,
}

var (
	mu     sync.RWMutex
	level  = INFO
	output zerolog.Logger
)

func init() {
	output = newLogger(os.Stderr, false)
}

func newLogger(w io.Writer, json bool) zerolog.Logger {
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel sets the minimum level that is written.
func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// GetLevel returns the current minimum level.
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// ParseLevel converts a config string to a LogLevel. Unknown names map to INFO.
func ParseLevel(name string) (LogLevel, bool) {
	l, ok := levelNames[name]
	if !ok {
		return INFO, false
	}
	return l, true
}

// SetOutput redirects log output. When json is false, lines are rendered
// with zerolog's console writer.
func SetOutput(w io.Writer, json bool) {
	mu.Lock()
	defer mu.Unlock()
	output = newLogger(w, json)
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func logMessage(l LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	if l < level {
		mu.RUnlock()
		return
	}
	lg := output
	mu.RUnlock()

	evt := lg.WithLevel(l.zerolog())
	if component != "" {
		evt = evt.Str("component", component)
	}
	if len(fields) > 0 {
		evt = evt.Fields(fields)
	}
	evt.Msg(message)
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
