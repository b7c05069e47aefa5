// Package logger is a process-wide logger with a service prefix and an
// asynchronous writer, so that the sync loop never blocks on log output.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const asyncBufferSize = 8192

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	prefix   atomic.Value
	logLevel atomic.Int32
	ch       chan string
	once     sync.Once
)

func init() {
	prefix.Store("")
	logLevel.Store(int32(ParseLevel(os.Getenv("LOG_LEVEL"))))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level. Unknown values are info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel overrides LOG_LEVEL.
func SetLevel(l Level) { logLevel.Store(int32(l)) }

// SetPrefix sets the tag for all subsequent lines (for example "tail", "devserver").
func SetPrefix(p string) { prefix.Store(p) }

func startWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(l Level, label, msg string) {
	if Level(logLevel.Load()) > l {
		return
	}
	once.Do(startWorker)
	line := tag() + label + msg
	select {
	case ch <- line:
	default:
		// buffer full, drop
	}
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

func Debugf(format string, v ...any) { enqueue(LevelDebug, "DEBUG: ", fmt.Sprintf(format, v...)) }

func Info(v ...any) { enqueue(LevelInfo, "", fmt.Sprint(v...)) }

func Infof(format string, v ...any) { enqueue(LevelInfo, "", fmt.Sprintf(format, v...)) }

func Warnf(format string, v ...any) { enqueue(LevelWarn, "WARN: ", fmt.Sprintf(format, v...)) }

func Error(v ...any) { enqueue(LevelError, "ERROR: ", fmt.Sprint(v...)) }

func Errorf(format string, v ...any) { enqueue(LevelError, "ERROR: ", fmt.Sprintf(format, v...)) }

// LogDuration logs fn and its elapsed time. At info level only calls slower
// than 100ms are logged; at debug level every call is.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if Level(logLevel.Load()) == LevelDebug || elapsed >= 100*time.Millisecond {
		enqueue(LevelInfo, "", fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration is meant for defer: defer logger.DeferLogDuration("Session.LoadOlder", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
