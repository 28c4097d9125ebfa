// Package serverlog provides the single process-wide logger handle.
//
// The original server logged from arbitrary call sites through a global
// singleton. Here every component that needs to log is handed a *Logger
// explicitly at construction time; New is the only place one gets built.
package serverlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Level is the severity of a log line.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelGame
	LevelCountdown
	LevelBoot
)

func (l Level) tag() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelGame:
		return "GAME"
	case LevelCountdown:
		return "COUNTDOWN"
	case LevelBoot:
		return "BOOT"
	default:
		return "INFO"
	}
}

// Logger is a leveled sink backed by a single append-only file.
type Logger struct {
	std *log.Logger
}

// New creates the log file at ./log/<yyyy-mm-dd_hh-mm-ss>.txt, creating the
// directory if it does not exist, and returns a Logger writing to it (and
// to stdout, so a foreground run still shows activity).
func New(dir string) (*Logger, func() error, error) {
	if dir == "" {
		dir = "log"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("serverlog: create log dir: %w", err)
	}

	name := time.Now().Format("2006-01-02_15-04-05") + ".txt"
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("serverlog: open log file: %w", err)
	}

	w := io.MultiWriter(f, os.Stdout)
	std := log.New(w, "", log.LstdFlags)

	return &Logger{std: std}, f.Close, nil
}

// NewDiscard returns a Logger that drops everything; used by tests that
// don't want to litter ./log/ with files.
func NewDiscard() *Logger {
	return &Logger{std: log.New(io.Discard, "", 0)}
}

func (lg *Logger) log(level Level, msg string) {
	lg.std.Printf("[%s] %s", level.tag(), msg)
}

// Info logs a routine informational event.
func (lg *Logger) Info(format string, args ...any) { lg.log(LevelInfo, fmt.Sprintf(format, args...)) }

// Warning logs a recoverable, noteworthy condition.
func (lg *Logger) Warning(format string, args ...any) {
	lg.log(LevelWarning, fmt.Sprintf(format, args...))
}

// Error logs a failure the server absorbed and continued past.
func (lg *Logger) Error(format string, args ...any) {
	lg.log(LevelError, fmt.Sprintf(format, args...))
}

// Game logs a game-lifecycle event (room created, move played, room dissolved).
func (lg *Logger) Game(format string, args ...any) { lg.log(LevelGame, fmt.Sprintf(format, args...)) }

// Countdown logs a timer tick; callers typically rate-limit these.
func (lg *Logger) Countdown(format string, args ...any) {
	lg.log(LevelCountdown, fmt.Sprintf(format, args...))
}

// Boot logs a startup/shutdown milestone.
func (lg *Logger) Boot(format string, args ...any) { lg.log(LevelBoot, fmt.Sprintf(format, args...)) }
