// Package logging builds the component loggers used across treesync.
//
// Every component logs through a standard *log.Logger with a bracketed
// prefix ("[sync] ", "[watch] ", ...). When a log file is configured, output
// goes to both stderr and a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/treesync/treesync/internal/config"
)

// Component prefixes.
const (
	Sync      = "sync"
	Watch     = "watch"
	Worker    = "worker"
	Queue     = "queue"
	Dashboard = "dashboard"
)

// Logs hands out prefixed loggers that share one destination.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates Logs writing to stderr and, if cfg.File is set, to a rotating
// log file.
func New(cfg config.LogConfig) (*Logs, error) {
	return newLogs(cfg, os.Stderr)
}

func newLogs(cfg config.LogConfig, console io.Writer) (*Logs, error) {
	l := &Logs{out: console, loggers: make(map[string]*log.Logger)}
	if cfg.File == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}
	l.file = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	l.out = io.MultiWriter(console, l.file)
	return l, nil
}

// Logger returns the logger for component, creating it on first use.
func (l *Logs) Logger(component string) *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lg, ok := l.loggers[component]; ok {
		return lg
	}
	lg := log.New(l.out, "["+component+"] ", log.LstdFlags)
	l.loggers[component] = lg
	return lg
}

// Writer returns the shared destination.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
