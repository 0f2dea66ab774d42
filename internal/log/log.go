// Package log provides the go-logging backend shared by the client and the
// relay. Loggers are per module; the level and destination are set once from
// configuration.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a leveled log backend writing to stdout, a file, or nowhere.
type Backend struct {
	logging.LeveledBackend
	mu sync.RWMutex

	inner logging.LeveledBackend
	w     io.WriteCloser

	file    string
	level   string
	disable bool
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// New initializes a logging backend. An empty file means stdout.
func New(file, level string, disable bool) (*Backend, error) {
	b := &Backend{file: file, level: level, disable: disable}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewDiscard returns a backend that drops everything; used by tests.
func NewDiscard() *Backend {
	b, _ := New("", "ERROR", true)
	return b
}

// Log implements logging.Backend.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inner.Log(level, calldepth, record)
}

// GetLevel implements logging.Leveled.
func (b *Backend) GetLevel(module string) logging.Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inner.GetLevel(module)
}

// SetLevel implements logging.Leveled.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.inner.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inner.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Rotate reopens the log file, for use on SIGHUP.
func (b *Backend) Rotate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

func (b *Backend) open() error {
	lvl, err := LevelFromString(b.level)
	if err != nil {
		return err
	}

	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("log: open %s: %w", b.file, err)
		}
		b.w = f
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.inner = logging.AddModuleLevel(formatted)
	b.inner.SetLevel(lvl, "")
	return nil
}

// LevelFromString parses ERROR, WARNING, NOTICE, INFO or DEBUG.
func LevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
