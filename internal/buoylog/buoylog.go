// Package buoylog implements the controller's two-sink logging discipline
// (§4.4): diagnostic lines go to a structured slog.Logger (syslog file +
// console), while data lines go to a CRLF-terminated, append-only daily
// file named YYYYMMDD, guarded by the file_lock semaphore so no other
// writer interleaves a partial line.
package buoylog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
	"github.com/sealane/buoyctl/internal/buoyerr"
)

// Level mirrors slog's levels; re-exported so callers never need to import
// log/slog directly just to log a line.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger fans diagnostic output to a slog.Logger and data records to the
// rolling daily file under dataDir.
type Logger struct {
	diag *slog.Logger

	mu      sync.Mutex
	dataDir string
	lock    *arbitrator.Semaphore
	file    *os.File
	day     string
}

// New builds a Logger. diag may be nil (defaults to a discarding handler).
// dataDir is the directory the daily YYYYMMDD files are written under; lock
// is the shared file_lock semaphore the spool also acquires before
// touching the data directory.
func New(diag *slog.Logger, dataDir string, lock *arbitrator.Semaphore) *Logger {
	if diag == nil {
		diag = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Logger{diag: diag, dataDir: dataDir, lock: lock}
}

// Log emits a diagnostic line at the given level, tagged with op.
func (l *Logger) Log(level Level, op, msg string, args ...any) {
	l.diag.Log(context.Background(), level, msg, append([]any{"op", op}, args...)...)
}

func (l *Logger) Debug(op, msg string, args ...any) { l.Log(LevelDebug, op, msg, args...) }
func (l *Logger) Info(op, msg string, args ...any)  { l.Log(LevelInfo, op, msg, args...) }
func (l *Logger) Warn(op, msg string, args ...any)  { l.Log(LevelWarn, op, msg, args...) }
func (l *Logger) Error(op, msg string, args ...any) { l.Log(LevelError, op, msg, args...) }

// LogData appends one CRLF-terminated record to today's data file,
// rolling to a new file at local-date change. Acquires file_lock for the
// duration of the write (§4.2: file_lock serializes every filesystem
// mutation the controller makes, not just spool writes).
func (l *Logger) LogData(ctx context.Context, record string) error {
	if err := l.lock.Acquire(ctx); err != nil {
		return err
	}
	defer l.lock.Release()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rollIfNeeded(); err != nil {
		return err
	}
	if _, err := l.file.WriteString(record + "\r\n"); err != nil {
		return buoyerr.New(buoyerr.KindStorage, "buoylog.LogData", err)
	}
	return nil
}

// rollIfNeeded opens today's file if the day has changed since the last
// write, leaving any previous day's file closed and untouched.
func (l *Logger) rollIfNeeded() error {
	today := time.Now().UTC().Format("20060102")
	if l.file != nil && l.day == today {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	if err := os.MkdirAll(l.dataDir, 0o755); err != nil {
		return buoyerr.New(buoyerr.KindStorage, "buoylog.rollIfNeeded", err)
	}
	path := filepath.Join(l.dataDir, today)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return buoyerr.New(buoyerr.KindStorage, "buoylog.rollIfNeeded", err)
	}
	l.file = f
	l.day = today
	l.diag.Debug("buoylog: rolled data file", "path", path)
	return nil
}

// Close flushes and closes the active daily file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Diag exposes the underlying structured logger for packages that want to
// pass a *slog.Logger through unchanged (e.g. arbitrator.New, clock.New).
func (l *Logger) Diag() *slog.Logger { return l.diag }

// SlogAttrs is a small convenience for building a consistent "op" field
// across call sites that already hold a slog.Logger directly.
func SlogAttrs(op string, args ...any) []any {
	return append([]any{"op", op}, args...)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
