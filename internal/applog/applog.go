// Package applog sets up the overlay's structured logging: slog records go
// to a daily-rotating file and, optionally, to stderr.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPrefix   = "notify-overlay"
	DefaultKeepDays = 7
	dateLayout      = "2006-01-02"
)

// DailyRotator writes to <dir>/<prefix>-YYYY-MM-DD.log, opening a new file
// when the date changes and deleting all but the newest keep files.
type DailyRotator struct {
	dir    string
	prefix string
	keep   int

	mu   sync.Mutex
	now  func() time.Time
	day  string
	file *os.File
}

func NewDailyRotator(dir, prefix string, keep int) *DailyRotator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if keep <= 0 {
		keep = DefaultKeepDays
	}
	return &DailyRotator{dir: dir, prefix: prefix, keep: keep, now: time.Now}
}

// SetNow replaces the time source. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	r.now = fn
	r.mu.Unlock()
}

// FileFor returns the path of the log file for the day containing t.
func (r *DailyRotator) FileFor(t time.Time) string {
	return filepath.Join(r.dir, r.prefix+"-"+t.Format(dateLayout)+".log")
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if day := now.Format(dateLayout); day != r.day || r.file == nil {
		if err := r.open(now); err != nil {
			return 0, err
		}
		r.day = day
	}
	return r.file.Write(p)
}

func (r *DailyRotator) open(now time.Time) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.FileFor(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = f
	r.prune()
	return nil
}

// prune relies on the date layout sorting lexically.
func (r *DailyRotator) prune() {
	old, err := filepath.Glob(filepath.Join(r.dir, r.prefix+"-*.log"))
	if err != nil || len(old) <= r.keep {
		return
	}
	sort.Strings(old)
	for _, name := range old[:len(old)-r.keep] {
		os.Remove(name)
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

type InitConfig struct {
	LogDir   string
	LogLevel string
	// LogFormat is "text" (default) or "json".
	LogFormat string
	KeepDays  int
	// Console mirrors every record to stderr.
	Console bool
	// Stderr overrides the console writer. Used in tests only.
	Stderr io.Writer
}

// Init installs a logger writing to a DailyRotator in cfg.LogDir as
// slog.Default, and points the stdlib log package at the same writer.
// The caller must Close the returned io.Closer.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewDailyRotator(cfg.LogDir, DefaultPrefix, cfg.KeepDays)

	var out io.Writer = rotator
	if cfg.Console {
		stderr := cfg.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		out = io.MultiWriter(rotator, stderr)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// ParseLevel maps a config string to a level; anything unknown is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
