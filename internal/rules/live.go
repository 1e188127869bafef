package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Live is a swappable Table. Readers always see a complete table.
type Live struct {
	cur atomic.Pointer[Table]
}

// NewLive returns a Live serving t.
func NewLive(t *Table) *Live {
	l := &Live{}
	l.cur.Store(t)
	return l
}

func (l *Live) Lookup(kind string) (Recipe, bool) {
	return l.cur.Load().Lookup(kind)
}

// Table returns the table currently served.
func (l *Live) Table() *Table { return l.cur.Load() }

// Swap replaces the served table.
func (l *Live) Swap(t *Table) { l.cur.Store(t) }

const (
	reloadDebounce     = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch reloads path into l whenever the file changes, until ctx is done.
// Files that fail to parse are logged and the previous table stays live.
func (l *Live) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			t, err := LoadFile(path)
			if err != nil {
				logger.Warn("rules: reload rejected", "path", path, "err", err)
				return
			}
			l.Swap(t)
			logger.Info("rules: reloaded", "path", path, "kinds", len(t.recipes))
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				w.Close()
			}
		}
		if err != nil {
			logger.Warn("rules: watch failed", "dir", dir, "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, restartBackoffMax)
			continue
		}
		backoff = restartBackoffBase
		logger.Debug("rules: watching", "path", path)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				logger.Warn("rules: watch error", "err", err)
			}
		}
		w.Close()
		logger.Warn("rules: watcher stopped; restarting", "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}
