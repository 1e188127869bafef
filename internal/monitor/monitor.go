// Package monitor runs periodic housekeeping for the serve command.
package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// TokenPruner removes refresh tokens that expired before now.
type TokenPruner interface {
	PruneRefreshTokens(now time.Time) (int64, error)
}

type Monitor struct {
	store    TokenPruner
	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func New(store TokenPruner, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Monitor{
		store:    store,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

// Start prunes once immediately, then on every tick until Stop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refresh()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.refresh()
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) refresh() {
	n, err := m.store.PruneRefreshTokens(m.now())
	if err != nil {
		m.logger.Warn("monitor: prune refresh tokens", "err", err)
		return
	}
	if n > 0 {
		m.logger.Debug("monitor: pruned expired refresh tokens", "count", n)
	}
}
