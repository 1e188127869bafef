package monitor_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zsprackett/notify-overlay/internal/db"
	"github.com/zsprackett/notify-overlay/internal/monitor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitorPrunesExpiredTokensOnStart(t *testing.T) {
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	acc, err := store.CreateAccount("alice", "hash")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	store.CreateRefreshToken(db.RefreshToken{Token: "old", AccountID: acc.ID, ExpiresAt: now.Add(-time.Hour)})
	store.CreateRefreshToken(db.RefreshToken{Token: "fresh", AccountID: acc.ID, ExpiresAt: now.Add(time.Hour)})

	m := monitor.New(store, time.Hour, discardLogger())
	m.Start()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.GetRefreshToken("old"); err == db.ErrNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired token was not pruned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop() // second Stop must not panic

	if _, err := store.GetRefreshToken("fresh"); err != nil {
		t.Errorf("fresh token should survive: %v", err)
	}
}
