package db_test

import (
	"errors"
	"testing"
	"time"

	"github.com/zsprackett/notify-overlay/internal/db"
)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return store
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestMeta(t *testing.T) {
	store := openStore(t)
	if v, err := store.GetMeta("missing"); err != nil || v != "" {
		t.Errorf("missing key: got %q, %v", v, err)
	}
	store.SetMeta("schema", "1")
	store.SetMeta("schema", "2")
	if v, _ := store.GetMeta("schema"); v != "2" {
		t.Errorf("got %q want 2", v)
	}
}

func TestAccountCRUD(t *testing.T) {
	store := openStore(t)

	acc, err := store.CreateAccount("alice", "hash-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateAccount("alice", "hash-2"); err == nil {
		t.Error("expected duplicate username to fail")
	}

	got, err := store.GetAccountByUsername("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != acc.ID || got.PasswordHash != "hash-1" {
		t.Errorf("got %+v", got)
	}

	if err := store.UpdateAccountPassword(acc.ID, "hash-3"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.GetAccount(acc.ID)
	if got.PasswordHash != "hash-3" {
		t.Errorf("password hash: got %q", got.PasswordHash)
	}

	if _, err := store.GetAccountByUsername("bob"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("missing account: got %v", err)
	}
	if err := store.UpdateAccountPassword("nope", "x"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("update missing: got %v", err)
	}
}

func TestRefreshTokens(t *testing.T) {
	store := openStore(t)
	acc, _ := store.CreateAccount("alice", "hash")

	now := time.Now()
	store.CreateRefreshToken(db.RefreshToken{Token: "live", AccountID: acc.ID, ExpiresAt: now.Add(time.Hour)})
	store.CreateRefreshToken(db.RefreshToken{Token: "stale", AccountID: acc.ID, ExpiresAt: now.Add(-time.Hour)})

	tok, err := store.GetRefreshToken("live")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.AccountID != acc.ID {
		t.Errorf("account: got %q", tok.AccountID)
	}

	n, err := store.PruneRefreshTokens(now)
	if err != nil || n != 1 {
		t.Errorf("prune: got %d, %v", n, err)
	}
	if _, err := store.GetRefreshToken("stale"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("stale token: got %v", err)
	}

	store.DeleteRefreshTokensByAccount(acc.ID)
	if _, err := store.GetRefreshToken("live"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("deleted token: got %v", err)
	}
}

func TestRotationCursors(t *testing.T) {
	store := openStore(t)
	store.SaveRotationCursor("grinch_donation", "g1.gif")
	store.SaveRotationCursor("grinch_donation", "g2.gif")
	store.SaveRotationCursor("advent", "a1.gif")

	cursors, err := store.LoadRotationCursors()
	if err != nil {
		t.Fatal(err)
	}
	if len(cursors) != 2 {
		t.Fatalf("expected 2 cursors, got %d", len(cursors))
	}
	if cursors[0].Kind != "advent" || cursors[1].Asset != "g2.gif" {
		t.Errorf("got %+v", cursors)
	}
}
