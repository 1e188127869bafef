package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create accounts: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token      TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create refresh_tokens: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS rotation_cursors (
			kind       TEXT PRIMARY KEY,
			asset      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create rotation_cursors: %w", err)
	}
	return nil
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) CreateAccount(username, passwordHash string) (*Account, error) {
	acc := &Account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().Truncate(time.Millisecond),
	}
	_, err := d.sql.Exec(
		`INSERT INTO accounts (id, username, password_hash, created_at) VALUES (?,?,?,?)`,
		acc.ID, acc.Username, acc.PasswordHash, acc.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("account %q already exists", username)
		}
		return nil, err
	}
	return acc, nil
}

func (d *DB) GetAccountByUsername(username string) (*Account, error) {
	var acc Account
	var created int64
	err := d.sql.QueryRow(
		`SELECT id, username, password_hash, created_at FROM accounts WHERE username = ?`, username,
	).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = time.UnixMilli(created)
	return &acc, nil
}

func (d *DB) GetAccount(id string) (*Account, error) {
	var acc Account
	var created int64
	err := d.sql.QueryRow(
		`SELECT id, username, password_hash, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = time.UnixMilli(created)
	return &acc, nil
}

func (d *DB) UpdateAccountPassword(id, passwordHash string) error {
	res, err := d.sql.Exec(`UPDATE accounts SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) CreateRefreshToken(t RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := d.sql.Exec(
		`INSERT INTO refresh_tokens (token, account_id, expires_at, created_at) VALUES (?,?,?,?)`,
		t.Token, t.AccountID, t.ExpiresAt.UnixMilli(), t.CreatedAt.UnixMilli(),
	)
	return err
}

func (d *DB) GetRefreshToken(token string) (*RefreshToken, error) {
	var t RefreshToken
	var expires, created int64
	err := d.sql.QueryRow(
		`SELECT token, account_id, expires_at, created_at FROM refresh_tokens WHERE token = ?`, token,
	).Scan(&t.Token, &t.AccountID, &expires, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = time.UnixMilli(expires)
	t.CreatedAt = time.UnixMilli(created)
	return &t, nil
}

func (d *DB) DeleteRefreshToken(token string) error {
	_, err := d.sql.Exec(`DELETE FROM refresh_tokens WHERE token = ?`, token)
	return err
}

func (d *DB) DeleteRefreshTokensByAccount(accountID string) error {
	_, err := d.sql.Exec(`DELETE FROM refresh_tokens WHERE account_id = ?`, accountID)
	return err
}

// PruneRefreshTokens removes tokens that expired before now.
func (d *DB) PruneRefreshTokens(now time.Time) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM refresh_tokens WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) SaveRotationCursor(kind, asset string) error {
	_, err := d.sql.Exec(
		`INSERT OR REPLACE INTO rotation_cursors (kind, asset, updated_at) VALUES (?,?,?)`,
		kind, asset, time.Now().UnixMilli(),
	)
	return err
}

func (d *DB) LoadRotationCursors() ([]RotationCursor, error) {
	rows, err := d.sql.Query(`SELECT kind, asset, updated_at FROM rotation_cursors ORDER BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []RotationCursor
	for rows.Next() {
		var c RotationCursor
		var updated int64
		if err := rows.Scan(&c.Kind, &c.Asset, &updated); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.UnixMilli(updated)
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}
