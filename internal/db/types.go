package db

import "time"

type Account struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type RefreshToken struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// RotationCursor records the asset last shown for a rotating event kind.
type RotationCursor struct {
	Kind      string
	Asset     string
	UpdatedAt time.Time
}
