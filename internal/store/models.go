package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Session is the server-side record backing a signed session token.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Workspace is one persisted diagram. Role is the requesting principal's
// membership role and is only populated by principal-scoped reads.
type Workspace struct {
	ID        string
	Name      string
	OwnerID   string
	Document  json.RawMessage
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type WorkspaceSummary struct {
	ID        string
	Name      string
	UpdatedAt time.Time
}

// WorkspacePatch carries the optional fields of an update; nil means untouched.
type WorkspacePatch struct {
	Name     *string
	Document json.RawMessage
}

type Member struct {
	WorkspaceID string
	UserID      string
	Email       string
	Role        string
	CreatedAt   time.Time
}
