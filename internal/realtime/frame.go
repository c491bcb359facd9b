// Package realtime fans persisted workspace changes and ephemeral relay
// patches out to the websocket connections joined to a workspace room.
package realtime

import (
	"encoding/json"
	"time"
)

const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeRelayUpdate = "relay-update"

	TypeJoined          = "joined"
	TypeLeft            = "left"
	TypeError           = "error"
	TypePersistedUpdate = "persisted-update"
	TypeRelayPatch      = "relay-patch"
)

// Frame is one JSON message on the realtime connection, in either direction.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      *string         `json:"name,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PersistedUpdate describes a stored workspace change. Name and Document are
// set only when the update changed them.
type PersistedUpdate struct {
	ID        string
	Name      *string
	Document  json.RawMessage
	UpdatedAt time.Time
}

func (u PersistedUpdate) frame() Frame {
	updatedAt := u.UpdatedAt.UTC()
	return Frame{
		Type:      TypePersistedUpdate,
		ID:        u.ID,
		Name:      u.Name,
		Document:  u.Document,
		UpdatedAt: &updatedAt,
	}
}
