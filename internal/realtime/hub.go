package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var ErrNotJoined = errors.New("connection has not joined the workspace")

// Peer is one live connection as seen by the hub.
type Peer interface {
	ID() string
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(Frame) bool
}

// Hub is the room registry. Delivery to peers goes through the bus so that
// hubs in other processes see the same events.
type Hub struct {
	bus    Bus
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]Peer     // workspace id -> peer id -> peer
	peers map[string]map[string]struct{} // peer id -> workspace ids
}

func NewHub(bus Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:    bus,
		logger: logger.With().Str("component", "hub").Logger(),
		rooms:  make(map[string]map[string]Peer),
		peers:  make(map[string]map[string]struct{}),
	}
}

// Start subscribes the hub to its bus; delivery stops when ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, h.deliver); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	return nil
}

func (h *Hub) Join(p Peer, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[workspaceID]
	if !ok {
		room = make(map[string]Peer)
		h.rooms[workspaceID] = room
	}
	room[p.ID()] = p

	joined, ok := h.peers[p.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.peers[p.ID()] = joined
	}
	joined[workspaceID] = struct{}{}
}

func (h *Hub) Leave(p Peer, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(p.ID(), workspaceID)
}

// Disconnect removes the peer from every room it joined.
func (h *Hub) Disconnect(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for workspaceID := range h.peers[p.ID()] {
		h.leaveLocked(p.ID(), workspaceID)
	}
	delete(h.peers, p.ID())
}

func (h *Hub) leaveLocked(peerID, workspaceID string) {
	if room, ok := h.rooms[workspaceID]; ok {
		delete(room, peerID)
		if len(room) == 0 {
			delete(h.rooms, workspaceID)
		}
	}
	if joined, ok := h.peers[peerID]; ok {
		delete(joined, workspaceID)
		if len(joined) == 0 {
			delete(h.peers, peerID)
		}
	}
}

func (h *Hub) Joined(p Peer, workspaceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[workspaceID][p.ID()]
	return ok
}

// RoomSize is the number of local connections joined to workspaceID.
func (h *Hub) RoomSize(workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[workspaceID])
}

// NotifyPersisted sends a persisted-update to every connection in the room,
// the one that made the change included.
func (h *Hub) NotifyPersisted(ctx context.Context, update PersistedUpdate) error {
	return h.bus.Publish(ctx, Envelope{
		Kind:        KindPersisted,
		WorkspaceID: update.ID,
		Frame:       update.frame(),
	})
}

// Relay forwards patch verbatim to the rest of the room. It is never stored.
func (h *Hub) Relay(ctx context.Context, sender Peer, workspaceID string, patch json.RawMessage) error {
	if !h.Joined(sender, workspaceID) {
		return ErrNotJoined
	}
	return h.bus.Publish(ctx, Envelope{
		Kind:        KindRelay,
		WorkspaceID: workspaceID,
		Origin:      sender.ID(),
		Frame:       Frame{Type: TypeRelayPatch, ID: workspaceID, Patch: patch},
	})
}

func (h *Hub) deliver(env Envelope) {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[env.WorkspaceID]))
	for peerID, peer := range h.rooms[env.WorkspaceID] {
		if env.Kind == KindRelay && peerID == env.Origin {
			continue
		}
		targets = append(targets, peer)
	}
	h.mu.RUnlock()

	for _, peer := range targets {
		if !peer.Send(env.Frame) {
			h.logger.Warn().
				Str("peer_id", peer.ID()).
				Str("workspace_id", env.WorkspaceID).
				Str("type", env.Frame.Type).
				Msg("dropped event for slow or closed connection")
		}
	}
}
