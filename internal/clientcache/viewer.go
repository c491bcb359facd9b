package clientcache

import (
	"context"
	"sync"
	"time"

	"diagramsync/api/internal/syncclient"
	"github.com/rs/zerolog"
)

// Channel is the part of the realtime connection a Viewer needs.
type Channel interface {
	Join(ctx context.Context, id string) error
	Leave(ctx context.Context, id string) error
	Listen(id string, fn func(syncclient.Event)) (stop func())
}

// Viewer keeps one workspace, the one on screen, subscribed to server events.
type Viewer struct {
	cache    *Cache
	channel  Channel
	onRelay  func(syncclient.Event)
	onUpdate func(Workspace)
	logger   zerolog.Logger

	mu      sync.Mutex
	current string
	stop    func()
}

type ViewerOption func(*Viewer)

// WithRelayHook receives relay patches for the viewed workspace. Patches are
// hints and never touch the cache.
func WithRelayHook(fn func(syncclient.Event)) ViewerOption {
	return func(v *Viewer) { v.onRelay = fn }
}

// WithUpdateHook is called with the cached workspace after each reconciled
// server update.
func WithUpdateHook(fn func(Workspace)) ViewerOption {
	return func(v *Viewer) { v.onUpdate = fn }
}

func NewViewer(cache *Cache, channel Channel, opts ...ViewerOption) *Viewer {
	v := &Viewer{cache: cache, channel: channel, logger: cache.logger}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enter switches the view to id: the previous workspace is left, the room
// for id is joined and the workspace is read through the cache.
func (v *Viewer) Enter(ctx context.Context, id string) (Workspace, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current != id {
		if err := v.exitLocked(ctx); err != nil {
			v.logger.Warn().Err(err).Str("workspace_id", v.current).Msg("leave failed")
		}
		if err := v.channel.Join(ctx, id); err != nil {
			return Workspace{}, err
		}
		v.stop = v.channel.Listen(id, v.handle)
		v.current = id
	}
	return v.cache.Get(ctx, id)
}

// Exit leaves the viewed workspace, if any.
func (v *Viewer) Exit(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exitLocked(ctx)
}

func (v *Viewer) Current() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *Viewer) exitLocked(ctx context.Context) error {
	if v.current == "" {
		return nil
	}
	id := v.current
	v.stop()
	v.stop = nil
	v.current = ""
	return v.channel.Leave(ctx, id)
}

// handle runs on the connection's read goroutine.
func (v *Viewer) handle(event syncclient.Event) {
	switch event.Type {
	case syncclient.EventPersisted:
		if err := v.cache.ApplyBroadcast(event); err != nil {
			v.logger.Warn().Err(err).Str("workspace_id", event.ID).Msg("dropping broadcast")
			v.cache.Evict(event.ID)
			return
		}
		if ws, ok := v.cache.Cached(event.ID); ok && v.onUpdate != nil {
			v.onUpdate(ws)
		}
	case syncclient.EventRelay:
		if v.onRelay != nil {
			v.onRelay(event)
		}
	case syncclient.EventReconnected:
		v.cache.Evict(event.ID)
		go v.refetch(event.ID)
	}
}

func (v *Viewer) refetch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ws, err := v.cache.Get(ctx, id)
	if err != nil {
		v.logger.Warn().Err(err).Str("workspace_id", id).Msg("refetch after reconnect failed")
		return
	}
	if v.onUpdate != nil {
		v.onUpdate(ws)
	}
}
