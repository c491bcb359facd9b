// Package clientcache is the client-side mirror of workspace documents.
//
// Reads go through the cache: a miss fetches the workspace from the server.
// Writes are read-modify-persist-whole: the cached document is copied,
// mutated, written back to the cache and then sent to the server in full.
// Nothing locks a workspace across that sequence, so two clients editing the
// same workspace from stale copies overwrite each other (last writer wins).
package clientcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"diagramsync/api/internal/diagram"
	"diagramsync/api/internal/syncclient"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound       = errors.New("workspace not found")
	ErrEntityNotFound = errors.New("entity not found")
	ErrEntityExists   = errors.New("entity already exists")
)

// Remote is the part of the API client the cache needs.
type Remote interface {
	GetWorkspace(ctx context.Context, id string) (syncclient.Workspace, error)
	CreateWorkspace(ctx context.Context, id, name string, document json.RawMessage) error
	UpdateWorkspace(ctx context.Context, id string, update syncclient.WorkspaceUpdate) (time.Time, error)
}

// Workspace is one cached entry.
type Workspace struct {
	ID        string
	Name      string
	Role      string
	UpdatedAt time.Time
	Document  diagram.Document
}

func (w Workspace) clone() Workspace {
	w.Document = w.Document.Clone()
	return w
}

type Cache struct {
	remote Remote
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]Workspace
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func New(remote Remote, opts ...Option) *Cache {
	c := &Cache{
		remote:  remote,
		now:     time.Now,
		logger:  zerolog.Nop(),
		entries: make(map[string]Workspace),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached workspace, fetching it on a miss. A failed fetch
// yields ErrNotFound joined with the underlying error.
func (c *Cache) Get(ctx context.Context, id string) (Workspace, error) {
	if ws, ok := c.lookup(id); ok {
		return ws, nil
	}
	remote, err := c.remote.GetWorkspace(ctx, id)
	if err != nil {
		return Workspace{}, fmt.Errorf("workspace %s: %w: %w", id, ErrNotFound, err)
	}
	ws, err := normalize(remote)
	if err != nil {
		return Workspace{}, fmt.Errorf("workspace %s: %w: %w", id, ErrNotFound, err)
	}
	c.store(ws)
	return ws.clone(), nil
}

// Cached reports the entry without fetching.
func (c *Cache) Cached(id string) (Workspace, bool) {
	return c.lookup(id)
}

// CreateWorkspace creates the workspace on the server and seeds the cache
// with what the server stored.
func (c *Cache) CreateWorkspace(ctx context.Context, id, name string, doc diagram.Document) (Workspace, error) {
	doc.Normalize()
	data, err := json.Marshal(doc)
	if err != nil {
		return Workspace{}, fmt.Errorf("encode document: %w", err)
	}
	if err := c.remote.CreateWorkspace(ctx, id, name, data); err != nil {
		return Workspace{}, err
	}
	c.Evict(id)
	return c.Get(ctx, id)
}

// Rename persists a new name and patches the cached entry.
func (c *Cache) Rename(ctx context.Context, id, name string) error {
	updatedAt, err := c.remote.UpdateWorkspace(ctx, id, syncclient.WorkspaceUpdate{Name: &name})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws, ok := c.entries[id]; ok {
		ws.Name = name
		if updatedAt.After(ws.UpdatedAt) {
			ws.UpdatedAt = updatedAt
		}
		c.entries[id] = ws
	}
	return nil
}

// Evict drops an entry; the next Get refetches it.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ApplyBroadcast reconciles a persisted-update event against an existing
// entry. A full document replaces the entry's document. Name and updatedAt
// alone patch the entry and leave its collections alone. Events for ids that
// are not cached are ignored; the next Get fetches the whole workspace.
func (c *Cache) ApplyBroadcast(event syncclient.Event) error {
	if event.Type != syncclient.EventPersisted {
		return nil
	}

	if len(event.Document) > 0 && string(event.Document) != "null" {
		doc, err := diagram.Parse(event.Document)
		if err != nil {
			return fmt.Errorf("apply %s: %w", event.ID, err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		ws, ok := c.entries[event.ID]
		if !ok {
			return nil
		}
		ws.Document = doc
		if event.Name != nil {
			ws.Name = *event.Name
		}
		if !event.UpdatedAt.IsZero() {
			ws.UpdatedAt = event.UpdatedAt.UTC()
		}
		c.entries[event.ID] = ws
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.entries[event.ID]
	if !ok {
		return nil
	}
	if event.Name != nil {
		ws.Name = *event.Name
	}
	if !event.UpdatedAt.IsZero() {
		ws.UpdatedAt = event.UpdatedAt.UTC()
	}
	c.entries[event.ID] = ws
	return nil
}

// mutate runs one read-modify-persist-whole cycle. When fn fails nothing is
// written. When the server rejects the document the entry is evicted so the
// next read sees the server's copy.
func (c *Cache) mutate(ctx context.Context, id string, fn func(doc *diagram.Document) error) error {
	ws, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(&ws.Document); err != nil {
		return err
	}
	ws.Document.Normalize()
	stamp := c.now().UTC()
	ws.UpdatedAt = stamp
	c.store(ws)

	data, err := json.Marshal(ws.Document)
	if err != nil {
		c.Evict(id)
		return fmt.Errorf("encode document: %w", err)
	}
	updatedAt, err := c.remote.UpdateWorkspace(ctx, id, syncclient.WorkspaceUpdate{Document: data})
	if err != nil {
		c.Evict(id)
		c.logger.Warn().Err(err).Str("workspace_id", id).Msg("persist failed, entry evicted")
		return fmt.Errorf("persist %s: %w", id, err)
	}

	c.mu.Lock()
	if entry, ok := c.entries[id]; ok && entry.UpdatedAt.Equal(stamp) {
		entry.UpdatedAt = updatedAt.UTC()
		c.entries[id] = entry
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) lookup(id string) (Workspace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.entries[id]
	if !ok {
		return Workspace{}, false
	}
	return ws.clone(), true
}

func (c *Cache) store(ws Workspace) {
	c.mu.Lock()
	c.entries[ws.ID] = ws.clone()
	c.mu.Unlock()
}

func normalize(remote syncclient.Workspace) (Workspace, error) {
	doc, err := diagram.Parse(remote.Document)
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{
		ID:        remote.ID,
		Name:      remote.Name,
		Role:      remote.Role,
		UpdatedAt: remote.UpdatedAt.UTC(),
		Document:  doc,
	}, nil
}
