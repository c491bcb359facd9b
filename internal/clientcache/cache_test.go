package clientcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"diagramsync/api/internal/diagram"
	"diagramsync/api/internal/syncclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu         sync.Mutex
	workspaces map[string]syncclient.Workspace
	gets       int
	updates    int
	updateErr  error
	now        time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		workspaces: make(map[string]syncclient.Workspace),
		now:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRemote) seed(id, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaces[id] = syncclient.Workspace{ID: id, Name: id, Role: "owner", Document: json.RawMessage(doc), UpdatedAt: f.now}
}

func (f *fakeRemote) GetWorkspace(_ context.Context, id string) (syncclient.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	ws, ok := f.workspaces[id]
	if !ok {
		return syncclient.Workspace{}, &syncclient.APIError{Status: http.StatusNotFound, Message: "Workspace not found"}
	}
	return ws, nil
}

func (f *fakeRemote) CreateWorkspace(_ context.Context, id, name string, document json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[id]; ok {
		return &syncclient.APIError{Status: http.StatusConflict, Message: "Workspace already exists"}
	}
	f.workspaces[id] = syncclient.Workspace{ID: id, Name: name, Role: "owner", Document: document, UpdatedAt: f.now}
	return nil
}

func (f *fakeRemote) UpdateWorkspace(_ context.Context, id string, update syncclient.WorkspaceUpdate) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return time.Time{}, f.updateErr
	}
	ws := f.workspaces[id]
	if update.Name != nil {
		ws.Name = *update.Name
	}
	if update.Document != nil {
		ws.Document = update.Document
	}
	f.now = f.now.Add(time.Second)
	ws.UpdatedAt = f.now
	f.workspaces[id] = ws
	return f.now, nil
}

func (f *fakeRemote) stored(t *testing.T, id string) diagram.Document {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := diagram.Parse(f.workspaces[id].Document)
	require.NoError(t, err)
	return doc
}

func (f *fakeRemote) counts() (gets, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.updates
}

func tableIDs(tables []diagram.Table) []string {
	ids := make([]string, 0, len(tables))
	for _, t := range tables {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestGetReadsThrough(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{"tables":[{"id":"t1","name":"users"}]}`)
	cache := New(remote)
	ctx := context.Background()

	ws, err := cache.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "owner", ws.Role)
	assert.Equal(t, []string{"t1"}, tableIDs(ws.Document.Tables))
	assert.NotNil(t, ws.Document.Areas)

	ws.Document.Tables[0].Name = "changed"
	again, err := cache.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "users", again.Document.Tables[0].Name)

	gets, _ := remote.counts()
	assert.Equal(t, 1, gets)
}

func TestGetMissResolvesToNotFound(t *testing.T) {
	cache := New(newFakeRemote())
	_, err := cache.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, syncclient.IsStatus(err, http.StatusNotFound))
	assert.Zero(t, cache.Len())
}

func TestMutationPersistsWholeDocument(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{"tables":[],"notes":[{"id":"n1"}]}`)
	cache := New(remote, WithClock(func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }))
	ctx := context.Background()

	require.NoError(t, cache.Tables().Add(ctx, "w1", diagram.Table{ID: "t1", Name: "users"}))
	require.NoError(t, cache.Areas().Add(ctx, "w1", diagram.Area{ID: "a1", Name: "billing"}))

	stored := remote.stored(t, "w1")
	assert.Equal(t, []string{"t1"}, tableIDs(stored.Tables))
	require.Len(t, stored.Areas, 1)
	assert.JSONEq(t, `[{"id":"n1"}]`, string(stored.Extra["notes"]))

	ws, ok := cache.Cached("w1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC), ws.UpdatedAt)
}

func (f *fakeRemote) storedTables(t *testing.T, id string) []map[string]json.RawMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var doc struct {
		Tables []map[string]json.RawMessage `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(f.workspaces[id].Document, &doc))
	return doc.Tables
}

func TestMutationKeepsUnknownKeysOfOtherEntities(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{"tables":[{
		"id":"t0","name":"orders","x":0,"y":0,
		"fields":[{"id":"f0","name":"id","type":"INT","size":"11"}],
		"indexes":[{"id":"i1","fields":["id"]}],
		"isView":true,
		"createdAt":"2024-05-01T12:00:00Z"
	}]}`)
	cache := New(remote)
	ctx := context.Background()

	require.NoError(t, cache.Tables().Add(ctx, "w1", diagram.Table{ID: "t1", Name: "users"}))

	tables := remote.storedTables(t, "w1")
	require.Len(t, tables, 2)
	assert.JSONEq(t, `[{"id":"i1","fields":["id"]}]`, string(tables[0]["indexes"]))
	assert.JSONEq(t, `true`, string(tables[0]["isView"]))
	assert.JSONEq(t, `"2024-05-01T12:00:00Z"`, string(tables[0]["createdAt"]))
	assert.JSONEq(t, `[{"id":"f0","name":"id","type":"INT","size":"11"}]`, string(tables[0]["fields"]))
	assert.JSONEq(t, `[]`, string(tables[1]["fields"]))
}

func TestLooselyTypedFieldValuesAreAccepted(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{"tables":[{"id":"t0","name":"orders","fields":[{"id":"f0","name":"qty","type":"INT","default":5}]}]}`)
	cache := New(remote)
	ctx := context.Background()

	ws, err := cache.Get(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, ws.Document.Tables[0].Fields, 1)
	assert.JSONEq(t, `5`, string(ws.Document.Tables[0].Fields[0].Default))

	require.NoError(t, cache.Tables().Add(ctx, "w1", diagram.Table{ID: "t1", Name: "users"}))
	tables := remote.storedTables(t, "w1")
	require.Len(t, tables, 2)
	assert.JSONEq(t, `[{"id":"f0","name":"qty","type":"INT","default":5}]`, string(tables[0]["fields"]))
}

func TestCollectionOperations(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{}`)
	cache := New(remote)
	ctx := context.Background()
	tables := cache.Tables()

	require.NoError(t, tables.Add(ctx, "w1", diagram.Table{ID: "t1", Name: "users"}))
	require.NoError(t, tables.Add(ctx, "w1", diagram.Table{ID: "t2", Name: "orders"}))
	require.NoError(t, tables.Update(ctx, "w1", diagram.Table{ID: "t1", Name: "accounts"}))

	got, err := tables.Get(ctx, "w1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "accounts", got.Name)

	require.NoError(t, tables.Delete(ctx, "w1", "t2"))
	list, err := tables.List(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tableIDs(list))

	require.NoError(t, cache.Relationships().Add(ctx, "w1", diagram.Relationship{ID: "r1", StartTableID: "t1", EndTableID: "t1"}))
	require.NoError(t, cache.Dependencies().Add(ctx, "w1", diagram.Dependency{ID: "d1"}))
	require.NoError(t, cache.Types().Add(ctx, "w1", diagram.CustomType{ID: "c1", Name: "money"}))
	stored := remote.stored(t, "w1")
	assert.Len(t, stored.Relationships, 1)
	assert.Len(t, stored.Dependencies, 1)
	assert.Len(t, stored.Types, 1)
}

func TestMissingEntitiesAreErrors(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{"tables":[{"id":"t1"}]}`)
	cache := New(remote)
	ctx := context.Background()
	tables := cache.Tables()

	assert.ErrorIs(t, tables.Update(ctx, "w1", diagram.Table{ID: "ghost"}), ErrEntityNotFound)
	assert.ErrorIs(t, tables.Delete(ctx, "w1", "ghost"), ErrEntityNotFound)
	assert.ErrorIs(t, tables.Add(ctx, "w1", diagram.Table{ID: "t1"}), ErrEntityExists)
	_, err := tables.Get(ctx, "w1", "ghost")
	assert.ErrorIs(t, err, ErrEntityNotFound)
	assert.Error(t, tables.Add(ctx, "w1", diagram.Table{}))

	_, updates := remote.counts()
	assert.Zero(t, updates)
}

func TestPersistFailureIsReturnedAndEvicts(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{}`)
	remote.updateErr = &syncclient.APIError{Status: http.StatusForbidden, Message: "Forbidden"}
	cache := New(remote)
	ctx := context.Background()

	err := cache.Tables().Add(ctx, "w1", diagram.Table{ID: "t1"})
	require.Error(t, err)
	assert.True(t, syncclient.IsStatus(err, http.StatusForbidden))
	_, ok := cache.Cached("w1")
	assert.False(t, ok)

	remote.mu.Lock()
	remote.updateErr = nil
	remote.mu.Unlock()
	list, err := cache.Tables().List(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApplyBroadcast(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{"tables":[{"id":"t1"}]}`)
	cache := New(remote)
	ctx := context.Background()
	_, err := cache.Get(ctx, "w1")
	require.NoError(t, err)
	later := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("name only keeps collections", func(t *testing.T) {
		name := "Renamed"
		require.NoError(t, cache.ApplyBroadcast(syncclient.Event{Type: syncclient.EventPersisted, ID: "w1", Name: &name, UpdatedAt: later}))
		ws, _ := cache.Cached("w1")
		assert.Equal(t, "Renamed", ws.Name)
		assert.Equal(t, later, ws.UpdatedAt)
		assert.Equal(t, []string{"t1"}, tableIDs(ws.Document.Tables))
	})

	t.Run("document replaces entry", func(t *testing.T) {
		require.NoError(t, cache.ApplyBroadcast(syncclient.Event{
			Type:      syncclient.EventPersisted,
			ID:        "w1",
			Document:  json.RawMessage(`{"tables":[{"id":"t9"}]}`),
			UpdatedAt: later.Add(time.Second),
		}))
		ws, _ := cache.Cached("w1")
		assert.Equal(t, []string{"t9"}, tableIDs(ws.Document.Tables))
		assert.Equal(t, "Renamed", ws.Name)
		assert.Equal(t, later.Add(time.Second), ws.UpdatedAt)
	})

	t.Run("unknown id without document is ignored", func(t *testing.T) {
		name := "x"
		require.NoError(t, cache.ApplyBroadcast(syncclient.Event{Type: syncclient.EventPersisted, ID: "other", Name: &name}))
		_, ok := cache.Cached("other")
		assert.False(t, ok)
	})

	t.Run("unknown id with document is ignored", func(t *testing.T) {
		remote.seed("w2", `{"tables":[{"id":"t2"}]}`)
		require.NoError(t, cache.ApplyBroadcast(syncclient.Event{Type: syncclient.EventPersisted, ID: "w2", Document: json.RawMessage(`{"tables":[]}`)}))
		_, ok := cache.Cached("w2")
		assert.False(t, ok)

		ws, err := cache.Get(ctx, "w2")
		require.NoError(t, err)
		assert.Equal(t, "w2", ws.Name)
		assert.Equal(t, "owner", ws.Role)
		assert.Equal(t, []string{"t2"}, tableIDs(ws.Document.Tables))
	})

	t.Run("relay patches never touch the cache", func(t *testing.T) {
		require.NoError(t, cache.ApplyBroadcast(syncclient.Event{Type: syncclient.EventRelay, ID: "w1", Document: json.RawMessage(`{"tables":[]}`)}))
		ws, _ := cache.Cached("w1")
		assert.Equal(t, []string{"t9"}, tableIDs(ws.Document.Tables))
	})

	t.Run("bad document is reported", func(t *testing.T) {
		err := cache.ApplyBroadcast(syncclient.Event{Type: syncclient.EventPersisted, ID: "w1", Document: json.RawMessage(`[1]`)})
		assert.Error(t, err)
	})
}

func TestCreateWorkspaceSeedsCache(t *testing.T) {
	remote := newFakeRemote()
	cache := New(remote)
	ctx := context.Background()

	ws, err := cache.CreateWorkspace(ctx, "w1", "Orders", diagram.Document{Tables: []diagram.Table{{ID: "t1"}}})
	require.NoError(t, err)
	assert.Equal(t, "Orders", ws.Name)
	assert.Equal(t, []string{"t1"}, tableIDs(ws.Document.Tables))

	_, err = cache.CreateWorkspace(ctx, "w1", "Again", diagram.Document{})
	assert.True(t, syncclient.IsStatus(err, http.StatusConflict))

	require.NoError(t, cache.Rename(ctx, "w1", "Orders v2"))
	cached, _ := cache.Cached("w1")
	assert.Equal(t, "Orders v2", cached.Name)

	cache.Evict("w1")
	assert.Zero(t, cache.Len())
}

type fakeChannel struct {
	mu        sync.Mutex
	calls     []string
	listeners map[string]func(syncclient.Event)
	joinErr   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{listeners: make(map[string]func(syncclient.Event))}
}

func (f *fakeChannel) Join(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.calls = append(f.calls, "join "+id)
	return nil
}

func (f *fakeChannel) Leave(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "leave "+id)
	return nil
}

func (f *fakeChannel) Listen(id string, fn func(syncclient.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeChannel) deliver(event syncclient.Event) {
	f.mu.Lock()
	fn := f.listeners[event.ID]
	f.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

func (f *fakeChannel) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestViewerSwitchesRooms(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{}`)
	remote.seed("w2", `{}`)
	channel := newFakeChannel()
	viewer := NewViewer(New(remote), channel)
	ctx := context.Background()

	ws, err := viewer.Enter(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", ws.ID)
	_, err = viewer.Enter(ctx, "w1")
	require.NoError(t, err)
	_, err = viewer.Enter(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "w2", viewer.Current())
	require.NoError(t, viewer.Exit(ctx))
	require.NoError(t, viewer.Exit(ctx))

	assert.Equal(t, []string{"join w1", "leave w1", "join w2", "leave w2"}, channel.history())
	assert.Empty(t, channel.listeners)
	assert.Empty(t, viewer.Current())
}

func TestViewerJoinFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{}`)
	channel := newFakeChannel()
	channel.joinErr = syncclient.ErrRefused
	viewer := NewViewer(New(remote), channel)

	_, err := viewer.Enter(context.Background(), "w1")
	assert.ErrorIs(t, err, syncclient.ErrRefused)
	assert.Empty(t, viewer.Current())
}

func TestViewerRoutesEvents(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("w1", `{"tables":[{"id":"t1"}]}`)
	cache := New(remote)
	channel := newFakeChannel()
	updates := make(chan Workspace, 4)
	relays := make(chan syncclient.Event, 4)
	viewer := NewViewer(cache, channel,
		WithUpdateHook(func(ws Workspace) { updates <- ws }),
		WithRelayHook(func(e syncclient.Event) { relays <- e }),
	)
	ctx := context.Background()
	_, err := viewer.Enter(ctx, "w1")
	require.NoError(t, err)

	channel.deliver(syncclient.Event{Type: syncclient.EventRelay, ID: "w1", Patch: json.RawMessage(`{"cursor":5}`)})
	relay := <-relays
	assert.JSONEq(t, `{"cursor":5}`, string(relay.Patch))

	channel.deliver(syncclient.Event{Type: syncclient.EventPersisted, ID: "w1", Document: json.RawMessage(`{"tables":[{"id":"t2"}]}`)})
	ws := <-updates
	assert.Equal(t, []string{"t2"}, tableIDs(ws.Document.Tables))

	remote.seed("w1", `{"tables":[{"id":"t3"}]}`)
	channel.deliver(syncclient.Event{Type: syncclient.EventReconnected, ID: "w1"})
	select {
	case ws = <-updates:
		assert.Equal(t, []string{"t3"}, tableIDs(ws.Document.Tables))
	case <-time.After(3 * time.Second):
		t.Fatal("no refetch after reconnect")
	}
	gets, _ := remote.counts()
	assert.Equal(t, 2, gets)
}

func TestErrorsWrapSentinels(t *testing.T) {
	err := Collection[diagram.Area]{kind: "area"}.notFound("a1")
	assert.True(t, errors.Is(err, ErrEntityNotFound))
	assert.Equal(t, `area "a1": entity not found`, err.Error())
}
