package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"diagramsync/api/internal/apptest"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(t *testing.T, srv *apptest.Server, email string) *Client {
	t.Helper()
	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.Signup(context.Background(), email, "pw")
	require.NoError(t, err)
	return c
}

func dialRealtime(t *testing.T, c *Client, opts ...RealtimeOption) *Realtime {
	t.Helper()
	rt, err := c.Realtime(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func collect(rt *Realtime, id string) (<-chan Event, func()) {
	events := make(chan Event, 16)
	stop := rt.Listen(id, func(e Event) { events <- e })
	return events, stop
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	c, err := New(srv.URL)
	require.NoError(t, err)

	user, err := c.Session(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)

	created, err := c.Signup(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", created.Email)

	user, err = c.Session(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, created, *user)

	_, err = c.Login(ctx, "a@x.com", "wrong")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid email or password", apiErr.Message)

	user, err = c.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, *user)

	require.NoError(t, c.Logout(ctx))
	user, err = c.Session(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)

	_, err = c.ListWorkspaces(ctx)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestWorkspaceCalls(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	alice := newUser(t, srv, "a@x")
	bob := newUser(t, srv, "b@x")

	require.NoError(t, alice.CreateWorkspace(ctx, "team/orders", "Orders", json.RawMessage(`{"tables":[]}`)))
	err := alice.CreateWorkspace(ctx, "team/orders", "Again", nil)
	assert.True(t, IsStatus(err, http.StatusConflict))

	ws, err := alice.GetWorkspace(ctx, "team/orders")
	require.NoError(t, err)
	assert.Equal(t, "Orders", ws.Name)
	assert.Equal(t, "owner", ws.Role)
	assert.JSONEq(t, `{"tables":[]}`, string(ws.Document))

	_, err = bob.GetWorkspace(ctx, "team/orders")
	assert.True(t, IsStatus(err, http.StatusNotFound))

	name := "Orders v2"
	updatedAt, err := alice.UpdateWorkspace(ctx, "team/orders", WorkspaceUpdate{Name: &name})
	require.NoError(t, err)
	assert.False(t, updatedAt.Before(ws.UpdatedAt))

	items, err := alice.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Orders v2", items[0].Name)
	assert.True(t, items[0].UpdatedAt.Equal(updatedAt))

	member, err := alice.AddMember(ctx, "team/orders", "b@x", "editor")
	require.NoError(t, err)
	assert.Equal(t, "editor", member.Role)
	members, err := bob.ListMembers(ctx, "team/orders")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	results, err := bob.Search(ctx, "v2")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "team/orders", results[0].ID)
}

func TestRealtimeJoinPersistAndRelay(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	alice := newUser(t, srv, "a@x")
	bob := newUser(t, srv, "b@x")
	require.NoError(t, alice.CreateWorkspace(ctx, "w1", "Orders", nil))
	_, err := alice.AddMember(ctx, "w1", "b@x", "editor")
	require.NoError(t, err)

	aliceRT := dialRealtime(t, alice)
	bobRT := dialRealtime(t, bob)
	require.NoError(t, aliceRT.Join(ctx, "w1"))
	require.NoError(t, bobRT.Join(ctx, "w1"))
	aliceEvents, _ := collect(aliceRT, "w1")
	bobEvents, _ := collect(bobRT, "w1")

	require.NoError(t, aliceRT.Relay(ctx, "w1", json.RawMessage(`{"cursor":5}`)))
	relayed := next(t, bobEvents)
	assert.Equal(t, EventRelay, relayed.Type)
	assert.JSONEq(t, `{"cursor":5}`, string(relayed.Patch))
	stored, err := bob.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(stored.Document))

	updatedAt, err := alice.UpdateWorkspace(ctx, "w1", WorkspaceUpdate{Document: json.RawMessage(`{"tables":[{"id":"t1"}]}`)})
	require.NoError(t, err)
	for _, events := range []<-chan Event{aliceEvents, bobEvents} {
		e := next(t, events)
		assert.Equal(t, EventPersisted, e.Type)
		assert.True(t, e.UpdatedAt.Equal(updatedAt))
		assert.JSONEq(t, `{"tables":[{"id":"t1"}]}`, string(e.Document))
	}

	// The relay never reaches its sender.
	select {
	case e := <-aliceEvents:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestRealtimeJoinRefused(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	alice := newUser(t, srv, "a@x")
	bob := newUser(t, srv, "b@x")
	require.NoError(t, alice.CreateWorkspace(ctx, "w1", "Private", nil))

	rt := dialRealtime(t, bob)
	err := rt.Join(ctx, "w1")
	require.ErrorIs(t, err, ErrRefused)
	assert.Contains(t, err.Error(), "workspace not found")
}

func TestRealtimeRequiresSession(t *testing.T) {
	srv := apptest.New(t)
	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.Realtime(context.Background())
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestListenStop(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	alice := newUser(t, srv, "a@x")
	require.NoError(t, alice.CreateWorkspace(ctx, "w1", "Orders", nil))

	rt := dialRealtime(t, alice)
	require.NoError(t, rt.Join(ctx, "w1"))
	events, stop := collect(rt, "w1")
	stop()
	stop()

	_, err := alice.UpdateWorkspace(ctx, "w1", WorkspaceUpdate{Document: json.RawMessage(`{}`)})
	require.NoError(t, err)
	// A second round trip guarantees the first event was already dispatched.
	require.NoError(t, rt.Leave(ctx, "w1"))
	assert.Empty(t, events)
}

func TestRealtimeWithoutReconnectEndsOnDrop(t *testing.T) {
	srv := apptest.New(t)
	alice := newUser(t, srv, "a@x")
	rt := dialRealtime(t, alice)

	srv.DropWebsockets()
	select {
	case <-rt.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not end")
	}
	assert.ErrorIs(t, rt.Err(), ErrClosed)
	assert.ErrorIs(t, rt.Join(context.Background(), "w1"), ErrClosed)
}

func TestRealtimeReconnectRejoinsRooms(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	alice := newUser(t, srv, "a@x")
	require.NoError(t, alice.CreateWorkspace(ctx, "w1", "Orders", nil))

	rt := dialRealtime(t, alice, WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)))
	require.NoError(t, rt.Join(ctx, "w1"))
	events, _ := collect(rt, "w1")

	srv.DropWebsockets()
	assert.Equal(t, EventReconnected, next(t, events).Type)
	require.Eventually(t, func() bool { return srv.Hub.RoomSize("w1") == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err := alice.UpdateWorkspace(ctx, "w1", WorkspaceUpdate{Document: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	e := next(t, events)
	assert.Equal(t, EventPersisted, e.Type)
	assert.JSONEq(t, `{"v":2}`, string(e.Document))
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := apptest.New(t)
	rt := dialRealtime(t, newUser(t, srv, "a@x"))
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	<-rt.Done()
	assert.ErrorIs(t, rt.Relay(context.Background(), "w1", json.RawMessage(`{}`)), ErrClosed)
}
