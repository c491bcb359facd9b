package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"diagramsync/api/internal/archive"
	"diagramsync/api/internal/auth"
	"diagramsync/api/internal/config"
	"diagramsync/api/internal/email"
	"diagramsync/api/internal/realtime"
	"diagramsync/api/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingNotifier struct {
	mu      sync.Mutex
	updates []realtime.PersistedUpdate
	err     error
}

func (n *recordingNotifier) NotifyPersisted(_ context.Context, update realtime.PersistedUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, update)
	return n.err
}

type channelPutter struct {
	keys chan string
}

func (p *channelPutter) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	_, _ = io.Copy(io.Discard, body)
	p.keys <- key
	return nil
}

type shareNotice struct {
	to   string
	data email.ShareData
}

type channelMailer struct {
	sent chan shareNotice
}

func (m *channelMailer) SendShareNotice(to string, data email.ShareData) error {
	m.sent <- shareNotice{to: to, data: data}
	return nil
}

func newTestService(t *testing.T, notifier Notifier) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	cfg := config.Config{JWTSecret: "test-secret", SessionTTL: time.Hour}
	svc := New(cfg, mem, mem, notifier, zerolog.Nop()).WithBcryptCost(bcrypt.MinCost)
	return svc, mem
}

func TestUpdateNotifiesOnlyProvidedFields(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, notifier)
	ctx := context.Background()

	owner, err := svc.SignUp(ctx, "a@x", "pw")
	require.NoError(t, err)
	_, err = svc.CreateWorkspace(ctx, owner, CreateWorkspaceInput{ID: "w1", Name: "Orders"})
	require.NoError(t, err)

	name := "  Renamed "
	updatedAt, err := svc.UpdateWorkspace(ctx, owner, "w1", UpdateWorkspaceInput{Name: &name})
	require.NoError(t, err)

	require.Len(t, notifier.updates, 1)
	got := notifier.updates[0]
	assert.Equal(t, "w1", got.ID)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Renamed", *got.Name)
	assert.Nil(t, got.Document)
	assert.True(t, updatedAt.Equal(got.UpdatedAt))
}

func TestUpdateSurvivesNotifierFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("bus down")}
	svc, _ := newTestService(t, notifier)
	ctx := context.Background()

	owner, err := svc.SignUp(ctx, "a@x", "pw")
	require.NoError(t, err)
	_, err = svc.CreateWorkspace(ctx, owner, CreateWorkspaceInput{ID: "w1", Name: "Orders"})
	require.NoError(t, err)

	_, err = svc.UpdateWorkspace(ctx, owner, "w1", UpdateWorkspaceInput{Document: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)

	ws, err := svc.GetWorkspace(ctx, owner, "w1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(ws.Document))
}

func TestUpdateArchivesDocuments(t *testing.T) {
	putter := &channelPutter{keys: make(chan string, 4)}
	svc, _ := newTestService(t, &recordingNotifier{})
	svc.WithArchive(archive.New(putter, zerolog.Nop()))
	ctx := context.Background()

	owner, err := svc.SignUp(ctx, "a@x", "pw")
	require.NoError(t, err)
	_, err = svc.CreateWorkspace(ctx, owner, CreateWorkspaceInput{ID: "w1", Name: "Orders"})
	require.NoError(t, err)

	name := "Only a rename"
	_, err = svc.UpdateWorkspace(ctx, owner, "w1", UpdateWorkspaceInput{Name: &name})
	require.NoError(t, err)
	updatedAt, err := svc.UpdateWorkspace(ctx, owner, "w1", UpdateWorkspaceInput{Document: json.RawMessage(`{}`)})
	require.NoError(t, err)

	select {
	case key := <-putter.keys:
		assert.Equal(t, archive.SnapshotKey("w1", updatedAt), key)
	case <-time.After(2 * time.Second):
		t.Fatal("document was not archived")
	}
	assert.Empty(t, putter.keys)
}

func TestSessionFromTokenRejectsForeignSecret(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	session, err := svc.SignUp(ctx, "a@x", "pw")
	require.NoError(t, err)
	got, err := svc.SessionFromToken(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.UserID, got.UserID)
	assert.Equal(t, "a@x", got.Email)

	forged, err := auth.IssueToken([]byte("other-secret"), session.UserID, "a@x", session.ID, time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = svc.SessionFromToken(ctx, forged)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	unknown, err := auth.IssueToken([]byte("test-secret"), session.UserID, "a@x", "never-issued", time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = svc.SessionFromToken(ctx, unknown)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", validationError("bad"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not found", store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"wrapped conflict", errors.Join(errors.New("insert"), store.ErrConflict), http.StatusConflict, "CONFLICT"},
		{"expired", auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestAddMemberSendsShareNotice(t *testing.T) {
	mailer := &channelMailer{sent: make(chan shareNotice, 2)}
	svc, _ := newTestService(t, &recordingNotifier{})
	svc.WithMailer(mailer)
	ctx := context.Background()

	owner, err := svc.SignUp(ctx, "a@x", "pw")
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, "b@x", "pw")
	require.NoError(t, err)
	_, err = svc.CreateWorkspace(ctx, owner, CreateWorkspaceInput{ID: "w1", Name: "Orders"})
	require.NoError(t, err)

	_, err = svc.AddMember(ctx, owner, "w1", " B@X ", "viewer")
	require.NoError(t, err)

	select {
	case notice := <-mailer.sent:
		assert.Equal(t, "b@x", notice.to)
		assert.Equal(t, email.ShareData{InviterEmail: "a@x", WorkspaceID: "w1", WorkspaceName: "Orders", Role: "viewer"}, notice.data)
	case <-time.After(2 * time.Second):
		t.Fatal("share notice was not sent")
	}

	_, err = svc.AddMember(ctx, owner, "w1", "b@x", "editor")
	require.Error(t, err)
	assert.Empty(t, mailer.sent)
}
