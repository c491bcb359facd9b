package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"diagramsync/api/internal/archive"
	"diagramsync/api/internal/auth"
	"diagramsync/api/internal/authpw"
	"diagramsync/api/internal/config"
	"diagramsync/api/internal/email"
	"diagramsync/api/internal/rbac"
	"diagramsync/api/internal/realtime"
	"diagramsync/api/internal/search"
	"diagramsync/api/internal/session"
	"diagramsync/api/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is an authenticated principal resolved from a session token.
type Session struct {
	ID        string
	Token     string
	UserID    string
	Email     string
	ExpiresAt time.Time
}

type WorkspaceSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type WorkspaceView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Document  json.RawMessage `json:"document"`
	Role      string          `json:"role"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type CreateWorkspaceInput struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Document json.RawMessage `json:"document"`
}

// UpdateWorkspaceInput holds the optional fields of a workspace update.
type UpdateWorkspaceInput struct {
	Name     *string         `json:"name"`
	Document json.RawMessage `json:"document"`
}

type MemberView struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// DataStore is the persistence surface the service needs. Both
// store.PostgresStore and store.MemoryStore satisfy it.
type DataStore interface {
	authpw.UserStore
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	ListWorkspaces(context.Context, string) ([]store.WorkspaceSummary, error)
	CreateWorkspace(context.Context, store.Workspace) (store.Workspace, error)
	GetWorkspace(context.Context, string, string) (store.Workspace, error)
	UpdateWorkspace(context.Context, string, string, store.WorkspacePatch) (store.Workspace, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	AddMember(context.Context, store.Member) error
	SearchWorkspaces(context.Context, string, string, int) ([]store.WorkspaceSummary, error)
}

// Mailer delivers the notice sent to a user added to a workspace.
type Mailer interface {
	SendShareNotice(to string, data email.ShareData) error
}

// Notifier receives every persisted workspace change.
type Notifier interface {
	NotifyPersisted(ctx context.Context, update realtime.PersistedUpdate) error
}

var (
	_ DataStore = (*store.PostgresStore)(nil)
	_ DataStore = (*store.MemoryStore)(nil)
	_ Notifier  = (*realtime.Hub)(nil)
	_ Mailer    = (*email.Service)(nil)
)

const defaultSearchLimit = 20

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  session.Store
	passwords *authpw.Service
	notifier  Notifier
	search    *search.Service
	archive   *archive.Archive
	mailer    Mailer
	now       func() time.Time
	logger    zerolog.Logger
}

func New(cfg config.Config, data DataStore, sessions session.Store, notifier Notifier, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "app").Logger()
	return &Service{
		cfg:       cfg,
		store:     data,
		sessions:  sessions,
		passwords: authpw.NewService(data),
		notifier:  notifier,
		search:    search.NewService(nil, data, logger),
		now:       time.Now,
		logger:    logger,
	}
}

// WithSearch replaces the store-only search with one backed by an index.
func (s *Service) WithSearch(svc *search.Service) *Service {
	s.search = svc
	return s
}

func (s *Service) WithArchive(a *archive.Archive) *Service {
	s.archive = a
	return s
}

func (s *Service) WithMailer(m Mailer) *Service {
	s.mailer = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithBcryptCost(cost int) *Service {
	s.passwords.WithCost(cost)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password})
	switch {
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrInvalidEmail):
		return Session{}, validationError(err.Error())
	case errors.Is(err, authpw.ErrEmailExists):
		return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case err != nil:
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	switch {
	case errors.Is(err, authpw.ErrMissingFields):
		return Session{}, validationError(err.Error())
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case err != nil:
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	record := store.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.SaveSession(ctx, record); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, record.ID, now, s.cfg.SessionTTL)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info().Str("user_id", user.ID).Str("session_id", record.ID).Msg("session started")
	return Session{
		ID:        record.ID,
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// SessionFromToken accepts a token only while its session record is live.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	record, err := s.sessions.LookupSession(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if record.UserID != claims.Subject {
		return Session{}, auth.ErrInvalidToken
	}
	email := record.Email
	if email == "" {
		email = claims.Email
	}
	return Session{
		ID:        record.ID,
		Token:     token,
		UserID:    record.UserID,
		Email:     email,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// Logout revokes the session behind token. Unusable tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, claims.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]WorkspaceSummary, error) {
	items, err := s.store.ListWorkspaces(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]WorkspaceSummary, 0, len(items))
	for _, item := range items {
		out = append(out, WorkspaceSummary{ID: item.ID, Name: item.Name, UpdatedAt: item.UpdatedAt.UTC()})
	}
	return out, nil
}

func (s *Service) CreateWorkspace(ctx context.Context, session Session, input CreateWorkspaceInput) (WorkspaceView, error) {
	id := strings.TrimSpace(input.ID)
	name := strings.TrimSpace(input.Name)
	if id == "" {
		return WorkspaceView{}, validationError("id is required")
	}
	if strings.Contains(id, "/") {
		return WorkspaceView{}, validationError("id must not contain '/'")
	}
	if name == "" {
		return WorkspaceView{}, validationError("name is required")
	}
	document := input.Document
	if isAbsent(document) {
		document = json.RawMessage(`{}`)
	} else if !json.Valid(document) {
		return WorkspaceView{}, validationError("document must be valid JSON")
	}

	created, err := s.store.CreateWorkspace(ctx, store.Workspace{
		ID:       id,
		Name:     name,
		OwnerID:  session.UserID,
		Document: document,
	})
	if errors.Is(err, store.ErrConflict) {
		return WorkspaceView{}, domainError(http.StatusConflict, "CONFLICT", "Workspace already exists", nil)
	}
	if err != nil {
		return WorkspaceView{}, err
	}

	s.logger.Info().Str("workspace_id", id).Str("user_id", session.UserID).Msg("workspace created")
	s.search.IndexWorkspace(search.WorkspaceRecord{
		WorkspaceID: created.ID,
		Name:        created.Name,
		Members:     []string{session.UserID},
		UpdatedAt:   created.UpdatedAt.UnixMilli(),
	})
	return toView(created), nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, id string) (WorkspaceView, error) {
	ws, err := s.store.GetWorkspace(ctx, id, session.UserID)
	if err != nil {
		return WorkspaceView{}, err
	}
	return toView(ws), nil
}

// UpdateWorkspace persists the provided fields and announces the change to
// every connection joined to the workspace room.
func (s *Service) UpdateWorkspace(ctx context.Context, session Session, id string, input UpdateWorkspaceInput) (time.Time, error) {
	if input.Name != nil {
		trimmed := strings.TrimSpace(*input.Name)
		if trimmed == "" {
			return time.Time{}, validationError("name must not be blank")
		}
		input.Name = &trimmed
	}
	document := input.Document
	if isAbsent(document) {
		document = nil
	} else if !json.Valid(document) {
		return time.Time{}, validationError("document must be valid JSON")
	}

	current, err := s.store.GetWorkspace(ctx, id, session.UserID)
	if err != nil {
		return time.Time{}, err
	}
	if !rbac.Can(rbac.Role(current.Role), rbac.ActionWrite) {
		return time.Time{}, errForbidden
	}

	updated, err := s.store.UpdateWorkspace(ctx, id, session.UserID, store.WorkspacePatch{
		Name:     input.Name,
		Document: document,
	})
	if err != nil {
		return time.Time{}, err
	}

	if s.notifier != nil {
		err := s.notifier.NotifyPersisted(ctx, realtime.PersistedUpdate{
			ID:        id,
			Name:      input.Name,
			Document:  document,
			UpdatedAt: updated.UpdatedAt,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("workspace_id", id).Msg("notify persisted update")
		}
	}
	if document != nil {
		s.archive.Snapshot(id, updated.UpdatedAt, document)
	}
	if input.Name != nil {
		s.reindex(ctx, updated)
	}
	return updated.UpdatedAt.UTC(), nil
}

func (s *Service) ListMembers(ctx context.Context, session Session, id string) ([]MemberView, error) {
	if _, err := s.store.GetWorkspace(ctx, id, session.UserID); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]MemberView, 0, len(members))
	for _, m := range members {
		out = append(out, MemberView{UserID: m.UserID, Email: m.Email, Role: m.Role})
	}
	return out, nil
}

// AddMember grants the user registered under email a role on the workspace.
// Only owners may do this.
func (s *Service) AddMember(ctx context.Context, session Session, id, memberEmail, role string) (MemberView, error) {
	current, err := s.store.GetWorkspace(ctx, id, session.UserID)
	if err != nil {
		return MemberView{}, err
	}
	if !rbac.Can(rbac.Role(current.Role), rbac.ActionManage) {
		return MemberView{}, errForbidden
	}
	grant, ok := rbac.Parse(strings.ToLower(strings.TrimSpace(role)))
	if !ok {
		return MemberView{}, validationError("role must be editor or viewer")
	}
	memberEmail = authpw.NormalizeEmail(memberEmail)
	if memberEmail == "" {
		return MemberView{}, validationError("email is required")
	}

	user, err := s.store.GetUserByEmail(ctx, memberEmail)
	if errors.Is(err, store.ErrNotFound) {
		return MemberView{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}
	if err != nil {
		return MemberView{}, err
	}

	err = s.store.AddMember(ctx, store.Member{
		WorkspaceID: id,
		UserID:      user.ID,
		Role:        string(grant),
		CreatedAt:   s.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return MemberView{}, domainError(http.StatusConflict, "CONFLICT", "User is already a member", nil)
	}
	if err != nil {
		return MemberView{}, err
	}

	s.reindex(ctx, current)
	s.notifyShare(session, current, user, grant)
	return MemberView{UserID: user.ID, Email: user.Email, Role: string(grant)}, nil
}

func (s *Service) notifyShare(session Session, ws store.Workspace, user store.User, role rbac.Role) {
	if s.mailer == nil {
		return
	}
	data := email.ShareData{
		InviterEmail:  session.Email,
		WorkspaceID:   ws.ID,
		WorkspaceName: ws.Name,
		Role:          string(role),
	}
	go func() {
		if err := s.mailer.SendShareNotice(user.Email, data); err != nil {
			s.logger.Warn().Err(err).Str("workspace_id", ws.ID).Str("user_id", user.ID).Msg("share notice")
		}
	}()
}

func (s *Service) Search(ctx context.Context, session Session, text string) search.Response {
	return s.search.Search(ctx, search.Query{
		Text:      strings.TrimSpace(text),
		Principal: session.UserID,
		Limit:     defaultSearchLimit,
	})
}

// AuthorizeJoin reports store.ErrNotFound unless principal is a member.
func (s *Service) AuthorizeJoin(ctx context.Context, principal, workspaceID string) error {
	_, err := s.store.GetWorkspace(ctx, workspaceID, principal)
	return err
}

func (s *Service) reindex(ctx context.Context, ws store.Workspace) {
	members, err := s.store.ListMembers(ctx, ws.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("workspace_id", ws.ID).Msg("list members for index")
		return
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	s.search.IndexWorkspace(search.WorkspaceRecord{
		WorkspaceID: ws.ID,
		Name:        ws.Name,
		Members:     ids,
		UpdatedAt:   ws.UpdatedAt.UnixMilli(),
	})
}

func toView(ws store.Workspace) WorkspaceView {
	document := ws.Document
	if len(document) == 0 {
		document = json.RawMessage(`{}`)
	}
	return WorkspaceView{
		ID:        ws.ID,
		Name:      ws.Name,
		Document:  document,
		Role:      ws.Role,
		UpdatedAt: ws.UpdatedAt.UTC(),
	}
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
