package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local development and tests. It
// honours the same contracts as PostgresStore.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	users       map[string]User
	emailIndex  map[string]string
	sessions    map[string]Session
	revoked     map[string]bool
	workspaces  map[string]Workspace
	memberships map[string]map[string]Member // workspace id -> user id -> member
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock lets tests control the store's clock.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:         now,
		users:       make(map[string]User),
		emailIndex:  make(map[string]string),
		sessions:    make(map[string]Session),
		revoked:     make(map[string]bool),
		workspaces:  make(map[string]Workspace),
		memberships: make(map[string]map[string]Member),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("insert user: %w: users_pkey", ErrConflict)
	}
	if _, ok := s.emailIndex[user.Email]; ok {
		return fmt.Errorf("insert user: %w: users_email_key", ErrConflict)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.users[user.ID] = user
	s.emailIndex[user.Email] = user.ID
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emailIndex[email]
	if !ok {
		return User{}, fmt.Errorf("lookup user by email: %w", ErrNotFound)
	}
	return s.users[id], nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("lookup user: %w", ErrNotFound)
	}
	return user, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("insert session: %w", ErrConflict)
	}
	if _, ok := s.users[session.UserID]; !ok {
		return fmt.Errorf("insert session: %w: unknown user", ErrNotFound)
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) LookupSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok || s.revoked[id] || !s.now().Before(session.ExpiresAt) {
		return Session{}, fmt.Errorf("lookup session: %w", ErrNotFound)
	}
	session.Email = s.users[session.UserID].Email
	return session, nil
}

func (s *MemoryStore) RevokeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		s.revoked[id] = true
	}
	return nil
}

func (s *MemoryStore) ListWorkspaces(_ context.Context, principal string) ([]WorkspaceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.summariesLocked(principal, func(Workspace) bool { return true }), nil
}

func (s *MemoryStore) CreateWorkspace(_ context.Context, ws Workspace) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[ws.ID]; ok {
		return Workspace{}, fmt.Errorf("insert workspace: %w: workspaces_pkey", ErrConflict)
	}
	if _, ok := s.users[ws.OwnerID]; !ok {
		return Workspace{}, fmt.Errorf("insert workspace: %w: unknown owner", ErrNotFound)
	}

	now := s.now()
	ws.Document = bytes.Clone(ws.Document)
	ws.CreatedAt = now
	ws.UpdatedAt = now
	ws.Role = ""
	s.workspaces[ws.ID] = ws
	s.memberships[ws.ID] = map[string]Member{
		ws.OwnerID: {WorkspaceID: ws.ID, UserID: ws.OwnerID, Role: "owner", CreatedAt: now},
	}

	ws.Role = "owner"
	return ws, nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id, principal string) (Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, member, ok := s.visibleLocked(id, principal)
	if !ok {
		return Workspace{}, fmt.Errorf("get workspace: %w", ErrNotFound)
	}
	ws.Document = bytes.Clone(ws.Document)
	ws.Role = member.Role
	return ws, nil
}

func (s *MemoryStore) UpdateWorkspace(_ context.Context, id, principal string, patch WorkspacePatch) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, member, ok := s.visibleLocked(id, principal)
	if !ok {
		return Workspace{}, fmt.Errorf("update workspace: %w", ErrNotFound)
	}
	if patch.Name != nil {
		ws.Name = *patch.Name
	}
	if patch.Document != nil {
		ws.Document = bytes.Clone(patch.Document)
	}
	if now := s.now(); now.After(ws.UpdatedAt) {
		ws.UpdatedAt = now
	}
	s.workspaces[id] = ws

	ws.Document = bytes.Clone(ws.Document)
	ws.Role = member.Role
	return ws, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, workspaceID string) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]Member, 0, len(s.memberships[workspaceID]))
	for _, member := range s.memberships[workspaceID] {
		member.Email = s.users[member.UserID].Email
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].CreatedAt.Before(members[j].CreatedAt)
		}
		return members[i].Email < members[j].Email
	})
	return members, nil
}

func (s *MemoryStore) AddMember(_ context.Context, member Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.memberships[member.WorkspaceID]
	if !ok {
		return fmt.Errorf("insert membership: %w: unknown workspace", ErrNotFound)
	}
	if _, ok := s.users[member.UserID]; !ok {
		return fmt.Errorf("insert membership: %w: unknown user", ErrNotFound)
	}
	if _, ok := room[member.UserID]; ok {
		return fmt.Errorf("insert membership: %w: workspace_memberships_pkey", ErrConflict)
	}
	if member.CreatedAt.IsZero() {
		member.CreatedAt = s.now()
	}
	member.Email = ""
	room[member.UserID] = member
	return nil
}

func (s *MemoryStore) SearchWorkspaces(_ context.Context, principal, query string, limit int) ([]WorkspaceSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.summariesLocked(principal, func(ws Workspace) bool {
		return strings.Contains(strings.ToLower(ws.Name), needle)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) visibleLocked(id, principal string) (Workspace, Member, bool) {
	ws, ok := s.workspaces[id]
	if !ok {
		return Workspace{}, Member{}, false
	}
	member, ok := s.memberships[id][principal]
	if !ok {
		return Workspace{}, Member{}, false
	}
	return ws, member, true
}

func (s *MemoryStore) summariesLocked(principal string, keep func(Workspace) bool) []WorkspaceSummary {
	items := []WorkspaceSummary{}
	for id, room := range s.memberships {
		if _, ok := room[principal]; !ok {
			continue
		}
		ws := s.workspaces[id]
		if !keep(ws) {
			continue
		}
		items = append(items, WorkspaceSummary{ID: ws.ID, Name: ws.Name, UpdatedAt: ws.UpdatedAt})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}
