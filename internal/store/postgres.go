package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))
	`, user.ID, user.Email, user.PasswordHash, nullTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", mapPostgresError(err))
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", mapPostgresError(err))
	}
	return user, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, session.ID, session.UserID, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) LookupSession(ctx context.Context, id string) (Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, u.email, s.created_at, s.expires_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1 AND s.revoked_at IS NULL AND s.expires_at > NOW()
	`, id).Scan(&session.ID, &session.UserID, &session.Email, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", mapPostgresError(err))
	}
	return session, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL
	`, id); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context, principal string) ([]WorkspaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.updated_at
		FROM workspaces w
		JOIN workspace_memberships m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.updated_at DESC, w.id ASC
	`, principal)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// CreateWorkspace inserts the workspace row and its owner membership in one transaction.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws Workspace) (Workspace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Workspace{}, fmt.Errorf("begin create workspace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, name, owner_id, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, clock_timestamp(), clock_timestamp())
		RETURNING created_at, updated_at
	`, ws.ID, ws.Name, ws.OwnerID, string(ws.Document)).Scan(&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return Workspace{}, fmt.Errorf("insert workspace: %w", mapPostgresError(err))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role, created_at)
		VALUES ($1, $2, 'owner', $3)
	`, ws.ID, ws.OwnerID, ws.CreatedAt); err != nil {
		return Workspace{}, fmt.Errorf("insert owner membership: %w", mapPostgresError(err))
	}

	if err := tx.Commit(); err != nil {
		return Workspace{}, fmt.Errorf("commit create workspace: %w", err)
	}

	log.Debug().Str("workspace_id", ws.ID).Str("owner_id", ws.OwnerID).Msg("created workspace")
	ws.Role = "owner"
	return ws, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id, principal string) (Workspace, error) {
	var (
		ws  Workspace
		doc string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT w.id, w.name, w.owner_id, w.document, w.created_at, w.updated_at, m.role
		FROM workspaces w
		JOIN workspace_memberships m ON m.workspace_id = w.id AND m.user_id = $2
		WHERE w.id = $1
	`, id, principal).Scan(&ws.ID, &ws.Name, &ws.OwnerID, &doc, &ws.CreatedAt, &ws.UpdatedAt, &ws.Role)
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace: %w", mapPostgresError(err))
	}
	ws.Document = json.RawMessage(doc)
	return ws, nil
}

// UpdateWorkspace applies the patch for a member of the workspace. updated_at
// never moves backwards even if the database clock does.
func (s *PostgresStore) UpdateWorkspace(ctx context.Context, id, principal string, patch WorkspacePatch) (Workspace, error) {
	var name, document any
	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.Document != nil {
		document = string(patch.Document)
	}

	var (
		ws  Workspace
		doc string
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE workspaces w SET
			name = COALESCE($3, w.name),
			document = COALESCE($4, w.document),
			updated_at = GREATEST(clock_timestamp(), w.updated_at)
		FROM workspace_memberships m
		WHERE w.id = $1 AND m.workspace_id = w.id AND m.user_id = $2
		RETURNING w.id, w.name, w.owner_id, w.document, w.created_at, w.updated_at, m.role
	`, id, principal, name, document).Scan(&ws.ID, &ws.Name, &ws.OwnerID, &doc, &ws.CreatedAt, &ws.UpdatedAt, &ws.Role)
	if err != nil {
		return Workspace{}, fmt.Errorf("update workspace: %w", mapPostgresError(err))
	}
	ws.Document = json.RawMessage(doc)
	return ws, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.workspace_id, m.user_id, u.email, m.role, m.created_at
		FROM workspace_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id = $1
		ORDER BY m.created_at ASC, u.email ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.WorkspaceID, &member.UserID, &member.Email, &member.Role, &member.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, member Member) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role, created_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))
	`, member.WorkspaceID, member.UserID, member.Role, nullTime(member.CreatedAt)); err != nil {
		return fmt.Errorf("insert membership: %w", mapPostgresError(err))
	}
	return nil
}

// SearchWorkspaces is the fallback name search used when no search index is healthy.
func (s *PostgresStore) SearchWorkspaces(ctx context.Context, principal, query string, limit int) ([]WorkspaceSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.updated_at
		FROM workspaces w
		JOIN workspace_memberships m ON m.workspace_id = w.id
		WHERE m.user_id = $1 AND w.name ILIKE '%' || $2::text || '%'
		ORDER BY w.updated_at DESC, w.id ASC
		LIMIT $3
	`, principal, escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search workspaces: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]WorkspaceSummary, error) {
	items := []WorkspaceSummary{}
	for rows.Next() {
		var item WorkspaceSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}
