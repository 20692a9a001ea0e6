// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides principal/tenant/conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS principals (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (status IN ('active', 'revoked'))
		);

		CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL REFERENCES principals(id),
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tenants_owner ON tenants(owner_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL REFERENCES tenants(id),
			status                TEXT NOT NULL,
			assigned_principal_id TEXT,
			assigned_at           TEXT,
			takeover_at           TEXT,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,

			CHECK (status IN ('active', 'waiting', 'human_controlled', 'ended'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			principal_id    TEXT,
			created_at      TEXT NOT NULL,

			CHECK (role IN ('visitor', 'assistant', 'instruction', 'supervisor'))
		);

		CREATE INDEX IF NOT EXISTS idx_conv_messages_conversation
			ON conversation_messages(conversation_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreatePrincipal stores a new principal
func (s *SQLiteStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	query := `INSERT INTO principals (id, name, status, created_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		string(p.Status),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating principal: %w", err)
	}
	return nil
}

// GetPrincipal retrieves a principal by ID.
// Returns ErrNotFound if the principal doesn't exist.
func (s *SQLiteStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	query := `SELECT id, name, status, created_at FROM principals WHERE id = ?`

	var p Principal
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, (*string)(&p.Status), &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal: %w", err)
	}

	p.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &p, nil
}

// CreateTenant stores a new tenant
func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) error {
	query := `INSERT INTO tenants (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.OwnerID,
		t.Name,
		t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `SELECT id, owner_id, name, created_at FROM tenants WHERE id = ?`

	var t Tenant
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.OwnerID, &t.Name, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}

	t.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &t, nil
}

// ListTenantsByOwner retrieves all tenants owned by the given principal
func (s *SQLiteStore) ListTenantsByOwner(ctx context.Context, ownerID string) ([]*Tenant, error) {
	query := `SELECT id, owner_id, name, created_at FROM tenants WHERE owner_id = ? ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying tenants by owner: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		var createdAtStr string

		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}

		t.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		tenants = append(tenants, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}

	return tenants, nil
}

// CreateConversation stores a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if !c.Status.Valid() {
		return fmt.Errorf("creating conversation: invalid status %q", c.Status)
	}

	query := `
		INSERT INTO conversations (id, tenant_id, status, assigned_principal_id, assigned_at, takeover_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.TenantID,
		string(c.Status),
		c.AssignedPrincipalID,
		formatNullableTime(c.AssignedAt),
		formatNullableTime(c.TakeoverAt),
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, tenant_id, status, assigned_principal_id, assigned_at, takeover_at, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`

	var c Conversation
	var assignedID, assignedAtStr, takeoverAtStr sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.TenantID,
		(*string)(&c.Status),
		&assignedID,
		&assignedAtStr,
		&takeoverAtStr,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if assignedID.Valid {
		c.AssignedPrincipalID = &assignedID.String
	}
	if c.AssignedAt, err = parseNullableTime(assignedAtStr); err != nil {
		return nil, fmt.Errorf("parsing assigned_at: %w", err)
	}
	if c.TakeoverAt, err = parseNullableTime(takeoverAtStr); err != nil {
		return nil, fmt.Errorf("parsing takeover_at: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &c, nil
}

// TransitionConversation applies a guarded status change in a single
// conditional UPDATE. The WHERE clause pins the expected source status, so
// two racing transitions on the same conversation cannot both succeed: the
// loser's row match fails and ErrStatusConflict is returned without a write.
func (s *SQLiteStore) TransitionConversation(ctx context.Context, id string, from, to ConversationStatus, assigned *string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var result sql.Result
	var err error

	if to == StatusHumanControlled {
		if assigned == nil {
			return fmt.Errorf("transition to human_controlled requires an assignee")
		}
		query := `
			UPDATE conversations
			SET status = ?, assigned_principal_id = ?, assigned_at = ?, takeover_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`
		result, err = s.db.ExecContext(ctx, query, string(to), *assigned, now, now, now, id, string(from))
	} else {
		if assigned != nil {
			return fmt.Errorf("transition to %s must not carry an assignee", to)
		}
		query := `
			UPDATE conversations
			SET status = ?, assigned_principal_id = NULL, assigned_at = NULL, takeover_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?
		`
		result, err = s.db.ExecContext(ctx, query, string(to), now, id, string(from))
	}
	if err != nil {
		return fmt.Errorf("transitioning conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking transition result: %w", err)
	}
	if affected == 0 {
		// Either the conversation is missing or its status moved under us.
		if _, getErr := s.GetConversation(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}

	s.logger.Debug("conversation transitioned",
		"conversation_id", id,
		"from", from,
		"to", to,
	)
	return nil
}

// AppendMessage stores a new entry in a conversation's message log
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *ConversationMessage) error {
	query := `
		INSERT INTO conversation_messages (id, conversation_id, role, content, principal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var principalID any
	if msg.PrincipalID != "" {
		principalID = msg.PrincipalID
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		principalID,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// ListMessages retrieves up to limit messages for a conversation in
// chronological order. A limit of 0 means no limit.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*ConversationMessage, error) {
	query := `
		SELECT id, conversation_id, role, content, principal_id, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY created_at
	`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var principalID sql.NullString
		var createdAtStr string

		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &principalID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		m.PrincipalID = principalID.String
		m.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
