package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ConversationStore persists conversation transcripts keyed by the resolver's
// deterministic ID. The pipeline runs fine without one; callers treat storage
// failures as lost durability, never as request failures.
type ConversationStore interface {
	// CreateConversation inserts a conversation row. Idempotent: when the ID
	// already exists nothing changes and created is false.
	CreateConversation(ctx context.Context, conv *Conversation) (created bool, err error)

	// AppendMessage appends one message to the conversation's transcript and
	// refreshes updated_at.
	AppendMessage(ctx context.Context, id string, msg Message) error

	// GetConversation returns the conversation, or nil without error when the
	// ID doesn't exist.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns metadata for all conversations, newest first.
	ListConversations(ctx context.Context) ([]ConversationMetadata, error)

	// DeleteConversation removes a conversation. found is false when no row
	// existed; that is a result, not an error.
	DeleteConversation(ctx context.Context, id string) (found bool, err error)

	// UpdateTitle sets the conversation's display title.
	UpdateTitle(ctx context.Context, id, title string) error

	Ping(ctx context.Context) error
	Close() error
}

// chatPayload is the shape of the JSONB chat column.
type chatPayload struct {
	Messages []Message `json:"messages"`
}

// PostgresStore implements ConversationStore over the chat table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection, verifies reachability, and
// applies the idempotent migration.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate applies the schema idempotently at startup.
func (s *PostgresStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			chat JSONB NOT NULL DEFAULT '{"messages": []}'::jsonb,
			meta JSONB NOT NULL DEFAULT '{}'::jsonb,
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT now(),
			updated_at TIMESTAMP NOT NULL DEFAULT now(),
			user_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_source ON chat (source)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_created_at ON chat (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_meta ON chat USING GIN (meta)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_user_id ON chat (user_id) WHERE user_id IS NOT NULL`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) (bool, error) {
	if conv == nil {
		return false, errors.New("nil conversation")
	}

	chatJSON, err := json.Marshal(chatPayload{Messages: conv.Messages})
	if err != nil {
		return false, fmt.Errorf("marshal chat: %w", err)
	}
	meta := conv.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("marshal meta: %w", err)
	}

	const q = `
		INSERT INTO chat (id, title, chat, meta, source, created_at, updated_at, user_id)
		VALUES ($1, $2, $3, $4, $5, now(), now(), NULLIF($6, ''))
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, q,
		conv.ID, conv.Title, chatJSON, metaJSON, string(conv.Source), conv.UserID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", id)
	}

	conv.Messages = append(conv.Messages, msg)
	chatJSON, err := json.Marshal(chatPayload{Messages: conv.Messages})
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}

	const q = `UPDATE chat SET chat = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, chatJSON); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const q = `
		SELECT id, title, chat, meta, source, created_at, updated_at, COALESCE(user_id, '')
		FROM chat WHERE id = $1
	`
	var (
		conv     Conversation
		chatJSON []byte
		metaJSON []byte
		source   string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&conv.ID, &conv.Title, &chatJSON, &metaJSON, &source,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.UserID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	var payload chatPayload
	if err := json.Unmarshal(chatJSON, &payload); err != nil {
		return nil, fmt.Errorf("parse chat payload: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &conv.Meta); err != nil {
		return nil, fmt.Errorf("parse meta payload: %w", err)
	}

	conv.Source = Source(source)
	conv.Messages = payload.Messages
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return &conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]ConversationMetadata, error) {
	const q = `
		SELECT id, title, source, created_at, updated_at,
		       COALESCE(jsonb_array_length(chat->'messages'), 0)
		FROM chat
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	// Initialize with empty slice to avoid null in JSON.
	conversations := make([]ConversationMetadata, 0)
	for rows.Next() {
		var (
			meta   ConversationMetadata
			source string
		)
		if err := rows.Scan(&meta.ID, &meta.Title, &source,
			&meta.CreatedAt, &meta.UpdatedAt, &meta.MessageCount); err != nil {
			return nil, err
		}
		meta.Source = Source(source)
		conversations = append(conversations, meta)
	}
	return conversations, rows.Err()
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
