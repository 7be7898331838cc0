package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/broomva/arcan/internal/domain"
	"github.com/broomva/arcan/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a turn's upsert is committing.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy()}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL UNIQUE,
		history TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_history_updated ON chat_history(updated_at);

	CREATE TABLE IF NOT EXISTS conversation (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_user ON conversation(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetChatHistory retrieves the oldest history row for a user.
func (s *SQLiteStore) GetChatHistory(ctx context.Context, userID string) (*domain.ChatHistory, error) {
	query := `
		SELECT user_id, history, updated_at
		FROM chat_history WHERE user_id = ?
		ORDER BY updated_at ASC
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, userID)

	var h domain.ChatHistory
	var updatedAt int64
	err := row.Scan(&h.UserID, &h.History, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat history: %w", err)
	}

	h.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &h, nil
}

// UpsertChatHistory creates or replaces the history row for a user.
func (s *SQLiteStore) UpsertChatHistory(ctx context.Context, history *domain.ChatHistory) error {
	query := `
		INSERT INTO chat_history (user_id, history, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			history = excluded.history,
			updated_at = excluded.updated_at`

	updatedAt := history.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := shared.RetryOnConflict(ctx, s.retry, "upsert_chat_history", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, history.UserID, history.History, updatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert chat history: %w", err)
	}
	return nil
}

// DeleteChatHistory removes the history row for a user.
func (s *SQLiteStore) DeleteChatHistory(ctx context.Context, userID string) (bool, error) {
	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "delete_chat_history", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE user_id = ?`, userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete chat history: %w", err)
	}
	return rows > 0, nil
}

// InsertConversation appends an audit record in its own transaction.
func (s *SQLiteStore) InsertConversation(ctx context.Context, record *domain.ConversationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	err := shared.RetryOnConflict(ctx, s.retry, "insert_conversation", func(ctx context.Context) error {
		return s.insertConversationTx(ctx, record)
	})
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertConversationTx(ctx context.Context, record *domain.ConversationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back conversation insert", "error", rbErr, "user_id", record.UserID)
		}
	}()

	query := `
		INSERT INTO conversation (id, user_id, message, response, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query,
		record.ID, record.UserID, record.Message, record.Response, record.CreatedAt.UnixMilli(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ListConversations returns the audit records for a user, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]*domain.ConversationRecord, error) {
	query := `
		SELECT id, user_id, message, response, created_at
		FROM conversation WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var records []*domain.ConversationRecord
	for rows.Next() {
		var rec domain.ConversationRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Message, &rec.Response, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return records, nil
}

var _ Repository = (*SQLiteStore)(nil)
