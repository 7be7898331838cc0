// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/broomva/arcan/internal/domain"
)

// Repository defines the interface for persisting chat histories and conversation records.
type Repository interface {
	// GetChatHistory retrieves the stored history row for a user.
	// Returns nil, nil when the user has no history.
	GetChatHistory(ctx context.Context, userID string) (*domain.ChatHistory, error)

	// UpsertChatHistory inserts the history row or replaces history and updated_at
	// on the existing row, in one statement.
	UpsertChatHistory(ctx context.Context, history *domain.ChatHistory) error

	// DeleteChatHistory removes a user's history row. Administrative only.
	DeleteChatHistory(ctx context.Context, userID string) (bool, error)

	// InsertConversation appends an audit record inside a transaction.
	InsertConversation(ctx context.Context, record *domain.ConversationRecord) error

	// ListConversations returns a user's records, newest first. limit <= 0 means no limit.
	ListConversations(ctx context.Context, userID string, limit int) ([]*domain.ConversationRecord, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
