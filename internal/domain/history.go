// Package domain contains core domain types for the Arcan session service.
package domain

import (
	"time"
)

// ChatHistory is the persisted transcript for a user. There is at most one row per user.
type ChatHistory struct {
	UserID    string    `json:"user_id"`
	History   string    `json:"history"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transcript decodes the stored history payload.
func (h *ChatHistory) Transcript() (Transcript, error) {
	return DecodeTranscript([]byte(h.History))
}

// ConversationRecord is an append-only audit entry for one exchange.
type ConversationRecord struct {
	ID        string    `json:"id" yaml:"id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Message   string    `json:"message" yaml:"message"`
	Response  string    `json:"response" yaml:"response"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
