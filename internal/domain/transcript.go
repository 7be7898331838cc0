package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// TranscriptVersion is the schema version written by EncodeTranscript.
const TranscriptVersion = 1

// ErrUnsupportedTranscriptVersion is returned when a stored payload uses an unknown schema.
var ErrUnsupportedTranscriptVersion = errors.New("unsupported transcript version")

// ErrInvalidUTF8 is returned for message content that is not valid UTF-8. Such content
// cannot be stored without being rewritten.
var ErrInvalidUTF8 = errors.New("content is not valid UTF-8")

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem marks instructions injected ahead of a turn.
	RoleSystem Role = "system"
	// RoleHuman marks user input.
	RoleHuman Role = "human"
	// RoleAI marks agent output.
	RoleAI Role = "ai"
)

// Message is a single transcript entry.
type Message struct {
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Transcript is the ordered conversation state of an agent handle.
type Transcript []Message

type transcriptEnvelope struct {
	Version  int       `json:"version"`
	Messages []Message `json:"messages"`
}

// NewMessage builds a message stamped with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// Clone returns a copy that shares no backing array with t.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return Transcript{}
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// HumanTurns counts messages authored by the user.
func (t Transcript) HumanTurns() int {
	n := 0
	for _, m := range t {
		if m.Role == RoleHuman {
			n++
		}
	}
	return n
}

// Window keeps the last n human messages and everything after the oldest of them.
// n <= 0 returns the whole transcript.
func (t Transcript) Window(n int) Transcript {
	if n <= 0 || len(t) == 0 {
		return t
	}

	seen := 0
	start := 0
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleHuman {
			seen++
			if seen == n {
				start = i
				break
			}
		}
	}
	return t[start:]
}

// EncodeTranscript serializes t into the versioned storage form. Timestamps are written in
// UTC, so a decoded transcript carries UTC times without a monotonic reading. Content that is
// not valid UTF-8 is rejected with ErrInvalidUTF8.
func EncodeTranscript(t Transcript) ([]byte, error) {
	msgs := make([]Message, len(t))
	for i, m := range t {
		if !utf8.ValidString(m.Content) {
			return nil, fmt.Errorf("encode transcript: message %d: %w", i, ErrInvalidUTF8)
		}
		m.Timestamp = m.Timestamp.UTC()
		msgs[i] = m
	}
	data, err := json.Marshal(transcriptEnvelope{Version: TranscriptVersion, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return data, nil
}

// DecodeTranscript parses a payload written by EncodeTranscript.
// An empty payload is an empty transcript.
func DecodeTranscript(data []byte) (Transcript, error) {
	if len(data) == 0 {
		return Transcript{}, nil
	}

	var env transcriptEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if env.Version != TranscriptVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTranscriptVersion, env.Version)
	}
	if env.Messages == nil {
		return Transcript{}, nil
	}
	return Transcript(env.Messages), nil
}
