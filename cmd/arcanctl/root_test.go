package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testDB(t *testing.T) string {
	t.Helper()
	t.Setenv("ARCAN_CONFIG", "")
	t.Setenv("AGENT_PROVIDER", "echo")
	return filepath.Join(t.TempDir(), "arcan.db")
}

func TestChatThenHistory(t *testing.T) {
	db := testDB(t)

	out, err := run(t, "--db", db, "chat", "alice", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, "hello there")

	out, err = run(t, "--db", db, "history", "show", "alice", "-o", "json")
	require.NoError(t, err)

	var got struct {
		UserID   string `json:"user_id"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "alice", got.UserID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "human", got.Messages[0].Role)
	assert.Equal(t, "hello there", got.Messages[0].Content)
	assert.Equal(t, "ai", got.Messages[1].Role)

	out, err = run(t, "--db", db, "history", "show", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "2 message(s)")
}

func TestConversationsList(t *testing.T) {
	db := testDB(t)

	for _, q := range []string{"one", "two", "three"} {
		_, err := run(t, "--db", db, "chat", "bob", q)
		require.NoError(t, err)
	}

	out, err := run(t, "--db", db, "conversations", "list", "bob", "--limit", "2", "--output", "yaml")
	require.NoError(t, err)

	var got struct {
		UserID        string `yaml:"user_id"`
		Conversations []struct {
			Message  string `yaml:"message"`
			Response string `yaml:"response"`
		} `yaml:"conversations"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Len(t, got.Conversations, 2)
	assert.Equal(t, "three", got.Conversations[0].Message)
	assert.Equal(t, "two", got.Conversations[1].Message)

	out, err = run(t, "--db", db, "conv", "list", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "3 conversation(s)")

	_, err = run(t, "--db", db, "conversations", "list", "bob", "--limit", "-1")
	assert.Error(t, err)
}

func TestHistoryDelete(t *testing.T) {
	db := testDB(t)

	_, err := run(t, "--db", db, "chat", "carol", "hi")
	require.NoError(t, err)

	out, err := run(t, "--db", db, "history", "delete", "carol", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": true`)

	out, err = run(t, "--db", db, "history", "delete", "carol")
	require.NoError(t, err)
	assert.Contains(t, out, "No history for carol")

	out, err = run(t, "--db", db, "history", "show", "carol")
	require.NoError(t, err)
	assert.Contains(t, out, "No history for carol")
}

func TestRejectsUnknownOutput(t *testing.T) {
	db := testDB(t)

	_, err := run(t, "--db", db, "history", "show", "alice", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestArgsValidation(t *testing.T) {
	db := testDB(t)

	_, err := run(t, "--db", db, "chat", "alice")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "history", "show")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.True(t, strings.HasSuffix(truncate(strings.Repeat("x", 50), 10), "..."))
	assert.Len(t, []rune(truncate(strings.Repeat("é", 50), 10)), 10)
}
