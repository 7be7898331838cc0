package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/broomva/arcan/internal/domain"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	humanStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	aiStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func validOutput(format string) bool {
	switch format {
	case outputText, outputJSON, outputYAML:
		return true
	}
	return false
}

// encode writes v as JSON or YAML. It reports false for text output so the caller
// renders its own view.
func encode(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

func roleStyle(role domain.Role) lipgloss.Style {
	switch role {
	case domain.RoleHuman:
		return humanStyle
	case domain.RoleAI:
		return aiStyle
	default:
		return systemStyle
	}
}

func renderTranscript(w io.Writer, userID string, t domain.Transcript) {
	if len(t) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No history for "+userID))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%s: %d message(s)", userID, len(t))))
	fmt.Fprintln(w)
	for _, m := range t {
		stamp := ""
		if !m.Timestamp.IsZero() {
			stamp = dateStyle.Render(m.Timestamp.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(w, "%s %s\n", roleStyle(m.Role).Render(string(m.Role)), stamp)
		fmt.Fprintln(w, m.Content)
		fmt.Fprintln(w)
	}
}

func renderConversations(w io.Writer, userID string, records []*domain.ConversationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No conversations for "+userID))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%s: %d conversation(s)", userID, len(records))))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CREATED\tMESSAGE\tRESPONSE")
	for _, r := range records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(r.Message, 40),
			truncate(r.Response, 60),
		)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
