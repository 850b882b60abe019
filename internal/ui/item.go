package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"mailscout/internal/model"
	"mailscout/internal/theme"
)

// MessageItem wraps a model.Message so it can be used in a bubbles/list.
type MessageItem struct {
	Message model.Message
}

// FilterValue returns the string used for fuzzy filtering.
func (i MessageItem) FilterValue() string {
	return i.Message.Subject + " " + strings.Join(i.Message.From, " ")
}

// Title returns the subject line for the list.
func (i MessageItem) Title() string {
	if i.Message.Subject == "" {
		return "(no subject)"
	}
	return i.Message.Subject
}

// Description returns a short summary line for the list.
func (i MessageItem) Description() string {
	parts := []string{
		strings.Join(i.Message.From, ", "),
		relativeTime(i.Message.Received),
	}
	if i.Message.Attachments > 0 {
		parts = append(parts, fmt.Sprintf("%d att", i.Message.Attachments))
	}
	return strings.Join(parts, " | ")
}

// messageDelegate implements list.ItemDelegate for rendering messages.
type messageDelegate struct{}

// Height returns the number of lines each item takes.
func (messageDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (messageDelegate) Spacing() int { return 0 }

// Update handles per-item messages; messages have no item-level state.
func (messageDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

// Render draws one message row.
func (messageDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	mi, ok := item.(MessageItem)
	if !ok {
		return
	}
	msg := mi.Message

	prefix := " "
	if msg.Flagged {
		prefix = theme.FlaggedStyle.Render("*")
	}

	from := "(unknown)"
	if len(msg.From) > 0 {
		from = msg.From[0]
	}

	line := fmt.Sprintf("%s %-28s %s  %s",
		prefix, truncate(from, 28), truncate(mi.Title(), 50), relativeTime(msg.Received))

	switch {
	case index == m.Index():
		fmt.Fprint(w, theme.SelectedItemStyle.Render(line))
	case !msg.Seen:
		fmt.Fprint(w, theme.ListItemStyle.Inherit(theme.UnseenStyle).Render(line))
	default:
		fmt.Fprint(w, theme.ListItemStyle.Render(line))
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// relativeTime renders a timestamp the way message lists usually do,
// coarse and recent-biased.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}
