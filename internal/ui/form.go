package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"mailscout/internal/search"
)

// formBindings holds form field values on the heap so that huh's
// Value() pointers remain valid across Bubble Tea model copies.
type formBindings struct {
	query       string
	scopes      []string
	unseen      bool
	flagged     bool
	attachments bool
	minSize     string
	server      bool
}

const (
	scopeSenders    = "senders"
	scopeRecipients = "recipients"
	scopeSubject    = "subject"
	scopeKeywords   = "keywords"
	scopeMessage    = "message"
	scopeNotes      = "notes"
)

// newSearchForm builds the criteria form. The query field accepts the
// +/-/? operator syntax; scopes select which message parts are matched.
func newSearchForm(fb *formBindings) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Search").
				Placeholder("words, +required, -excluded, ?optional").
				Value(&fb.query),
			huh.NewMultiSelect[string]().
				Title("Search in").
				Options(
					huh.NewOption("Senders", scopeSenders).Selected(true),
					huh.NewOption("Recipients", scopeRecipients).Selected(true),
					huh.NewOption("Subject", scopeSubject).Selected(true),
					huh.NewOption("Keywords", scopeKeywords).Selected(true),
					huh.NewOption("Message text", scopeMessage).Selected(true),
					huh.NewOption("Notes", scopeNotes).Selected(true),
				).
				Value(&fb.scopes),
			huh.NewConfirm().
				Title("Unread only").
				Value(&fb.unseen),
			huh.NewConfirm().
				Title("Flagged only").
				Value(&fb.flagged),
			huh.NewConfirm().
				Title("With attachments").
				Value(&fb.attachments),
			huh.NewInput().
				Title("Minimum size (bytes)").
				Validate(validateSize).
				Value(&fb.minSize),
			huh.NewConfirm().
				Title("Search on server").
				Value(&fb.server),
		),
	)
}

func validateSize(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	return nil
}

// criteria converts the submitted form values into search criteria.
func (fb *formBindings) criteria(fts bool) *search.Criteria {
	c := search.NewCriteria(strings.TrimSpace(fb.query))
	c.FTS = fts

	if len(fb.scopes) > 0 {
		c.InSenders = false
		c.InRecipients = false
		c.InSubject = false
		c.InKeywords = false
		c.InMessage = false
		c.InNotes = false
		for _, scope := range fb.scopes {
			switch scope {
			case scopeSenders:
				c.InSenders = true
			case scopeRecipients:
				c.InRecipients = true
			case scopeSubject:
				c.InSubject = true
			case scopeKeywords:
				c.InKeywords = true
			case scopeMessage:
				c.InMessage = true
			case scopeNotes:
				c.InNotes = true
			}
		}
	}

	c.WithUnseen = fb.unseen
	c.WithFlagged = fb.flagged
	c.WithAttachments = fb.attachments

	if s := strings.TrimSpace(fb.minSize); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			c.WithSize = &n
		}
	}

	return c
}
