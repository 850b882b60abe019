// Package search implements the incremental boundary search engine:
// search criteria and their term trees, the local store matcher, the
// remote searcher, and the controller that coalesces UI paging
// triggers into load jobs.
package search

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-imap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// searchLimitDevice bounds one local query window.
	searchLimitDevice = 1000

	// searchLimitServer caps a remote search result set.
	searchLimitServer = 250
)

// Criteria describes a search: free text plus the scopes the text
// applies to and structural filters. FTS and ID are presentation-side
// settings and are excluded from equality and the persisted form.
type Criteria struct {
	ID    int64
	Query string
	FTS   bool

	InSenders    bool
	InRecipients bool
	InSubject    bool
	InKeywords   bool
	InMessage    bool
	InNotes      bool
	InHeaders    bool
	InHTML       bool

	WithUnseen      bool
	WithFlagged     bool
	WithHidden      bool
	WithEncrypted   bool
	WithAttachments bool
	WithNotes       bool

	WithTypes []string
	WithSize  *int64

	InTrash bool
	InJunk  bool

	After  *time.Time
	Before *time.Time
}

// NewCriteria returns a criteria with the default scopes enabled.
func NewCriteria(query string) *Criteria {
	return &Criteria{
		Query:        query,
		InSenders:    true,
		InRecipients: true,
		InSubject:    true,
		InKeywords:   true,
		InMessage:    true,
		InNotes:      true,
		InTrash:      true,
		InJunk:       true,
	}
}

// Tokens is a parsed query: plain words, required inclusions ("+"),
// exclusions ("-"), and optional alternatives ("?"). All joins every
// token, stripped of its prefix, in input order.
type Tokens struct {
	Words []string
	Plus  []string
	Minus []string
	Opt   []string
	All   string
}

// Prefixed reports whether any token carried a prefix.
func (t Tokens) Prefixed() bool {
	return len(t.Plus)+len(t.Minus)+len(t.Opt) > 0
}

// ParseQuery tokenizes a query on whitespace. A prefix only counts on
// tokens longer than one character, so a lone "+" stays a plain word.
func ParseQuery(query string) Tokens {
	var t Tokens
	var all []string
	for _, w := range strings.Fields(strings.TrimSpace(query)) {
		switch {
		case len(w) > 1 && strings.HasPrefix(w, "+"):
			t.Plus = append(t.Plus, w[1:])
			all = append(all, w[1:])
		case len(w) > 1 && strings.HasPrefix(w, "-"):
			t.Minus = append(t.Minus, w[1:])
			all = append(all, w[1:])
		case len(w) > 1 && strings.HasPrefix(w, "?"):
			t.Opt = append(t.Opt, w[1:])
			all = append(all, w[1:])
		default:
			t.Words = append(t.Words, w)
			all = append(all, w)
		}
	}
	t.All = strings.Join(all, " ")
	return t
}

// asciiReplacer handles ligatures that decompose badly under NFKD.
var asciiReplacer = strings.NewReplacer(
	"ß", "ss",
	"ĳ", "ij",
	"ø", "o",
)

var asciiFolder = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
)

// FoldASCII reduces text to ASCII for servers without UTF-8 search:
// known substitutions first, then NFKD normalization with combining
// marks and any remaining non-ASCII dropped. Lossy.
func FoldASCII(text string) string {
	text = asciiReplacer.Replace(text)
	folded, _, err := transform.String(asciiFolder, text)
	if err != nil {
		return text
	}
	return folded
}

// Terms renders the criteria to a search-term tree for a mailbox with
// the given permanent flags and advertised keywords. utf8 false folds
// all text to ASCII first. Returns nil when neither the query nor the
// filters produce a term; the caller then lists the whole folder.
func (c *Criteria) Terms(utf8 bool, permanentFlags, keywords []string) *Term {
	var or, and []*Term

	if c.Query != "" {
		text := c.Query
		if !utf8 {
			text = FoldASCII(text)
		}

		tokens := ParseQuery(text)
		if tokens.Prefixed() {
			text = tokens.All
		}

		// Some providers only advertise system $-flags; a keyword
		// term is pointless there.
		hasKeywords := false
		for _, kw := range keywords {
			if !strings.HasPrefix(kw, "$") {
				hasKeywords = true
				break
			}
		}

		if c.InSenders {
			or = append(or, FieldTerm(FieldFrom, text))
		}
		if c.InRecipients {
			or = append(or,
				FieldTerm(FieldTo, text),
				FieldTerm(FieldCc, text),
				FieldTerm(FieldBcc, text))
		}
		if c.InSubject {
			or = append(or, constructOrPlain(FieldSubject, text, tokens))
		}
		if c.InKeywords && hasKeywords {
			if kw := sanitizeKeyword(text); kw != "" {
				or = append(or, FlagTerm(kw, true))
			}
		}
		if c.InMessage {
			or = append(or, constructOrPlain(FieldBody, text, tokens))
		}
	}

	if c.WithUnseen && slices.Contains(permanentFlags, imap.SeenFlag) {
		and = append(and, FlagTerm(imap.SeenFlag, false))
	}
	if c.WithFlagged && slices.Contains(permanentFlags, imap.FlaggedFlag) {
		and = append(and, FlagTerm(imap.FlaggedFlag, true))
	}
	if c.WithSize != nil {
		and = append(and, SizeLarger(*c.WithSize))
	}
	if c.After != nil {
		and = append(and, ReceivedAfter(*c.After))
	}
	if c.Before != nil {
		and = append(and, ReceivedBefore(*c.Before))
	}

	var term *Term
	if len(or) > 0 {
		term = Or(or...)
	}
	if len(and) > 0 {
		if term == nil {
			term = And(and...)
		} else {
			term = And(term, And(and...))
		}
	}
	return term
}

// constructOrPlain builds the field term for a tokenized query: the
// plain words form the base phrase, "+" tokens AND in, "-" tokens AND
// in negated, "?" tokens OR on. A query without prefixes, or a
// construction that produces nothing, yields a plain phrase term.
func constructOrPlain(field Field, text string, tokens Tokens) *Term {
	if !tokens.Prefixed() {
		return FieldTerm(field, text)
	}

	var term *Term
	if len(tokens.Words) > 0 {
		term = FieldTerm(field, strings.Join(tokens.Words, " "))
	}
	for _, p := range tokens.Plus {
		if term == nil {
			term = FieldTerm(field, p)
		} else {
			term = And(term, FieldTerm(field, p))
		}
	}
	for _, m := range tokens.Minus {
		if term == nil {
			term = Not(FieldTerm(field, m))
		} else {
			term = And(term, Not(FieldTerm(field, m)))
		}
	}
	for _, o := range tokens.Opt {
		if term == nil {
			term = FieldTerm(field, o)
		} else {
			term = Or(term, FieldTerm(field, o))
		}
	}

	if term == nil {
		return FieldTerm(field, text)
	}
	return term
}

// sanitizeKeyword strips characters an IMAP keyword atom cannot carry.
func sanitizeKeyword(s string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r > unicode.MaxASCII {
			return -1
		}
		if strings.ContainsRune(`(){%*"\]`, r) {
			return -1
		}
		return r
	}, s)
}

// Equal reports search identity: all fields except FTS and ID.
func (c *Criteria) Equal(other *Criteria) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Query == other.Query &&
		c.InSenders == other.InSenders &&
		c.InRecipients == other.InRecipients &&
		c.InSubject == other.InSubject &&
		c.InKeywords == other.InKeywords &&
		c.InMessage == other.InMessage &&
		c.InNotes == other.InNotes &&
		c.InHeaders == other.InHeaders &&
		c.InHTML == other.InHTML &&
		c.WithUnseen == other.WithUnseen &&
		c.WithFlagged == other.WithFlagged &&
		c.WithHidden == other.WithHidden &&
		c.WithEncrypted == other.WithEncrypted &&
		c.WithAttachments == other.WithAttachments &&
		c.WithNotes == other.WithNotes &&
		slices.Equal(c.WithTypes, other.WithTypes) &&
		equalInt64Ptr(c.WithSize, other.WithSize) &&
		c.InTrash == other.InTrash &&
		c.InJunk == other.InJunk &&
		equalTimePtr(c.After, other.After) &&
		equalTimePtr(c.Before, other.Before)
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// criteriaJSON is the persisted form; FTS and ID deliberately absent.
type criteriaJSON struct {
	Query        string  `json:"query,omitempty"`
	InSenders    bool    `json:"in_senders"`
	InRecipients bool    `json:"in_recipients"`
	InSubject    bool    `json:"in_subject"`
	InKeywords   bool    `json:"in_keywords"`
	InMessage    bool    `json:"in_message"`
	InNotes      bool    `json:"in_notes"`
	InHeaders    bool    `json:"in_headers"`
	InHTML       bool    `json:"in_html"`

	WithUnseen      bool `json:"with_unseen"`
	WithFlagged     bool `json:"with_flagged"`
	WithHidden      bool `json:"with_hidden"`
	WithEncrypted   bool `json:"with_encrypted"`
	WithAttachments bool `json:"with_attachments"`
	WithNotes       bool `json:"with_notes"`

	WithTypes []string `json:"with_types,omitempty"`
	WithSize  *int64   `json:"with_size,omitempty"`

	InTrash bool `json:"in_trash"`
	InJunk  bool `json:"in_junk"`

	After  *int64 `json:"after,omitempty"`
	Before *int64 `json:"before,omitempty"`
}

// ToJSON serializes the criteria for persistence.
func (c *Criteria) ToJSON() ([]byte, error) {
	j := criteriaJSON{
		Query:        c.Query,
		InSenders:    c.InSenders,
		InRecipients: c.InRecipients,
		InSubject:    c.InSubject,
		InKeywords:   c.InKeywords,
		InMessage:    c.InMessage,
		InNotes:      c.InNotes,
		InHeaders:    c.InHeaders,
		InHTML:       c.InHTML,

		WithUnseen:      c.WithUnseen,
		WithFlagged:     c.WithFlagged,
		WithHidden:      c.WithHidden,
		WithEncrypted:   c.WithEncrypted,
		WithAttachments: c.WithAttachments,
		WithNotes:       c.WithNotes,

		WithTypes: c.WithTypes,
		WithSize:  c.WithSize,

		InTrash: c.InTrash,
		InJunk:  c.InJunk,
	}
	if c.After != nil {
		ms := c.After.UnixMilli()
		j.After = &ms
	}
	if c.Before != nil {
		ms := c.Before.UnixMilli()
		j.Before = &ms
	}
	return json.Marshal(j)
}

// FromJSON restores a persisted criteria.
func FromJSON(data []byte) (*Criteria, error) {
	var j criteriaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parsing criteria: %w", err)
	}

	c := &Criteria{
		Query:        j.Query,
		InSenders:    j.InSenders,
		InRecipients: j.InRecipients,
		InSubject:    j.InSubject,
		InKeywords:   j.InKeywords,
		InMessage:    j.InMessage,
		InNotes:      j.InNotes,
		InHeaders:    j.InHeaders,
		InHTML:       j.InHTML,

		WithUnseen:      j.WithUnseen,
		WithFlagged:     j.WithFlagged,
		WithHidden:      j.WithHidden,
		WithEncrypted:   j.WithEncrypted,
		WithAttachments: j.WithAttachments,
		WithNotes:       j.WithNotes,

		WithTypes: j.WithTypes,
		WithSize:  j.WithSize,

		InTrash: j.InTrash,
		InJunk:  j.InJunk,
	}
	if j.After != nil {
		t := time.UnixMilli(*j.After)
		c.After = &t
	}
	if j.Before != nil {
		t := time.UnixMilli(*j.Before)
		c.Before = &t
	}
	return c, nil
}

// Title renders a short human-readable summary of the criteria for
// list headers.
func (c *Criteria) Title() string {
	var flags []string
	if c.WithUnseen {
		flags = append(flags, "unseen")
	}
	if c.WithFlagged {
		flags = append(flags, "flagged")
	}
	if c.WithHidden {
		flags = append(flags, "hidden")
	}
	if c.WithEncrypted {
		flags = append(flags, "encrypted")
	}
	if c.WithAttachments {
		flags = append(flags, "attachments")
	}
	if c.WithNotes {
		flags = append(flags, "notes")
	}
	if len(c.WithTypes) == 1 && c.WithTypes[0] == "text/calendar" {
		flags = append(flags, "invite")
	} else if len(c.WithTypes) > 0 {
		flags = append(flags, strings.Join(c.WithTypes, ", "))
	}
	if c.WithSize != nil {
		flags = append(flags, fmt.Sprintf("larger than %d bytes", *c.WithSize))
	}

	title := c.Query
	if len(flags) > 0 {
		if title != "" {
			title += " "
		}
		title += "+" + strings.Join(flags, ",")
	}
	return title
}
