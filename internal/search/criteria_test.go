package search

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldASCII(t *testing.T) {
	cases := map[string]string{
		"caffè":      "caffe",
		"Straße":     "Strasse",
		"smørrebrød": "smorrebrod",
		"naïve":      "naive",
		"plain":      "plain",
	}
	for in, want := range cases {
		assert.Equal(t, want, FoldASCII(in), "folding %q", in)
	}
}

func TestParseQuery(t *testing.T) {
	tokens := ParseQuery("  +urgent -spam ?maybe report ")
	assert.Equal(t, []string{"urgent"}, tokens.Plus)
	assert.Equal(t, []string{"spam"}, tokens.Minus)
	assert.Equal(t, []string{"maybe"}, tokens.Opt)
	assert.Equal(t, []string{"report"}, tokens.Words)
	assert.Equal(t, "urgent spam maybe report", tokens.All)
	assert.True(t, tokens.Prefixed())
}

func TestParseQueryBareOperator(t *testing.T) {
	// A lone operator character is an ordinary word.
	tokens := ParseQuery("+ - ?")
	assert.Equal(t, []string{"+", "-", "?"}, tokens.Words)
	assert.False(t, tokens.Prefixed())
}

func TestTermsSubjectOperators(t *testing.T) {
	c := NewCriteria("+urgent -spam")
	c.InSenders = false
	c.InRecipients = false
	c.InKeywords = false
	c.InMessage = false
	c.InNotes = false

	term := c.Terms(true, nil, nil)
	require.NotNil(t, term)
	require.Equal(t, OpOr, term.Op)
	require.Len(t, term.Children, 1)

	// AND(subject urgent, NOT(subject spam))
	and := term.Children[0]
	require.Equal(t, OpAnd, and.Op)
	require.Len(t, and.Children, 2)
	assert.Equal(t, OpField, and.Children[0].Op)
	assert.Equal(t, FieldSubject, and.Children[0].Field)
	assert.Equal(t, "urgent", and.Children[0].Text)
	require.Equal(t, OpNot, and.Children[1].Op)
	assert.Equal(t, "spam", and.Children[1].Children[0].Text)
}

func TestTermsMessageOptional(t *testing.T) {
	c := NewCriteria("foo ?bar")
	c.InSenders = false
	c.InRecipients = false
	c.InSubject = false
	c.InKeywords = false
	c.InNotes = false

	term := c.Terms(true, nil, nil)
	require.NotNil(t, term)
	require.Equal(t, OpOr, term.Op)
	require.Len(t, term.Children, 1)

	// OR(body foo, body bar)
	or := term.Children[0]
	require.Equal(t, OpOr, or.Op)
	require.Len(t, or.Children, 2)
	assert.Equal(t, FieldBody, or.Children[0].Field)
	assert.Equal(t, "foo", or.Children[0].Text)
	assert.Equal(t, "bar", or.Children[1].Text)
}

func TestTermsAddressFieldsIgnoreOperators(t *testing.T) {
	// Operator construction only applies to subject and body; address
	// fields take the joined text as-is.
	c := NewCriteria("+alice -bob")
	c.InSubject = false
	c.InKeywords = false
	c.InMessage = false
	c.InRecipients = false
	c.InNotes = false

	term := c.Terms(true, nil, nil)
	require.NotNil(t, term)
	require.Len(t, term.Children, 1)
	from := term.Children[0]
	assert.Equal(t, OpField, from.Op)
	assert.Equal(t, FieldFrom, from.Field)
	assert.Equal(t, "alice bob", from.Text)
}

func TestTermsKeywordGate(t *testing.T) {
	c := NewCriteria("label")
	c.InSenders = false
	c.InRecipients = false
	c.InSubject = false
	c.InMessage = false
	c.InNotes = false

	// Only system $-flags advertised: no keyword term, so no term at all.
	assert.Nil(t, c.Terms(true, nil, []string{"$Forwarded", "$MDNSent"}))

	// A real keyword enables the flag term.
	term := c.Terms(true, nil, []string{"Work"})
	require.NotNil(t, term)
	require.Len(t, term.Children, 1)
	flag := term.Children[0]
	assert.Equal(t, OpFlag, flag.Op)
	assert.Equal(t, "label", flag.Flag)
	assert.True(t, flag.Set)
}

func TestTermsFlagFiltersGatedOnPermanentFlags(t *testing.T) {
	c := NewCriteria("")
	c.WithUnseen = true
	c.WithFlagged = true

	// Without the permanent flags the filters cannot be expressed.
	assert.Nil(t, c.Terms(true, nil, nil))

	term := c.Terms(true, []string{imap.SeenFlag, imap.FlaggedFlag}, nil)
	require.NotNil(t, term)
	require.Equal(t, OpAnd, term.Op)
	require.Len(t, term.Children, 2)
	assert.Equal(t, imap.SeenFlag, term.Children[0].Flag)
	assert.False(t, term.Children[0].Set)
	assert.Equal(t, imap.FlaggedFlag, term.Children[1].Flag)
	assert.True(t, term.Children[1].Set)
}

func TestTermsASCIIFallback(t *testing.T) {
	c := NewCriteria("caffè")
	c.InRecipients = false
	c.InSubject = false
	c.InKeywords = false
	c.InMessage = false
	c.InNotes = false

	term := c.Terms(false, nil, nil)
	require.NotNil(t, term)
	assert.Equal(t, "caffe", term.Children[0].Text)
}

func TestCriteriaRendering(t *testing.T) {
	c := NewCriteria("report")
	c.InSenders = false
	c.InRecipients = false
	c.InKeywords = false
	c.InMessage = false
	c.InNotes = false
	c.WithUnseen = true
	size := int64(1024)
	c.WithSize = &size

	term := c.Terms(true, []string{imap.SeenFlag}, nil)
	require.NotNil(t, term)

	rendered := term.Criteria()
	require.NotNil(t, rendered)
	assert.Equal(t, "report", rendered.Header.Get("Subject"))
	assert.Equal(t, []string{imap.SeenFlag}, rendered.WithoutFlags)
	assert.Equal(t, uint32(1024), rendered.Larger)
}

func TestCriteriaJSONRoundTrip(t *testing.T) {
	after := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	size := int64(2048)

	c := NewCriteria("invoice")
	c.FTS = true
	c.ID = 7
	c.WithFlagged = true
	c.WithTypes = []string{"application/pdf"}
	c.WithSize = &size
	c.After = &after

	data, err := c.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)

	// FTS and ID are presentation-side and not persisted; equality
	// ignores them too.
	assert.False(t, restored.FTS)
	assert.Zero(t, restored.ID)
	assert.True(t, c.Equal(restored))
	assert.True(t, restored.Equal(c))
}

func TestCriteriaEqual(t *testing.T) {
	a := NewCriteria("foo")
	b := NewCriteria("foo")
	assert.True(t, a.Equal(b))

	b.FTS = true
	assert.True(t, a.Equal(b), "FTS must not affect identity")

	b.Query = "bar"
	assert.False(t, a.Equal(b))

	var nilCriteria *Criteria
	assert.False(t, a.Equal(nilCriteria))
	assert.True(t, nilCriteria.Equal(nil))
}

func TestCriteriaTitle(t *testing.T) {
	c := NewCriteria("tax")
	c.WithUnseen = true
	c.WithAttachments = true
	assert.Equal(t, "tax +unseen,attachments", c.Title())

	c = NewCriteria("")
	c.WithTypes = []string{"text/calendar"}
	assert.Equal(t, "+invite", c.Title())
}

func TestSanitizeKeyword(t *testing.T) {
	assert.Equal(t, "work", sanitizeKeyword("work"))
	assert.Equal(t, "ab", sanitizeKeyword(`a"b`))
	assert.Equal(t, "", sanitizeKeyword(`(){%*"\]`))
}
