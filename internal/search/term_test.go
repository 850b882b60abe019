package search

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrCriteriaFoldsBinary(t *testing.T) {
	term := Or(
		FieldTerm(FieldFrom, "a"),
		FieldTerm(FieldTo, "b"),
		FieldTerm(FieldSubject, "c"),
	)

	c := term.Criteria()
	require.NotNil(t, c)

	// OR(a, b, c) renders as OR(a, OR(b, c)).
	require.Len(t, c.Or, 1)
	left, right := c.Or[0][0], c.Or[0][1]
	assert.Equal(t, "a", left.Header.Get("From"))

	require.Len(t, right.Or, 1)
	assert.Equal(t, "b", right.Or[0][0].Header.Get("To"))
	assert.Equal(t, "c", right.Or[0][1].Header.Get("Subject"))
}

func TestAndCriteriaMerges(t *testing.T) {
	after := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	term := And(
		FieldTerm(FieldSubject, "report"),
		FlagTerm(imap.SeenFlag, false),
		SizeLarger(512),
		ReceivedAfter(after),
	)

	c := term.Criteria()
	require.NotNil(t, c)
	assert.Equal(t, "report", c.Header.Get("Subject"))
	assert.Equal(t, []string{imap.SeenFlag}, c.WithoutFlags)
	assert.Equal(t, uint32(512), c.Larger)
	assert.True(t, c.Since.Equal(after))
	assert.Empty(t, c.Or)
}

func TestNotCriteria(t *testing.T) {
	c := Not(FieldTerm(FieldBody, "spam")).Criteria()
	require.NotNil(t, c)
	require.Len(t, c.Not, 1)
	assert.Equal(t, []string{"spam"}, c.Not[0].Body)
}

func TestNilTermRendersNil(t *testing.T) {
	var term *Term
	assert.Nil(t, term.Criteria())
}

func TestBodyTermsAccumulate(t *testing.T) {
	c := And(FieldTerm(FieldBody, "x"), FieldTerm(FieldBody, "y")).Criteria()
	require.NotNil(t, c)
	assert.Equal(t, []string{"x", "y"}, c.Body)
}
