package search

import (
	"net/textproto"
	"time"

	"github.com/emersion/go-imap"
)

// Field names a message field a text term applies to.
type Field int

const (
	FieldFrom Field = iota
	FieldTo
	FieldCc
	FieldBcc
	FieldSubject
	FieldBody
)

// TermOp tags a Term variant.
type TermOp int

const (
	OpAnd TermOp = iota
	OpOr
	OpNot
	OpField
	OpFlag
	OpSize
	OpDateAfter
	OpDateBefore
)

// Term is one node of a provider-agnostic search-term tree. The tree
// is built by ordinary construction and rendered to the wire form by
// Criteria; no runtime type dispatch is involved.
type Term struct {
	Op       TermOp
	Children []*Term

	// OpField
	Field Field
	Text  string

	// OpFlag
	Flag string
	Set  bool

	// OpSize, exclusive lower bound in bytes.
	Larger int64

	// OpDateAfter / OpDateBefore
	When time.Time
}

func And(terms ...*Term) *Term   { return &Term{Op: OpAnd, Children: terms} }
func Or(terms ...*Term) *Term    { return &Term{Op: OpOr, Children: terms} }
func Not(term *Term) *Term       { return &Term{Op: OpNot, Children: []*Term{term}} }
func FieldTerm(f Field, text string) *Term { return &Term{Op: OpField, Field: f, Text: text} }
func FlagTerm(flag string, set bool) *Term { return &Term{Op: OpFlag, Flag: flag, Set: set} }
func SizeLarger(bytes int64) *Term         { return &Term{Op: OpSize, Larger: bytes} }
func ReceivedAfter(t time.Time) *Term      { return &Term{Op: OpDateAfter, When: t} }
func ReceivedBefore(t time.Time) *Term     { return &Term{Op: OpDateBefore, When: t} }

// Criteria renders the term tree to the protocol library's search
// criteria. AND combines by merging into one criteria; OR folds into
// the library's binary OR pairs.
func (t *Term) Criteria() *imap.SearchCriteria {
	if t == nil {
		return nil
	}

	switch t.Op {
	case OpAnd:
		c := new(imap.SearchCriteria)
		for _, child := range t.Children {
			mergeCriteria(c, child.Criteria())
		}
		return c

	case OpOr:
		return orCriteria(t.Children)

	case OpNot:
		c := new(imap.SearchCriteria)
		for _, child := range t.Children {
			c.Not = append(c.Not, child.Criteria())
		}
		return c

	case OpField:
		c := new(imap.SearchCriteria)
		switch t.Field {
		case FieldFrom:
			c.Header = headerCriteria("From", t.Text)
		case FieldTo:
			c.Header = headerCriteria("To", t.Text)
		case FieldCc:
			c.Header = headerCriteria("Cc", t.Text)
		case FieldBcc:
			c.Header = headerCriteria("Bcc", t.Text)
		case FieldSubject:
			c.Header = headerCriteria("Subject", t.Text)
		case FieldBody:
			c.Body = []string{t.Text}
		}
		return c

	case OpFlag:
		c := new(imap.SearchCriteria)
		if t.Set {
			c.WithFlags = []string{t.Flag}
		} else {
			c.WithoutFlags = []string{t.Flag}
		}
		return c

	case OpSize:
		return &imap.SearchCriteria{Larger: uint32(t.Larger)}

	case OpDateAfter:
		return &imap.SearchCriteria{Since: t.When}

	case OpDateBefore:
		return &imap.SearchCriteria{Before: t.When}
	}
	return nil
}

// orCriteria folds an n-way OR into the binary pairs the library
// expects: OR(a,b,c) becomes a pair of a and OR(b,c).
func orCriteria(terms []*Term) *imap.SearchCriteria {
	switch len(terms) {
	case 0:
		return new(imap.SearchCriteria)
	case 1:
		return terms[0].Criteria()
	default:
		return &imap.SearchCriteria{
			Or: [][2]*imap.SearchCriteria{{
				terms[0].Criteria(),
				orCriteria(terms[1:]),
			}},
		}
	}
}

// mergeCriteria folds src into dst; both sides of an AND live in one
// criteria value.
func mergeCriteria(dst, src *imap.SearchCriteria) {
	if src == nil {
		return
	}
	for k, vs := range src.Header {
		if dst.Header == nil {
			dst.Header = make(textproto.MIMEHeader)
		}
		for _, v := range vs {
			dst.Header.Add(k, v)
		}
	}
	dst.Body = append(dst.Body, src.Body...)
	dst.Text = append(dst.Text, src.Text...)
	dst.WithFlags = append(dst.WithFlags, src.WithFlags...)
	dst.WithoutFlags = append(dst.WithoutFlags, src.WithoutFlags...)
	dst.Not = append(dst.Not, src.Not...)
	dst.Or = append(dst.Or, src.Or...)
	if src.Larger > dst.Larger {
		dst.Larger = src.Larger
	}
	if src.Smaller != 0 && (dst.Smaller == 0 || src.Smaller < dst.Smaller) {
		dst.Smaller = src.Smaller
	}
	if !src.Since.IsZero() {
		dst.Since = src.Since
	}
	if !src.Before.IsZero() {
		dst.Before = src.Before
	}
	if !src.SentSince.IsZero() {
		dst.SentSince = src.SentSince
	}
	if !src.SentBefore.IsZero() {
		dst.SentBefore = src.SentBefore
	}
	if src.Uid != nil {
		dst.Uid = src.Uid
	}
	if src.SeqNum != nil {
		dst.SeqNum = src.SeqNum
	}
}

func headerCriteria(name, value string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Add(name, value)
	return h
}
