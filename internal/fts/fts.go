// Package fts maintains the full-text message index, a separate SQLite
// database holding one FTS5 virtual table keyed by message id.
package fts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mailscout/internal/model"
)

// Index is the full-text index over message content.
type Index struct {
	db *sqlx.DB
}

// Open opens (or creates) the full-text index at dbPath.
func Open(dbPath string) (*Index, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening fts db: %w", err)
	}

	// Diacritics are folded by the tokenizer so "resume" finds
	// "résumé" without client-side normalization.
	_, err = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS message USING fts5
		(account UNINDEXED, folder UNINDEXED, time UNINDEXED,
		 address, subject, keyword, text, notes,
		 tokenize = "unicode61 remove_diacritics 2")`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating fts table: %w", err)
	}

	_, err = db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS message_terms USING fts5vocab('message', 'row')")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating fts vocab table: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the index database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Insert indexes one message with its extracted body text, replacing
// any previous entry for the same id.
func (x *Index) Insert(ctx context.Context, msg *model.Message, text string) error {
	if err := x.Delete(ctx, msg.ID); err != nil {
		return err
	}

	var address []string
	address = append(address, msg.From...)
	address = append(address, msg.To...)
	address = append(address, msg.Cc...)
	address = append(address, msg.Bcc...)

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO message (rowid, account, folder, time, address, subject, keyword, text, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AccountID, msg.FolderID, msg.Received.UnixMilli(),
		strings.Join(address, ", "), msg.Subject,
		strings.Join(msg.Keywords, ", "), text, msg.Notes,
	)
	if err != nil {
		return fmt.Errorf("indexing message %d: %w", msg.ID, err)
	}
	return nil
}

// Delete removes one message from the index.
func (x *Index) Delete(ctx context.Context, id int64) error {
	if _, err := x.db.ExecContext(ctx, "DELETE FROM message WHERE rowid = ?", id); err != nil {
		return fmt.Errorf("deleting fts entry %d: %w", id, err)
	}
	return nil
}

// DeleteAll clears the whole index.
func (x *Index) DeleteAll(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, "DELETE FROM message"); err != nil {
		return fmt.Errorf("clearing fts index: %w", err)
	}
	return nil
}

// Filter restricts a Match call to an account, a folder, and a time
// range, and skips the excluded folders.
type Filter struct {
	AccountID *int64
	FolderID  *int64
	Exclude   []int64
	After     *time.Time
	Before    *time.Time
}

// Match returns the ids of messages whose indexed content matches the
// query, newest first and capped at limit. The query uses the same word
// prefixes as the search criteria: "+word" must occur, "-word" must
// not, "?word" may occur.
func (x *Index) Match(ctx context.Context, f Filter, query string, limit int) ([]int64, error) {
	var b strings.Builder
	var args []interface{}

	b.WriteString("SELECT rowid FROM message WHERE ")
	if f.AccountID != nil {
		b.WriteString("account = ? AND ")
		args = append(args, *f.AccountID)
	}
	if f.FolderID != nil {
		b.WriteString("folder = ? AND ")
		args = append(args, *f.FolderID)
	}
	if len(f.Exclude) > 0 {
		b.WriteString("NOT folder IN (")
		for i, id := range f.Exclude {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(") AND ")
	}
	if f.After != nil {
		b.WriteString("time > ? AND ")
		args = append(args, f.After.UnixMilli())
	}
	if f.Before != nil {
		b.WriteString("time < ? AND ")
		args = append(args, f.Before.UnixMilli())
	}

	b.WriteString("message MATCH ? ORDER BY time DESC LIMIT ?")
	args = append(args, MatchExpression(query), limit)

	rows, err := x.db.QueryxContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("matching fts index: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning fts row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Suggestions returns up to max indexed terms matching the LIKE
// pattern, least frequent first.
func (x *Index) Suggestions(ctx context.Context, pattern string, max int) ([]string, error) {
	rows, err := x.db.QueryxContext(ctx,
		"SELECT term FROM message_terms WHERE term LIKE ? ORDER BY cnt LIMIT ?",
		pattern, max)
	if err != nil {
		return nil, fmt.Errorf("querying fts terms: %w", err)
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, fmt.Errorf("scanning fts term: %w", err)
		}
		terms = append(terms, term)
	}
	return terms, rows.Err()
}

// Optimize merges the index b-trees.
func (x *Index) Optimize(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, "INSERT INTO message (message) VALUES ('optimize')"); err != nil {
		return fmt.Errorf("optimizing fts index: %w", err)
	}
	return nil
}

// MatchExpression renders a free-text query to an FTS5 MATCH
// expression. Plain words are phrase-quoted as a group, "+" words are
// ANDed in, "-" words are NOTed out and "?" words are ORed on; a query
// without prefixed words matches as a single quoted phrase.
func MatchExpression(query string) string {
	var word, plus, minus, opt []string
	for _, w := range strings.Fields(strings.TrimSpace(query)) {
		switch {
		case len(w) > 1 && strings.HasPrefix(w, "+"):
			plus = append(plus, w[1:])
		case len(w) > 1 && strings.HasPrefix(w, "-"):
			minus = append(minus, w[1:])
		case len(w) > 1 && strings.HasPrefix(w, "?"):
			opt = append(opt, w[1:])
		default:
			word = append(word, w)
		}
	}

	if len(plus)+len(minus)+len(opt) == 0 {
		return escapePhrase(query)
	}

	var sb strings.Builder
	if len(word) > 0 {
		sb.WriteString(escapePhrase(strings.Join(word, " ")))
	}
	for _, p := range plus {
		if sb.Len() > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(escapePhrase(p))
	}
	for _, m := range minus {
		if sb.Len() > 0 {
			sb.WriteString(" NOT ")
		}
		sb.WriteString(escapePhrase(m))
	}
	if sb.Len() > 0 {
		expr := sb.String()
		sb.Reset()
		sb.WriteString("(" + expr + ")")
	}
	for _, o := range opt {
		if sb.Len() > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString(escapePhrase(o))
	}

	if sb.Len() == 0 {
		return escapePhrase(query)
	}
	return sb.String()
}

// escapePhrase quotes a phrase for FTS5, doubling embedded quotes.
func escapePhrase(phrase string) string {
	return `"` + strings.ReplaceAll(phrase, `"`, `""`) + `"`
}
