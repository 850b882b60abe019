package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"mailscout/internal/model"
)

// InsertMessage inserts a message row and fills in the generated id.
// Returns ErrDuplicate when the folder already holds the UID, which
// happens when two boundary loads race on the same folder.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	sender, err := marshalList(msg.From)
	if err != nil {
		return err
	}
	to, err := marshalList(msg.To)
	if err != nil {
		return err
	}
	cc, err := marshalList(msg.Cc)
	if err != nil {
		return err
	}
	bcc, err := marshalList(msg.Bcc)
	if err != nil {
		return err
	}
	keywords, err := marshalList(msg.Keywords)
	if err != nil {
		return err
	}
	labels, err := marshalList(msg.Labels)
	if err != nil {
		return err
	}
	attachmentTypes, err := marshalList(msg.AttachmentTypes)
	if err != nil {
		return err
	}

	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO messages (
			account_id, folder_id, uid, msgid, thread_id,
			sender, recipients_to, recipients_cc, recipients_bcc,
			subject, keywords, labels, notes, headers, preview, size, received,
			seen, flagged, snoozed, encrypt,
			attachments, attachment_types, has_content, found
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.AccountID, msg.FolderID, msg.UID, msg.MsgID, msg.ThreadID,
		sender, to, cc, bcc,
		msg.Subject, keywords, labels, msg.Notes, msg.Headers, msg.Preview,
		msg.Size, msg.Received,
		boolToInt(msg.Seen), boolToInt(msg.Flagged), msg.Snoozed, msg.Encrypt,
		msg.Attachments, attachmentTypes,
		boolToInt(msg.HasContent), boolToInt(msg.Found),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}
	return nil
}

// GetMessage retrieves a single message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	rows, err := s.ext.QueryxContext(ctx, messageSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByUID retrieves a message by its folder and server UID.
func (s *SQLiteStore) GetMessageByUID(ctx context.Context, folderID, uid int64) (*model.Message, error) {
	rows, err := s.ext.QueryxContext(ctx,
		messageSelect+" WHERE folder_id = ? AND uid = ?", folderID, uid)
	if err != nil {
		return nil, fmt.Errorf("getting message uid %d: %w", uid, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages lists messages newest first, optionally restricted to a
// folder and to rows marked as server search results.
func (s *SQLiteStore) ListMessages(ctx context.Context, folderID *int64, foundOnly bool, limit, offset int) ([]model.Message, error) {
	var b strings.Builder
	b.WriteString(messageSelect)
	b.WriteString(" WHERE 1=1")

	var args []interface{}
	if folderID != nil {
		b.WriteString(" AND folder_id = ?")
		args = append(args, *folderID)
	}
	if foundOnly {
		b.WriteString(" AND found = 1")
	}
	b.WriteString(" ORDER BY received DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.ext.QueryxContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SetMessageFound marks a message as a search result. The update only
// fires on a transition, so the returned count is 1 the first time and
// 0 on every repeat; callers use it to count each hit exactly once.
func (s *SQLiteStore) SetMessageFound(ctx context.Context, id int64) (int, error) {
	res, err := s.ext.ExecContext(ctx,
		"UPDATE messages SET found = 1 WHERE id = ? AND NOT found", id)
	if err != nil {
		return 0, fmt.Errorf("marking message %d found: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("marking message %d found: %w", id, err)
	}
	return int(n), nil
}

// ResetSearch clears the found flag on all messages, preparing a new
// search session.
func (s *SQLiteStore) ResetSearch(ctx context.Context) error {
	if _, err := s.ext.ExecContext(ctx, "UPDATE messages SET found = 0 WHERE found"); err != nil {
		return fmt.Errorf("resetting search results: %w", err)
	}
	return nil
}

// MatchMessages runs one window of the structured-search query. Rows
// satisfying the structural filters come back with a computed matched
// flag telling whether the SQL text predicate already hit; rows that
// did not match structurally are filtered out entirely. Matched rows
// sort first, newest first, so a page of hits surfaces before the
// remainder the caller still has to check in Go.
func (s *SQLiteStore) MatchMessages(ctx context.Context, f MatchFilter) ([]TupleMatch, error) {
	var b strings.Builder
	var args []interface{}

	b.WriteString("SELECT id, ")
	if f.Pattern == nil {
		b.WriteString("1 AS matched")
	} else {
		var scopes []string
		if f.InSenders {
			scopes = append(scopes, "sender LIKE ?")
			args = append(args, *f.Pattern)
		}
		if f.InRecipients {
			scopes = append(scopes, "(recipients_to LIKE ? OR recipients_cc LIKE ? OR recipients_bcc LIKE ?)")
			args = append(args, *f.Pattern, *f.Pattern, *f.Pattern)
		}
		if f.InSubject {
			scopes = append(scopes, "subject LIKE ?")
			args = append(args, *f.Pattern)
		}
		if f.InKeywords {
			scopes = append(scopes, "keywords LIKE ?")
			args = append(args, *f.Pattern)
		}
		if f.InNotes {
			scopes = append(scopes, "notes LIKE ?")
			args = append(args, *f.Pattern)
		}
		if f.InHeaders {
			scopes = append(scopes, "headers LIKE ?")
			args = append(args, *f.Pattern)
		}
		if len(scopes) == 0 {
			b.WriteString("0 AS matched")
		} else {
			b.WriteString("(" + strings.Join(scopes, " OR ") + ") AS matched")
		}
	}
	b.WriteString(" FROM messages WHERE 1=1")

	if f.AccountID != nil {
		b.WriteString(" AND account_id = ?")
		args = append(args, *f.AccountID)
	}
	if f.FolderID != nil {
		b.WriteString(" AND folder_id = ?")
		args = append(args, *f.FolderID)
	}
	if len(f.Exclude) > 0 {
		in, inArgs, err := sqlx.In("folder_id NOT IN (?)", f.Exclude)
		if err != nil {
			return nil, fmt.Errorf("building exclude clause: %w", err)
		}
		b.WriteString(" AND " + in)
		args = append(args, inArgs...)
	}

	if f.WithHidden {
		b.WriteString(" AND snoozed IS NOT NULL")
	}
	if f.WithUnseen {
		b.WriteString(" AND NOT seen")
	}
	if f.WithFlagged {
		b.WriteString(" AND flagged")
	}
	if f.WithEncrypted {
		b.WriteString(" AND encrypt > 0")
	}
	if f.WithAttachments {
		b.WriteString(" AND attachments > 0")
	}
	if f.WithNotes {
		b.WriteString(" AND notes <> ''")
	}
	if len(f.Types) > 0 {
		var types []string
		for _, t := range f.Types {
			types = append(types, "attachment_types LIKE ?")
			args = append(args, "%"+t+"%")
		}
		b.WriteString(" AND (" + strings.Join(types, " OR ") + ")")
	}
	if f.Size != nil {
		b.WriteString(" AND size > ?")
		args = append(args, *f.Size)
	}
	if f.After != nil {
		b.WriteString(" AND received > ?")
		args = append(args, *f.After)
	}
	if f.Before != nil {
		b.WriteString(" AND received < ?")
		args = append(args, *f.Before)
	}

	b.WriteString(" ORDER BY matched DESC, received DESC LIMIT ? OFFSET ?")
	args = append(args, f.Limit, f.Offset)

	rows, err := s.ext.QueryxContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("matching messages: %w", err)
	}
	defer rows.Close()

	var tuples []TupleMatch
	for rows.Next() {
		var t TupleMatch
		var matched int
		if err := rows.Scan(&t.ID, &matched); err != nil {
			return nil, fmt.Errorf("scanning match row: %w", err)
		}
		t.Matched = matched != 0
		tuples = append(tuples, t)
	}
	return tuples, rows.Err()
}

const messageSelect = `
	SELECT id, account_id, folder_id, uid, msgid, thread_id,
	       sender, recipients_to, recipients_cc, recipients_bcc,
	       subject, keywords, labels, notes, headers, preview, size, received,
	       seen, flagged, snoozed, encrypt,
	       attachments, attachment_types, has_content, found
	FROM messages`

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		m       model.Message
		uid     sql.NullInt64
		sender  string
		to      string
		cc      string
		bcc     string
		kw      string
		labels  string
		atypes  string
		snoozed sql.NullTime
		seen    int
		flagged int
		content int
		found   int
	)
	err := rows.Scan(
		&m.ID, &m.AccountID, &m.FolderID, &uid, &m.MsgID, &m.ThreadID,
		&sender, &to, &cc, &bcc,
		&m.Subject, &kw, &labels, &m.Notes, &m.Headers, &m.Preview, &m.Size, &m.Received,
		&seen, &flagged, &snoozed, &m.Encrypt,
		&m.Attachments, &atypes, &content, &found,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	if uid.Valid {
		m.UID = &uid.Int64
	}
	if snoozed.Valid {
		t := snoozed.Time
		m.Snoozed = &t
	}
	m.Seen = seen != 0
	m.Flagged = flagged != 0
	m.HasContent = content != 0
	m.Found = found != 0

	lists := []struct {
		col  string
		dest *[]string
	}{
		{sender, &m.From}, {to, &m.To}, {cc, &m.Cc}, {bcc, &m.Bcc},
		{kw, &m.Keywords}, {labels, &m.Labels}, {atypes, &m.AttachmentTypes},
	}
	for _, l := range lists {
		if l.col == "" {
			continue
		}
		if err := json.Unmarshal([]byte(l.col), l.dest); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling message list column: %w", err)
		}
	}
	return m, nil
}

// marshalList serializes a string list to its JSON column form, with
// nil stored as an empty list.
func marshalList(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("marshaling list column: %w", err)
	}
	return string(data), nil
}
