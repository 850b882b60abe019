// Package sync turns raw protocol messages into persisted entities and
// probes network connectivity for the session layer.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"go.uber.org/zap"

	"mailscout/internal/fts"
	"mailscout/internal/model"
	"mailscout/internal/store"
)

// Gmail fetch extensions carrying conversation metadata.
const (
	ItemThreadID imap.FetchItem = "X-GM-THRID"
	ItemLabels   imap.FetchItem = "X-GM-LABELS"
)

// Synchronizer materializes fetched messages into the store, writes
// their rendered bodies to disk, and feeds the full-text index.
type Synchronizer struct {
	store   store.Store
	index   *fts.Index
	bodyDir string
	logger  *zap.Logger
}

// NewSynchronizer builds a synchronizer. The index may be nil when
// full-text search is disabled.
func NewSynchronizer(st store.Store, index *fts.Index, bodyDir string, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{store: st, index: index, bodyDir: bodyDir, logger: logger}
}

// SynchronizeMessage converts one fetched message into a persisted
// entity. A duplicate row, from another boundary load racing on the
// same folder, returns the already-stored message and no error.
func (s *Synchronizer) SynchronizeMessage(ctx context.Context, account *model.Account, folder *model.Folder, raw *imap.Message) (*model.Message, error) {
	if raw.Envelope == nil {
		return nil, fmt.Errorf("message %d has no envelope", raw.SeqNum)
	}

	uid := int64(raw.Uid)
	msg := &model.Message{
		AccountID: account.ID,
		FolderID:  folder.ID,
		UID:       &uid,
		MsgID:     raw.Envelope.MessageId,
		From:      formatAddresses(raw.Envelope.From),
		To:        formatAddresses(raw.Envelope.To),
		Cc:        formatAddresses(raw.Envelope.Cc),
		Bcc:       formatAddresses(raw.Envelope.Bcc),
		Subject:   decodeHeader(raw.Envelope.Subject),
		Size:      int64(raw.Size),
		Received:  raw.InternalDate,
	}
	if msg.Received.IsZero() {
		msg.Received = raw.Envelope.Date
	}

	for _, flag := range raw.Flags {
		switch flag {
		case imap.SeenFlag:
			msg.Seen = true
		case imap.FlaggedFlag:
			msg.Flagged = true
		case imap.RecentFlag, imap.AnsweredFlag, imap.DeletedFlag, imap.DraftFlag:
			// System flags without a column of their own.
		default:
			msg.Keywords = append(msg.Keywords, flag)
		}
	}

	if raw.BodyStructure != nil {
		countAttachments(raw.BodyStructure, msg)
		msg.Encrypt = detectEncryption(raw.BodyStructure)
	}

	if info := ThreadInfo(raw); info != nil {
		msg.ThreadID = info.ThreadID
		msg.Labels = info.Labels
	}

	headers, body := bodySections(raw)
	msg.Headers = headers
	if body != "" {
		msg.Preview = preview(ExtractText(body))
		msg.HasContent = true
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			existing, gerr := s.store.GetMessageByUID(ctx, folder.ID, uid)
			if gerr != nil {
				return nil, err
			}
			return existing, err
		}
		return nil, err
	}

	if body != "" {
		if err := WriteBody(s.bodyDir, msg.ID, body); err != nil {
			s.logger.Warn("body not stored", zap.Int64("id", msg.ID), zap.Error(err))
		}
	}

	if s.index != nil && msg.HasContent {
		if err := s.index.Insert(ctx, msg, ExtractText(body)); err != nil {
			s.logger.Warn("message not indexed", zap.Int64("id", msg.ID), zap.Error(err))
		}
	}

	return msg, nil
}

// ThreadInfo extracts Gmail conversation metadata from a fetched
// message when present.
func ThreadInfo(raw *imap.Message) *model.ThreadInfo {
	if raw.Items == nil {
		return nil
	}

	var info model.ThreadInfo
	if v, ok := raw.Items[ItemThreadID]; ok {
		info.ThreadID = fmt.Sprint(v)
	}
	if v, ok := raw.Items[ItemLabels]; ok {
		if labels, ok := v.([]interface{}); ok {
			for _, l := range labels {
				if label, err := imap.ParseString(l); err == nil {
					info.Labels = append(info.Labels, label)
				}
			}
		}
	}
	if info.ThreadID == "" && len(info.Labels) == 0 {
		return nil
	}
	return &info
}

// bodySections pulls the header block and the text body out of the
// fetched literals.
func bodySections(raw *imap.Message) (headers, body string) {
	for section, literal := range raw.Body {
		if literal == nil {
			continue
		}
		data, err := io.ReadAll(literal)
		if err != nil {
			continue
		}
		switch section.Specifier {
		case imap.HeaderSpecifier:
			headers = string(data)
		case imap.TextSpecifier, imap.EntireSpecifier:
			body = string(data)
		}
	}
	return headers, body
}

// formatAddresses renders envelope addresses as "Name <box@host>" or
// plain "box@host".
func formatAddresses(addrs []*imap.Address) []string {
	var out []string
	for _, a := range addrs {
		if a == nil {
			continue
		}
		email := a.Address()
		name := decodeHeader(a.PersonalName)
		if name != "" {
			out = append(out, name+" <"+email+">")
		} else {
			out = append(out, email)
		}
	}
	return out
}

// decodeHeader decodes RFC 2047 encoded words; undecodable input is
// kept as-is.
func decodeHeader(s string) string {
	dec := &mime.WordDecoder{CharsetReader: message.CharsetReader}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// countAttachments walks a body structure counting attachment parts
// and collecting their MIME types.
func countAttachments(bs *imap.BodyStructure, msg *model.Message) {
	if bs == nil {
		return
	}
	if strings.EqualFold(bs.Disposition, "attachment") ||
		(bs.DispositionParams != nil && bs.DispositionParams["filename"] != "") {
		msg.Attachments++
		msg.AttachmentTypes = append(msg.AttachmentTypes,
			strings.ToLower(bs.MIMEType+"/"+bs.MIMESubType))
	}
	for _, part := range bs.Parts {
		countAttachments(part, msg)
	}
}

// detectEncryption classifies a body structure as PGP or S/MIME.
func detectEncryption(bs *imap.BodyStructure) int {
	mimeType := strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType)
	protocol := ""
	if bs.Params != nil {
		protocol = strings.ToLower(bs.Params["protocol"])
	}

	switch {
	case mimeType == "multipart/encrypted" && protocol == "application/pgp-encrypted":
		return model.EncryptPGP
	case mimeType == "application/pkcs7-mime", mimeType == "application/x-pkcs7-mime":
		return model.EncryptSMIME
	case mimeType == "multipart/encrypted":
		return model.EncryptUnknown
	}

	for _, part := range bs.Parts {
		if e := detectEncryption(part); e != model.EncryptNone {
			return e
		}
	}
	return model.EncryptNone
}

// preview returns the first line's worth of extracted text.
func preview(text string) string {
	const max = 128
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > max {
		return text[:max]
	}
	return text
}
