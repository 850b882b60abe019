package search

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"mailscout/internal/fts"
	"mailscout/internal/model"
	"mailscout/internal/store"
	msync "mailscout/internal/sync"
)

// Local evaluates a criteria against the local store, via the
// full-text index or a windowed structured query.
type Local struct {
	store   store.Store
	index   *fts.Index
	bodyDir string

	accountID *int64
	folderID  *int64
	criteria  *Criteria
	pageSize  int

	logger *zap.Logger
}

// NewLocal builds a local matcher for one boundary. index may be nil
// when full-text search is disabled.
func NewLocal(st store.Store, index *fts.Index, bodyDir string, accountID, folderID *int64, criteria *Criteria, pageSize int, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		store:     st,
		index:     index,
		bodyDir:   bodyDir,
		accountID: accountID,
		folderID:  folderID,
		criteria:  criteria,
		pageSize:  pageSize,
		logger:    logger,
	}
}

// Close implements loader; the local path holds no session.
func (l *Local) Close(st *State, reset bool) {
	if reset {
		st.reset()
	}
}

// Load runs one page of local matching, returning how many messages
// newly gained the found flag.
func (l *Local) Load(ctx context.Context, st *State) (int, error) {
	exclude, err := l.excludedFolders(ctx)
	if err != nil {
		return 0, err
	}

	if l.criteria.FTS && l.criteria.Query != "" && l.index != nil {
		return l.loadFTS(ctx, st, exclude)
	}
	return l.loadStructured(ctx, st, exclude)
}

// excludedFolders resolves the trash/junk folders to skip when the
// search is not targeted at one folder.
func (l *Local) excludedFolders(ctx context.Context) ([]int64, error) {
	if l.folderID != nil {
		return nil, nil
	}

	var exclude []int64
	if !l.criteria.InTrash {
		folders, err := l.store.GetFoldersByType(ctx, model.FolderTrash)
		if err != nil {
			return nil, err
		}
		for _, f := range folders {
			exclude = append(exclude, f.ID)
		}
	}
	if !l.criteria.InJunk {
		folders, err := l.store.GetFoldersByType(ctx, model.FolderJunk)
		if err != nil {
			return nil, err
		}
		for _, f := range folders {
			exclude = append(exclude, f.ID)
		}
	}
	return exclude, nil
}

// loadFTS matches against the full-text index: one index lookup fills
// the id list, then each id is loaded and checked. The found-flag
// updates of the page happen in a single transaction.
func (l *Local) loadFTS(ctx context.Context, st *State, exclude []int64) (int, error) {
	if st.ids == nil {
		ids, err := l.index.Match(ctx, fts.Filter{
			AccountID: l.accountID,
			FolderID:  l.folderID,
			Exclude:   exclude,
			After:     l.criteria.After,
			Before:    l.criteria.Before,
		}, l.criteria.Query, searchLimitDevice)
		if err != nil {
			return 0, err
		}
		st.ids = ids
		l.logger.Debug("fts candidates", zap.Int("count", len(ids)))
	}

	query := strings.ToLower(l.criteria.Query)

	found := 0
	err := l.store.WithTx(ctx, func(tx store.Store) error {
		for ; st.index < len(st.ids) && found < l.pageSize && !st.Destroyed(); st.index++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			id := st.ids[st.index]
			msg, err := tx.GetMessage(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			if l.criteria.WithUnseen && msg.Seen {
				continue
			}
			if l.criteria.WithFlagged && !msg.Flagged {
				continue
			}
			if l.criteria.WithHidden && msg.Snoozed == nil {
				continue
			}
			if l.criteria.WithEncrypted && msg.Encrypt == model.EncryptNone {
				continue
			}
			if contains64(exclude, msg.FolderID) {
				continue
			}

			if !l.matchScopes(msg, query, id) {
				continue
			}

			n, err := tx.SetMessageFound(ctx, id)
			if err != nil {
				return err
			}
			found += n
		}
		return nil
	})
	if err != nil {
		return found, err
	}
	return found, nil
}

// matchScopes ORs the enabled scope checks over an already
// index-matched message.
func (l *Local) matchScopes(msg *model.Message, query string, id int64) bool {
	if l.criteria.InSenders && containsAny(msg.From, query) {
		return true
	}
	if l.criteria.InRecipients &&
		(containsAny(msg.To, query) || containsAny(msg.Cc, query) || containsAny(msg.Bcc, query)) {
		return true
	}
	if l.criteria.InSubject && strings.Contains(strings.ToLower(msg.Subject), query) {
		return true
	}
	if l.criteria.InKeywords && containsAny(msg.Keywords, query) {
		return true
	}
	if l.criteria.InNotes && strings.Contains(strings.ToLower(msg.Notes), query) {
		return true
	}
	if l.criteria.InMessage {
		if matched, _ := l.matchBody(id, query, false); matched {
			return true
		}
	}
	return false
}

// matchBody checks the stored body file: the raw content must contain
// the query and, unless html matching is requested, the extracted text
// must as well. A missing or unreadable file never matches.
func (l *Local) matchBody(id int64, query string, html bool) (bool, error) {
	raw, ok, err := msync.ReadBody(l.bodyDir, id)
	if err != nil {
		l.logger.Warn("body not readable", zap.Int64("id", id), zap.Error(err))
		return false, err
	}
	if !ok {
		return false, nil
	}

	if !strings.Contains(strings.ToLower(raw), query) {
		return false, nil
	}
	if html {
		return true, nil
	}
	text := msync.ExtractText(raw)
	return strings.Contains(strings.ToLower(text), query), nil
}

// loadStructured pages the windowed predicate query, falling back to
// body-content checks for rows the SQL pattern did not already match.
func (l *Local) loadStructured(ctx context.Context, st *State, exclude []int64) (int, error) {
	query := strings.ToLower(l.criteria.Query)

	found := 0
	for found < l.pageSize && !st.Destroyed() {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		if st.matches == nil || (len(st.matches) > 0 && st.index >= len(st.matches)) {
			filter := store.MatchFilter{
				AccountID: l.accountID,
				FolderID:  l.folderID,
				Exclude:   exclude,

				InSenders:    l.criteria.InSenders,
				InRecipients: l.criteria.InRecipients,
				InSubject:    l.criteria.InSubject,
				InKeywords:   l.criteria.InKeywords,
				InMessage:    l.criteria.InMessage,
				InNotes:      l.criteria.InNotes,
				InHeaders:    l.criteria.InHeaders,

				WithUnseen:      l.criteria.WithUnseen,
				WithFlagged:     l.criteria.WithFlagged,
				WithHidden:      l.criteria.WithHidden,
				WithEncrypted:   l.criteria.WithEncrypted,
				WithAttachments: l.criteria.WithAttachments,
				WithNotes:       l.criteria.WithNotes,

				Types: l.criteria.WithTypes,
				Size:  l.criteria.WithSize,

				After:  l.criteria.After,
				Before: l.criteria.Before,

				Limit:  searchLimitDevice,
				Offset: st.offset,
			}
			if l.criteria.Query != "" {
				pattern := "%" + l.criteria.Query + "%"
				filter.Pattern = &pattern
			}

			matches, err := l.store.MatchMessages(ctx, filter)
			if err != nil {
				return found, err
			}
			if matches == nil {
				matches = []store.TupleMatch{}
			}
			st.matches = matches
			st.offset += min(len(matches), searchLimitDevice)
			st.index = 0
			l.logger.Debug("structured window",
				zap.Int("size", len(matches)),
				zap.Int("offset", st.offset))
		}

		if len(st.matches) == 0 {
			break
		}

		for i := st.index; i < len(st.matches) && found < l.pageSize && !st.Destroyed(); i++ {
			st.index = i + 1

			match := st.matches[i]
			matched := match.Matched

			if !matched && l.criteria.Query != "" && (l.criteria.InMessage || l.criteria.InHTML) {
				matched, _ = l.matchBody(match.ID, query, l.criteria.InHTML)
			}

			if !matched {
				continue
			}
			n, err := l.store.SetMessageFound(ctx, match.ID)
			if err != nil {
				return found, err
			}
			found += n
		}
	}
	return found, nil
}

func containsAny(values []string, query string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), query) {
			return true
		}
	}
	return false
}

func contains64(values []int64, v int64) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
