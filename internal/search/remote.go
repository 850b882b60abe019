package search

import (
	"context"
	"errors"
	"strings"

	"github.com/emersion/go-imap"
	"go.uber.org/zap"

	"mailscout/internal/imapx"
	"mailscout/internal/model"
	"mailscout/internal/store"
	msync "mailscout/internal/sync"
)

// RemoteSession is the slice of the session surface the remote path
// needs; *imapx.Session implements it, tests substitute fakes.
type RemoteSession interface {
	Connect(ctx context.Context, account *model.Account) error
	Select(name string) (*imap.MailboxStatus, error)
	ReadOnly() bool
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	RawSearch(query string) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error)
	SupportsRawSearch() bool
	Close()
}

var _ RemoteSession = (*imapx.Session)(nil)

// Remote translates a criteria into a server-side SEARCH (or plain
// listing), then pages the result set backward, synchronizing unknown
// messages into the store.
type Remote struct {
	store      store.Store
	sync       *msync.Synchronizer
	probe      msync.Prober
	newSession func() RemoteSession

	accountID *int64
	folderID  *int64
	criteria  *Criteria
	pageSize  int

	// Browse-mode flag filters, applied when criteria is nil.
	FilterSeen      bool
	FilterUnflagged bool

	logger *zap.Logger
}

// NewRemote builds a remote searcher for one boundary.
func NewRemote(st store.Store, sync *msync.Synchronizer, probe msync.Prober, newSession func() RemoteSession, accountID, folderID *int64, criteria *Criteria, pageSize int, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	if probe == nil {
		probe = msync.LiveProber{}
	}
	return &Remote{
		store:      st,
		sync:       sync,
		probe:      probe,
		newSession: newSession,
		accountID:  accountID,
		folderID:   folderID,
		criteria:   criteria,
		pageSize:   pageSize,
		logger:     logger,
	}
}

// Close tears down the state's session. It never fails; a close racing
// a blocked read simply makes that read fail at the protocol layer.
func (r *Remote) Close(st *State, reset bool) {
	if st.session != nil {
		st.session.Close()
	}
	if reset {
		st.reset()
	}
}

// Load opens the session and runs the search on first use, then
// consumes one page of result handles.
func (r *Remote) Load(ctx context.Context, st *State) (int, error) {
	browsable, err := r.store.GetBrowsableFolder(ctx, r.folderID, r.criteria != nil)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !browsable.Selectable || browsable.Local {
		return 0, nil
	}

	account, err := r.store.GetAccount(ctx, browsable.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if st.remote == nil {
		if err := r.open(ctx, st, account, browsable); err != nil {
			return 0, err
		}
	}

	return r.syncPage(ctx, st, account, browsable)
}

// open connects, selects the folder, and materializes the result set,
// leaving the cursor at the newest message.
func (r *Remote) open(ctx context.Context, st *State, account *model.Account, browsable *model.Folder) error {
	if !r.probe.State().IsSuitable() {
		return &imapx.Error{Kind: imapx.KindConnectivity, Message: "no usable network"}
	}

	r.logger.Info("boundary connecting",
		zap.String("account", account.Name),
		zap.String("folder", browsable.Name))

	sess := r.newSession()
	if err := sess.Connect(ctx, account); err != nil {
		return err
	}
	st.session = sess
	st.folder = browsable.ID

	status, err := sess.Select(browsable.Name)
	if err != nil {
		return err
	}
	if err := r.store.SetFolderReadOnly(ctx, browsable.ID, sess.ReadOnly()); err != nil {
		return err
	}
	if err := r.store.SetFolderError(ctx, browsable.ID, nil); err != nil {
		return err
	}
	total := int(status.Messages)
	if err := r.store.SetFolderTotal(ctx, browsable.ID, &total); err != nil {
		return err
	}

	var ids []uint32
	if r.criteria == nil {
		ids, err = r.browse(sess, status)
	} else {
		ids, err = r.search(sess, status, browsable)
	}
	if err != nil {
		return err
	}

	if len(ids) > searchLimitServer {
		// Newest messages have the highest sequence numbers; keep
		// those when capping.
		ids = ids[len(ids)-searchLimitServer:]
	}

	r.logger.Info("boundary result set", zap.Int("messages", len(ids)))
	st.remote = ids
	st.index = len(ids) - 1
	return nil
}

// browse lists the folder, optionally filtered by the configured
// seen/flagged exclusions when the mailbox supports those flags.
func (r *Remote) browse(sess RemoteSession, status *imap.MailboxStatus) ([]uint32, error) {
	var and []*Term
	if r.FilterSeen && hasPermanentFlag(status, imap.SeenFlag) {
		and = append(and, FlagTerm(imap.SeenFlag, false))
	}
	if r.FilterUnflagged && hasPermanentFlag(status, imap.FlaggedFlag) {
		and = append(and, FlagTerm(imap.FlaggedFlag, true))
	}

	if len(and) == 0 {
		return allMessages(status), nil
	}
	return sess.Search(And(and...).Criteria())
}

// search resolves the criteria to a result set: the vendor raw path
// for archive searches on providers that support it, otherwise a
// standard SEARCH with a UTF-8 attempt and an ASCII-folded retry.
func (r *Remote) search(sess RemoteSession, status *imap.MailboxStatus, browsable *model.Folder) ([]uint32, error) {
	if strings.HasPrefix(r.criteria.Query, "raw:") &&
		sess.SupportsRawSearch() &&
		browsable.Type == model.FolderArchive {
		r.logger.Debug("raw search", zap.String("query", r.criteria.Query))
		return sess.RawSearch(strings.TrimPrefix(r.criteria.Query, "raw:"))
	}

	ids, err := r.searchTerms(sess, status, browsable, true)
	if err == nil {
		return ids, nil
	}
	r.logger.Warn("utf-8 search failed, retrying with ascii fallback", zap.Error(err))
	return r.searchTerms(sess, status, browsable, false)
}

func (r *Remote) searchTerms(sess RemoteSession, status *imap.MailboxStatus, browsable *model.Folder, utf8 bool) ([]uint32, error) {
	term := r.criteria.Terms(utf8, status.PermanentFlags, browsable.Keywords)
	if term == nil {
		return allMessages(status), nil
	}
	return sess.Search(term.Criteria())
}

// syncPage walks the result cursor backward, materializing unknown
// messages and counting hits.
func (r *Remote) syncPage(ctx context.Context, st *State, account *model.Account, browsable *model.Folder) (int, error) {
	found := 0
	for st.index >= 0 && found < r.pageSize && !st.Destroyed() {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		from := max(0, st.index-(r.pageSize-found)+1)
		batch := st.remote[from : st.index+1]
		st.index -= r.pageSize - found

		n, err := r.syncBatch(ctx, st, account, browsable, batch, r.pageSize-found)
		found += n
		if err != nil {
			return found, err
		}
	}

	if st.index < 0 {
		// The result set is exhausted; keeping the session open buys
		// nothing.
		r.Close(st, false)
	}
	return found, nil
}

// syncBatch handles one fetch batch: a UID-only fetch to find which
// handles are already stored, one enriched fetch for the rest, then a
// newest-first synchronization walk.
func (r *Remote) syncBatch(ctx context.Context, st *State, account *model.Account, browsable *model.Folder, batch []uint32, budget int) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	sess := st.session
	if sess == nil {
		return 0, &imapx.Error{Kind: imapx.KindChannelClosed, Message: "session closed"}
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(batch...)

	uidMsgs, err := sess.Fetch(seqset, []imap.FetchItem{imap.FetchUid})
	if err != nil {
		return 0, err
	}
	uids := make(map[uint32]uint32, len(uidMsgs))
	for _, m := range uidMsgs {
		uids[m.SeqNum] = m.Uid
	}

	// Fetch full data only for handles the store does not know yet.
	unknown := new(imap.SeqSet)
	unknownCount := 0
	for _, seq := range batch {
		uid, ok := uids[seq]
		if !ok {
			continue
		}
		_, err := r.store.GetMessageByUID(ctx, browsable.ID, int64(uid))
		if errors.Is(err, store.ErrNotFound) {
			unknown.AddNum(seq)
			unknownCount++
		} else if err != nil {
			return 0, err
		}
	}

	fetched := make(map[uint32]*imap.Message, unknownCount)
	if unknownCount > 0 {
		items := []imap.FetchItem{
			imap.FetchEnvelope,
			imap.FetchFlags,
			imap.FetchBodyStructure,
			imap.FetchUid,
			imap.FetchRFC822Header,
			imap.FetchRFC822Size,
			imap.FetchInternalDate,
		}
		if account.IsGmail() {
			items = append(items, msync.ItemThreadID, msync.ItemLabels)
		}
		msgs, err := sess.Fetch(unknown, items)
		if err != nil {
			return 0, err
		}
		for _, m := range msgs {
			fetched[m.SeqNum] = m
		}
	}

	net := r.probe.State()

	found := 0
	for j := len(batch) - 1; j >= 0 && found < budget && !st.Destroyed() && net.IsSuitable(); j-- {
		seq := batch[j]
		uid, ok := uids[seq]
		if !ok {
			continue
		}

		n, err := r.syncOne(ctx, account, browsable, uid, fetched[seq])
		found += n
		if err != nil {
			switch imapx.ClassifyKind(err) {
			case imapx.KindMessageGone:
				r.logger.Warn("message gone", zap.Uint32("uid", uid), zap.Error(err))
			case imapx.KindChannelClosed, imapx.KindCanceled:
				return found, err
			default:
				msg := err.Error()
				if serr := r.store.SetFolderError(ctx, browsable.ID, &msg); serr != nil {
					r.logger.Warn("folder error not recorded", zap.Error(serr))
				}
				r.logger.Error("message sync failed", zap.Uint32("uid", uid), zap.Error(err))
			}
		}
	}
	return found, nil
}

// syncOne materializes a single message if it is still unknown and
// counts it: browse mode counts every newly stored message, search
// mode counts found-flag transitions.
func (r *Remote) syncOne(ctx context.Context, account *model.Account, browsable *model.Folder, uid uint32, raw *imap.Message) (int, error) {
	msg, err := r.store.GetMessageByUID(ctx, browsable.ID, int64(uid))
	synchronized := false

	if errors.Is(err, store.ErrNotFound) {
		if raw == nil {
			return 0, &imapx.Error{Kind: imapx.KindMessageGone, Message: "message vanished between fetches"}
		}
		msg, err = r.sync.SynchronizeMessage(ctx, account, browsable, raw)
		if errors.Is(err, store.ErrDuplicate) {
			// Another boundary load stored it first; not counted.
			r.logger.Debug("duplicate message", zap.Uint32("uid", uid))
		} else if err != nil {
			return 0, err
		} else {
			synchronized = true
		}
	} else if err != nil {
		return 0, err
	}

	if msg == nil {
		return 0, nil
	}
	if r.criteria == nil {
		if synchronized {
			return 1, nil
		}
		return 0, nil
	}
	return r.store.SetMessageFound(ctx, msg.ID)
}

func hasPermanentFlag(status *imap.MailboxStatus, flag string) bool {
	for _, f := range status.PermanentFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// allMessages returns the full sequence range of a mailbox.
func allMessages(status *imap.MailboxStatus) []uint32 {
	ids := make([]uint32, 0, status.Messages)
	for seq := uint32(1); seq <= status.Messages; seq++ {
		ids = append(ids, seq)
	}
	return ids
}
