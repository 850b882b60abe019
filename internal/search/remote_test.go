package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailscout/internal/imapx"
	"mailscout/internal/model"
	"mailscout/internal/store"
	msync "mailscout/internal/sync"
	"mailscout/tests/testutil"
)

// fakeProber reports a fixed network state.
type fakeProber struct {
	state msync.NetworkState
}

func (p fakeProber) State() msync.NetworkState { return p.state }

func onlineProber() fakeProber {
	return fakeProber{state: msync.NetworkState{Connected: true, IPv4: true}}
}

// fakeSession is a scripted RemoteSession. Message data is generated
// per sequence number; UID equals the sequence number.
type fakeSession struct {
	mu sync.Mutex

	connectErr   error
	connectCalls int

	status      *imap.MailboxStatus
	searchIDs   []uint32
	searchErrs  []error
	searchCalls int
	supportsRaw bool
	rawQueries  []string
	closed      bool
}

func newFakeSession(messages uint32) *fakeSession {
	return &fakeSession{
		status: &imap.MailboxStatus{Messages: messages},
	}
}

func (f *fakeSession) Connect(ctx context.Context, account *model.Account) error {
	f.mu.Lock()
	f.connectCalls++
	f.mu.Unlock()
	return f.connectErr
}

func (f *fakeSession) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeSession) Select(name string) (*imap.MailboxStatus, error) {
	return f.status, nil
}

func (f *fakeSession) ReadOnly() bool { return true }

func (f *fakeSession) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if len(f.searchErrs) > 0 {
		err := f.searchErrs[0]
		f.searchErrs = f.searchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.searchIDs, nil
}

func (f *fakeSession) RawSearch(query string) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawQueries = append(f.rawQueries, query)
	return f.searchIDs, nil
}

func (f *fakeSession) Fetch(seqset *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error) {
	uidOnly := len(items) == 1 && items[0] == imap.FetchUid

	var out []*imap.Message
	for seq := uint32(1); seq <= f.status.Messages; seq++ {
		if !seqset.Contains(seq) {
			continue
		}
		if uidOnly {
			out = append(out, &imap.Message{SeqNum: seq, Uid: seq})
			continue
		}
		out = append(out, &imap.Message{
			SeqNum: seq,
			Uid:    seq,
			Envelope: &imap.Envelope{
				MessageId: fmt.Sprintf("<%d@example.com>", seq),
				Subject:   fmt.Sprintf("message %d", seq),
				Date:      time.Now().Add(-time.Duration(seq) * time.Hour),
			},
			InternalDate: time.Now().Add(-time.Duration(seq) * time.Hour),
		})
	}
	return out, nil
}

func (f *fakeSession) SupportsRawSearch() bool { return f.supportsRaw }

func (f *fakeSession) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func remoteFixture(t *testing.T, sess *fakeSession, criteria *Criteria, pageSize int) (*Remote, *store.SQLiteStore, int64) {
	t.Helper()
	st, _, folderID := seedEmptyMailbox(t)
	syncer := msync.NewSynchronizer(st, nil, t.TempDir(), nil)
	r := NewRemote(st, syncer, onlineProber(),
		func() RemoteSession { return sess },
		nil, &folderID, criteria, pageSize, nil)
	return r, st, folderID
}

func seedEmptyMailbox(t *testing.T) (*store.SQLiteStore, int64, int64) {
	t.Helper()
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	account := model.Account{Name: "test", Host: "imap.example.com", Port: 993, User: "u"}
	require.NoError(t, st.UpsertAccount(ctx, &account))
	inbox := model.Folder{AccountID: account.ID, Name: "INBOX", Type: model.FolderInbox, Selectable: true}
	require.NoError(t, st.UpsertFolder(ctx, &inbox))
	return st, account.ID, inbox.ID
}

func TestRemoteSearchSynchronizesAndMarks(t *testing.T) {
	sess := newFakeSession(10)
	sess.searchIDs = []uint32{2, 3, 5, 7}

	criteria := NewCriteria("hello")
	r, st, folderID := remoteFixture(t, sess, criteria, 20)

	state := &State{}
	found, err := r.Load(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 4, found)

	// The result set is exhausted, so the session was closed.
	assert.True(t, sess.closed)

	msgs, err := st.ListMessages(context.Background(), &folderID, true, 100, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	// A second load finds nothing more.
	found, err = r.Load(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 0, found)
}

func TestRemoteAlreadyFoundMessagesNotRecounted(t *testing.T) {
	sess := newFakeSession(4)
	sess.searchIDs = []uint32{1, 2}

	criteria := NewCriteria("hello")
	r, _, _ := remoteFixture(t, sess, criteria, 20)

	state := &State{}
	found, err := r.Load(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, found)

	// A fresh state re-runs the search; the messages are known and
	// already marked, so nothing counts as newly found.
	state = &State{}
	found, err = r.Load(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 0, found)
}

func TestRemoteConnectFailureLeavesStateRetryable(t *testing.T) {
	sess := newFakeSession(0)
	sess.connectErr = fmt.Errorf("connection refused")

	r, _, _ := remoteFixture(t, sess, NewCriteria("x"), 20)

	state := &State{}
	_, err := r.Load(context.Background(), state)
	require.Error(t, err)
	// The reconnect policy lives in the boundary; Load only reports.
	assert.False(t, state.error)
}

func TestBoundaryReconnectsOnceOnConnectFailure(t *testing.T) {
	sess := newFakeSession(0)
	sess.connectErr = fmt.Errorf("connection refused")

	r, _, _ := remoteFixture(t, sess, NewCriteria("x"), 20)
	cb := newRecordingCallback()

	b := NewBoundary(true, nil, r, nil, nil, nil)
	defer b.Shutdown()
	b.AttachCallback(cb)

	b.OnBoundaryTriggered()
	require.Error(t, cb.waitError(t))
	cb.waitLoaded(t)
	assert.Equal(t, 2, sess.connects(), "a failed connect gets exactly one reconnect")
}

func TestRemoteBrowseCountsNewMessages(t *testing.T) {
	sess := newFakeSession(6)

	r, _, _ := remoteFixture(t, sess, nil, 10)

	state := &State{}
	found, err := r.Load(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 6, found)

	// Browsing again stores nothing new.
	state = &State{}
	found, err = r.Load(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 0, found)
}

func TestRemoteBrowsePages(t *testing.T) {
	sess := newFakeSession(5)

	r, _, _ := remoteFixture(t, sess, nil, 2)

	state := &State{}
	var pages []int
	for {
		found, err := r.Load(context.Background(), state)
		require.NoError(t, err)
		pages = append(pages, found)
		if found == 0 {
			break
		}
	}
	assert.Equal(t, []int{2, 2, 1, 0}, pages)
}

func TestRemoteRawSearchOnArchive(t *testing.T) {
	sess := newFakeSession(3)
	sess.supportsRaw = true
	sess.searchIDs = []uint32{1}

	st, accountID, _ := seedEmptyMailbox(t)
	ctx := context.Background()
	archive := model.Folder{AccountID: accountID, Name: "[Gmail]/All Mail", Type: model.FolderArchive, Selectable: true}
	require.NoError(t, st.UpsertFolder(ctx, &archive))

	syncer := msync.NewSynchronizer(st, nil, t.TempDir(), nil)
	criteria := NewCriteria("raw:from:amy has:attachment")
	r := NewRemote(st, syncer, onlineProber(),
		func() RemoteSession { return sess },
		nil, &archive.ID, criteria, 10, nil)

	state := &State{}
	_, err := r.Load(ctx, state)
	require.NoError(t, err)
	require.Len(t, sess.rawQueries, 1)
	assert.Equal(t, "from:amy has:attachment", sess.rawQueries[0])
	assert.Zero(t, sess.searchCalls, "the vendor path must bypass standard SEARCH")
}

func TestRemoteASCIIFallbackAfterUTF8Failure(t *testing.T) {
	sess := newFakeSession(2)
	sess.searchIDs = []uint32{1}
	sess.searchErrs = []error{fmt.Errorf("BADCHARSET")}

	r, _, _ := remoteFixture(t, sess, NewCriteria("caffè"), 10)

	state := &State{}
	found, err := r.Load(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.Equal(t, 2, sess.searchCalls)
}

func TestRemoteCapsServerResults(t *testing.T) {
	sess := newFakeSession(400)
	ids := make([]uint32, 300)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}
	sess.searchIDs = ids

	r, _, _ := remoteFixture(t, sess, NewCriteria("x"), 1)

	state := &State{}
	_, err := r.Load(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, state.remote, searchLimitServer)
	// The newest messages, highest sequence numbers, survive the cap.
	assert.Equal(t, uint32(51), state.remote[0])
	assert.Equal(t, uint32(300), state.remote[len(state.remote)-1])
}

func TestRemoteOfflineFailsFast(t *testing.T) {
	sess := newFakeSession(2)

	st, _, folderID := seedEmptyMailbox(t)
	syncer := msync.NewSynchronizer(st, nil, t.TempDir(), nil)
	r := NewRemote(st, syncer, fakeProber{},
		func() RemoteSession { return sess },
		nil, &folderID, NewCriteria("x"), 10, nil)

	state := &State{}
	_, err := r.Load(context.Background(), state)
	require.Error(t, err)
	assert.False(t, sess.closed)
	assert.Zero(t, sess.connects(), "no dial without a usable network")
	assert.Equal(t, imapx.KindConnectivity, imapx.ClassifyKind(err))
}
