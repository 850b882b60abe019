package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailscout/internal/model"
	"mailscout/tests/testutil"
)

type fixedProber struct {
	state NetworkState
}

func (p fixedProber) State() NetworkState { return p.state }

type fakePollSession struct {
	messages uint32

	connects int
	closed   bool
}

func (s *fakePollSession) Connect(ctx context.Context, account *model.Account) error {
	s.connects++
	return nil
}

func (s *fakePollSession) Select(name string) (*imap.MailboxStatus, error) {
	return &imap.MailboxStatus{Name: name, Messages: s.messages}, nil
}

func (s *fakePollSession) Fetch(seqset *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error) {
	var out []*imap.Message
	for seq := uint32(1); seq <= s.messages; seq++ {
		if !seqset.Contains(seq) {
			continue
		}
		out = append(out, &imap.Message{
			SeqNum: seq,
			Uid:    seq,
			Envelope: &imap.Envelope{
				MessageId: fmt.Sprintf("<%d@example.com>", seq),
				Subject:   fmt.Sprintf("message %d", seq),
				Date:      time.Now(),
			},
			InternalDate: time.Now(),
		})
	}
	return out, nil
}

func (s *fakePollSession) Close() { s.closed = true }

func pollerFixture(t *testing.T, sess PollSession) (*Poller, int64) {
	t.Helper()
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	account := &model.Account{Name: "test", Host: "imap.example.com", Port: 993}
	require.NoError(t, st.UpsertAccount(ctx, account))
	folder := &model.Folder{AccountID: account.ID, Name: "INBOX", Type: model.FolderInbox, Selectable: true}
	require.NoError(t, st.UpsertFolder(ctx, folder))

	syncr := NewSynchronizer(st, nil, t.TempDir(), nil)
	p := NewPoller(st, syncr, func() PollSession { return sess }, fixedProber{NetworkState{Connected: true, IPv4: true}},
		account, folder.ID, time.Minute, nil)
	return p, folder.ID
}

func TestPollerStoresNewArrivals(t *testing.T) {
	sess := &fakePollSession{messages: 3}
	p, folderID := pollerFixture(t, sess)
	ctx := context.Background()

	count, err := p.check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.True(t, sess.closed)

	folder, err := p.store.GetFolder(ctx, folderID)
	require.NoError(t, err)
	require.NotNil(t, folder.Total)
	assert.Equal(t, 3, *folder.Total)

	msgs, err := p.store.ListMessages(ctx, &folderID, false, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestPollerSkipsWhenNothingNew(t *testing.T) {
	sess := &fakePollSession{messages: 3}
	p, _ := pollerFixture(t, sess)
	ctx := context.Background()

	_, err := p.check(ctx)
	require.NoError(t, err)

	count, err := p.check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPollerPicksUpOnlyTheTail(t *testing.T) {
	sess := &fakePollSession{messages: 3}
	p, folderID := pollerFixture(t, sess)
	ctx := context.Background()

	_, err := p.check(ctx)
	require.NoError(t, err)

	sess.messages = 5
	count, err := p.check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	msgs, err := p.store.ListMessages(ctx, &folderID, false, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestPollerOfflineSkipsCycle(t *testing.T) {
	sess := &fakePollSession{messages: 3}
	p, _ := pollerFixture(t, sess)
	p.probe = fixedProber{}

	p.pollOnce()

	assert.Zero(t, sess.connects)
	assert.Equal(t, PollIdle, p.Status().State)
}

func TestPollerNotifiesOnNewMessages(t *testing.T) {
	sess := &fakePollSession{messages: 2}
	p, _ := pollerFixture(t, sess)

	notified := make(chan int, 1)
	p.Notify = func(count int) { notified <- count }

	p.pollOnce()

	select {
	case count := <-notified:
		assert.Equal(t, 2, count)
	default:
		t.Fatal("expected a notification")
	}
	assert.Equal(t, PollIdle, p.Status().State)
	assert.False(t, p.Status().LastPoll.IsZero())
}
