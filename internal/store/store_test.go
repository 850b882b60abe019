package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailscout/internal/model"
	"mailscout/internal/store"
	"mailscout/tests/testutil"
)

func seedAccount(t *testing.T, s *store.SQLiteStore) model.Account {
	t.Helper()
	account := model.Account{
		Name: "work", Host: "imap.example.com", Port: 993,
		Protocol: model.ProtocolIMAPS, Encryption: model.EncryptionSSL,
		AuthType: model.AuthPassword, User: "me@example.com",
	}
	require.NoError(t, s.UpsertAccount(context.Background(), &account))
	return account
}

func seedFolder(t *testing.T, s *store.SQLiteStore, accountID int64, name, typ string) model.Folder {
	t.Helper()
	folder := model.Folder{AccountID: accountID, Name: name, Type: typ, Selectable: true}
	require.NoError(t, s.UpsertFolder(context.Background(), &folder))
	return folder
}

func insertMessage(t *testing.T, s *store.SQLiteStore, msg model.Message) model.Message {
	t.Helper()
	require.NoError(t, s.InsertMessage(context.Background(), &msg))
	return msg
}

func TestUpsertAccountIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	first := seedAccount(t, s)
	require.NotZero(t, first.ID)

	second := model.Account{Name: "work", Host: "imap.other.com", Port: 143, User: "me@example.com"}
	require.NoError(t, s.UpsertAccount(ctx, &second))
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetAccount(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "imap.other.com", got.Host)
	assert.Equal(t, 143, got.Port)
}

func TestUpsertFolderIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)

	account := seedAccount(t, s)
	first := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)
	second := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)
	assert.Equal(t, first.ID, second.ID)

	other := seedFolder(t, s, account.ID, "Archive", model.FolderArchive)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestInsertMessageDuplicateUID(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	folder := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)

	uid := int64(42)
	msg := model.Message{AccountID: account.ID, FolderID: folder.ID, UID: &uid, Subject: "a", Received: time.Now()}
	require.NoError(t, s.InsertMessage(ctx, &msg))
	require.NotZero(t, msg.ID)

	dup := model.Message{AccountID: account.ID, FolderID: folder.ID, UID: &uid, Subject: "b", Received: time.Now()}
	assert.ErrorIs(t, s.InsertMessage(ctx, &dup), store.ErrDuplicate)

	got, err := s.GetMessageByUID(ctx, folder.ID, uid)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Subject)
}

func TestGetMessageByUIDNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := s.GetMessageByUID(context.Background(), 1, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetMessageFoundTransitionsOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	folder := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)
	uid := int64(1)
	msg := insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: folder.ID, UID: &uid, Received: time.Now(),
	})

	n, err := s.SetMessageFound(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Marking again is not a transition.
	n, err = s.SetMessageFound(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.ResetSearch(ctx))
	n, err = s.SetMessageFound(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListMessagesFoundOnlyAndOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	folder := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)

	base := time.Now()
	var ids []int64
	for i := 0; i < 3; i++ {
		uid := int64(i + 1)
		msg := insertMessage(t, s, model.Message{
			AccountID: account.ID, FolderID: folder.ID, UID: &uid,
			Subject:  fmt.Sprintf("m%d", i),
			Received: base.Add(time.Duration(i) * time.Minute),
		})
		ids = append(ids, msg.ID)
	}

	_, err := s.SetMessageFound(ctx, ids[0])
	require.NoError(t, err)
	_, err = s.SetMessageFound(ctx, ids[2])
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, &folder.ID, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Newest first.
	assert.Equal(t, "m2", msgs[0].Subject)
	assert.Equal(t, "m0", msgs[1].Subject)

	all, err := s.ListMessages(ctx, &folder.ID, false, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMatchMessagesPatternAndScopes(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	folder := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)

	uid1, uid2 := int64(1), int64(2)
	hit := insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: folder.ID, UID: &uid1,
		From: []string{"amy@example.com"}, Subject: "quarterly invoice",
		Received: time.Now(),
	})
	miss := insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: folder.ID, UID: &uid2,
		From: []string{"bob@example.com"}, Subject: "team lunch",
		Received: time.Now().Add(-time.Hour),
	})

	pattern := "%invoice%"
	matches, err := s.MatchMessages(ctx, store.MatchFilter{
		FolderID:  &folder.ID,
		Pattern:   &pattern,
		InSubject: true,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// Matched rows sort first.
	assert.Equal(t, hit.ID, matches[0].ID)
	assert.True(t, matches[0].Matched)
	assert.Equal(t, miss.ID, matches[1].ID)
	assert.False(t, matches[1].Matched)

	// The same pattern against senders only flips the match.
	pattern = "%bob%"
	matches, err = s.MatchMessages(ctx, store.MatchFilter{
		FolderID:  &folder.ID,
		Pattern:   &pattern,
		InSenders: true,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, miss.ID, matches[0].ID)
	assert.True(t, matches[0].Matched)
}

func TestMatchMessagesStructuralFilters(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	folder := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)

	uid1, uid2, uid3 := int64(1), int64(2), int64(3)
	unseen := insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: folder.ID, UID: &uid1, Received: time.Now(),
	})
	insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: folder.ID, UID: &uid2, Seen: true, Received: time.Now(),
	})
	big := insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: folder.ID, UID: &uid3, Seen: true,
		Size: 5000, Attachments: 1, Received: time.Now(),
	})

	matches, err := s.MatchMessages(ctx, store.MatchFilter{
		FolderID: &folder.ID, WithUnseen: true, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, unseen.ID, matches[0].ID)

	size := int64(1024)
	matches, err = s.MatchMessages(ctx, store.MatchFilter{
		FolderID: &folder.ID, WithAttachments: true, Size: &size, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, big.ID, matches[0].ID)
}

func TestMatchMessagesExcludesFolders(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	inbox := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)
	trash := seedFolder(t, s, account.ID, "Trash", model.FolderTrash)

	uid1, uid2 := int64(1), int64(2)
	kept := insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: inbox.ID, UID: &uid1, Received: time.Now(),
	})
	insertMessage(t, s, model.Message{
		AccountID: account.ID, FolderID: trash.ID, UID: &uid2, Received: time.Now(),
	})

	matches, err := s.MatchMessages(ctx, store.MatchFilter{
		Exclude: []int64{trash.ID}, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, kept.ID, matches[0].ID)
}

func TestGetBrowsableFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	inbox := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)

	// With no archive, searching falls back to the inbox.
	folder, err := s.GetBrowsableFolder(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, folder.ID)

	archive := seedFolder(t, s, account.ID, "Archive", model.FolderArchive)

	folder, err = s.GetBrowsableFolder(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, archive.ID, folder.ID)

	// Browsing without a search targets the inbox.
	folder, err = s.GetBrowsableFolder(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, folder.ID)

	// An explicit folder id wins.
	folder, err = s.GetBrowsableFolder(ctx, &archive.ID, false)
	require.NoError(t, err)
	assert.Equal(t, archive.ID, folder.ID)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	folder := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)

	uid := int64(7)
	err := s.WithTx(ctx, func(tx store.Store) error {
		msg := model.Message{AccountID: account.ID, FolderID: folder.ID, UID: &uid, Received: time.Now()}
		if err := tx.InsertMessage(ctx, &msg); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = s.GetMessageByUID(ctx, folder.ID, uid)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDNSCache(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.GetCachedAddr(ctx, "imap.example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutCachedAddr(ctx, "imap.example.com", "192.0.2.10"))
	addr, err := s.GetCachedAddr(ctx, "imap.example.com")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", addr)

	// Updating replaces the cached address.
	require.NoError(t, s.PutCachedAddr(ctx, "imap.example.com", "192.0.2.20"))
	addr, err = s.GetCachedAddr(ctx, "imap.example.com")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.20", addr)
}

func TestFolderMetadata(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s)
	folder := seedFolder(t, s, account.ID, "INBOX", model.FolderInbox)

	msg := "SELECT failed"
	require.NoError(t, s.SetFolderError(ctx, folder.ID, &msg))
	total := 120
	require.NoError(t, s.SetFolderTotal(ctx, folder.ID, &total))
	require.NoError(t, s.SetFolderReadOnly(ctx, folder.ID, true))
	require.NoError(t, s.SetFolderKeywords(ctx, folder.ID, []string{"Work", "Travel"}))

	got, err := s.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)
	require.NotNil(t, got.Total)
	assert.Equal(t, total, *got.Total)
	assert.True(t, got.ReadOnly)
	assert.Equal(t, []string{"Work", "Travel"}, got.Keywords)

	require.NoError(t, s.SetFolderError(ctx, folder.ID, nil))
	got, err = s.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Error)
}
