package store

import (
	"context"
	"errors"
	"time"

	"mailscout/internal/model"
)

// ErrDuplicate is returned when an insert violates a unique key
// (for example two boundary loads racing on the same folder/UID).
var ErrDuplicate = errors.New("store: duplicate key")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// TupleMatch is one row of a structured-search window: the message id
// and whether the SQL predicate already matched it.
type TupleMatch struct {
	ID      int64 `db:"id"`
	Matched bool  `db:"matched"`
}

// MatchFilter carries the parameters of the windowed structured-search
// query. Pattern is a LIKE pattern ("%text%") or nil for no text match.
type MatchFilter struct {
	AccountID *int64
	FolderID  *int64
	Exclude   []int64

	Pattern *string

	InSenders    bool
	InRecipients bool
	InSubject    bool
	InKeywords   bool
	InMessage    bool
	InNotes      bool
	InHeaders    bool

	WithUnseen      bool
	WithFlagged     bool
	WithHidden      bool
	WithEncrypted   bool
	WithAttachments bool
	WithNotes       bool

	Types []string
	Size  *int64

	After  *time.Time
	Before *time.Time

	Limit  int
	Offset int
}

// Store is the persistence interface consumed by the search engine.
type Store interface {
	// Accounts and folders.
	UpsertAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	UpsertFolder(ctx context.Context, folder *model.Folder) error
	GetFolder(ctx context.Context, id int64) (*model.Folder, error)
	GetFoldersByType(ctx context.Context, typ string) ([]model.Folder, error)
	GetBrowsableFolder(ctx context.Context, id *int64, searching bool) (*model.Folder, error)
	SetFolderError(ctx context.Context, id int64, message *string) error
	SetFolderTotal(ctx context.Context, id int64, total *int) error
	SetFolderReadOnly(ctx context.Context, id int64, readOnly bool) error
	SetFolderKeywords(ctx context.Context, id int64, keywords []string) error

	// Messages.
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetMessageByUID(ctx context.Context, folderID, uid int64) (*model.Message, error)
	ListMessages(ctx context.Context, folderID *int64, foundOnly bool, limit, offset int) ([]model.Message, error)

	// Search bookkeeping.
	SetMessageFound(ctx context.Context, id int64) (int, error)
	ResetSearch(ctx context.Context) error
	MatchMessages(ctx context.Context, f MatchFilter) ([]TupleMatch, error)

	// Transaction scope for page-level found-flag batches.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// DNS cache for the connection layer's last-known-address fallback.
	GetCachedAddr(ctx context.Context, host string) (string, error)
	PutCachedAddr(ctx context.Context, host, addr string) error

	Close() error
}
