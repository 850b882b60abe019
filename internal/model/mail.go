package model

import "time"

// Protocol identifies the wire protocol of an account.
type Protocol string

const (
	ProtocolIMAP  Protocol = "imap"
	ProtocolIMAPS Protocol = "imaps"
)

// Encryption selects the transport security of a connection.
type Encryption int

const (
	EncryptionSSL Encryption = iota
	EncryptionSTARTTLS
	EncryptionNone
)

// AuthType selects how an account authenticates.
type AuthType int

const (
	AuthPassword AuthType = iota + 1
	AuthGmail
	AuthOAuth
)

// Folder types. Searches across an account skip trash and junk.
const (
	FolderInbox   = "inbox"
	FolderArchive = "archive"
	FolderSent    = "sent"
	FolderDrafts  = "drafts"
	FolderTrash   = "trash"
	FolderJunk    = "junk"
	FolderOutbox  = "outbox"
	FolderUser    = "user"
)

// Message encryption markers.
const (
	EncryptNone    = 0
	EncryptPGP     = 1
	EncryptSMIME   = 2
	EncryptUnknown = 3
)

// Account is a configured mail account.
type Account struct {
	ID   int64
	Name string

	Host     string
	Port     int
	Protocol Protocol

	Encryption Encryption
	AuthType   AuthType

	// Provider is the OAuth provider id for token-based auth.
	Provider string

	User string

	// CertificateAlias names a client certificate in the keyring.
	CertificateAlias string

	// Fingerprint pins the server certificate as "sha1" or
	// "sha1/keyid"; empty for standard chain validation.
	Fingerprint string

	Insecure     bool
	PreferIPv4   bool
	PartialFetch bool
}

// IsGmail reports whether the account authenticates against Gmail,
// which unlocks the raw server-side search extension.
func (a *Account) IsGmail() bool {
	return a.AuthType == AuthGmail
}

// Folder is one mailbox of an account.
type Folder struct {
	ID        int64
	AccountID int64
	Name      string

	// Type is one of the Folder* constants.
	Type string

	Selectable bool
	Local      bool
	ReadOnly   bool

	// Error holds the last boundary load failure, shown in the UI
	// until a retry clears it.
	Error *string

	// Total is the server-side message count from the last open.
	Total *int

	// Keywords are the keyword flags the mailbox advertised.
	Keywords []string
}

// Message is one stored message header row. Body content lives in a
// file on disk, keyed by the message id.
type Message struct {
	ID        int64
	AccountID int64
	FolderID  int64

	// UID is the server-side IMAP UID; nil for local-only rows.
	UID *int64

	MsgID string

	// ThreadID is the provider-side conversation id; empty when the
	// server does not expose one.
	ThreadID string

	From []string
	To   []string
	Cc   []string
	Bcc  []string

	Subject  string
	Keywords []string

	// Labels are provider-side labels, Gmail's X-GM-LABELS.
	Labels []string

	Notes string

	// Headers is the raw header block when header search is on.
	Headers string

	Preview string
	Size    int64

	Received time.Time

	Seen    bool
	Flagged bool

	// Snoozed hides the message from listings until the given time.
	Snoozed *time.Time

	// Encrypt is one of the Encrypt* constants.
	Encrypt int

	Attachments     int
	AttachmentTypes []string

	HasContent bool

	// Found marks the row as a server search result.
	Found bool
}

// ThreadInfo carries provider-side conversation metadata attached to a
// fetched message.
type ThreadInfo struct {
	ThreadID string
	Labels   []string
}
