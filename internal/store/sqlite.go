package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mailscout/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, ext: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		// Transaction-scoped view; nothing to close.
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn against a transaction-scoped view of the store and
// commits when fn returns nil. A nested call reuses the outer
// transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{ext: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertAccount inserts or updates an account by name, filling in the
// generated id.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, account *model.Account) error {
	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO accounts (
			name, host, port, protocol, encryption, auth_type, provider,
			user, cert_alias, fingerprint, insecure, prefer_ipv4, partial_fetch
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host=excluded.host, port=excluded.port, protocol=excluded.protocol,
			encryption=excluded.encryption, auth_type=excluded.auth_type,
			provider=excluded.provider, user=excluded.user,
			cert_alias=excluded.cert_alias, fingerprint=excluded.fingerprint,
			insecure=excluded.insecure, prefer_ipv4=excluded.prefer_ipv4,
			partial_fetch=excluded.partial_fetch`,
		account.Name, account.Host, account.Port, string(account.Protocol),
		int(account.Encryption), int(account.AuthType), account.Provider,
		account.User, account.CertificateAlias, account.Fingerprint,
		boolToInt(account.Insecure), boolToInt(account.PreferIPv4),
		boolToInt(account.PartialFetch),
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", account.Name, err)
	}

	if account.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			account.ID = id
		}
		// An upsert of an existing row reports no insert id; look it up.
		if account.ID == 0 {
			if err := sqlx.GetContext(ctx, s.ext, &account.ID,
				"SELECT id FROM accounts WHERE name = ?", account.Name); err != nil {
				return fmt.Errorf("resolving account id %s: %w", account.Name, err)
			}
		}
	}
	return nil
}

// GetAccount retrieves a single account by id.
func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	row := s.ext.QueryRowxContext(ctx, `
		SELECT id, name, host, port, protocol, encryption, auth_type, provider,
		       user, cert_alias, fingerprint, insecure, prefer_ipv4, partial_fetch
		FROM accounts WHERE id = ?`, id)

	var (
		a          model.Account
		protocol   string
		encryption int
		authType   int
		insecure   int
		preferIPv4 int
		partial    int
	)
	err := row.Scan(
		&a.ID, &a.Name, &a.Host, &a.Port, &protocol, &encryption, &authType,
		&a.Provider, &a.User, &a.CertificateAlias, &a.Fingerprint,
		&insecure, &preferIPv4, &partial,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %d: %w", id, err)
	}

	a.Protocol = model.Protocol(protocol)
	a.Encryption = model.Encryption(encryption)
	a.AuthType = model.AuthType(authType)
	a.Insecure = insecure != 0
	a.PreferIPv4 = preferIPv4 != 0
	a.PartialFetch = partial != 0
	return &a, nil
}

// UpsertFolder inserts or updates a folder by (account, name), filling
// in the generated id.
func (s *SQLiteStore) UpsertFolder(ctx context.Context, folder *model.Folder) error {
	keywords, err := json.Marshal(folder.Keywords)
	if err != nil {
		return fmt.Errorf("marshaling folder keywords: %w", err)
	}

	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO folders (account_id, name, type, selectable, local, read_only, keywords)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			type=excluded.type, selectable=excluded.selectable,
			local=excluded.local, keywords=excluded.keywords`,
		folder.AccountID, folder.Name, folder.Type,
		boolToInt(folder.Selectable), boolToInt(folder.Local),
		boolToInt(folder.ReadOnly), string(keywords),
	)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", folder.Name, err)
	}

	if folder.ID == 0 {
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			folder.ID = id
		}
		if folder.ID == 0 {
			if err := sqlx.GetContext(ctx, s.ext, &folder.ID,
				"SELECT id FROM folders WHERE account_id = ? AND name = ?",
				folder.AccountID, folder.Name); err != nil {
				return fmt.Errorf("resolving folder id %s: %w", folder.Name, err)
			}
		}
	}
	return nil
}

// GetFolder retrieves a single folder by id.
func (s *SQLiteStore) GetFolder(ctx context.Context, id int64) (*model.Folder, error) {
	rows, err := s.ext.QueryxContext(ctx, folderSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting folder %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	f, err := scanFolder(rows)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFoldersByType retrieves all folders of the given type across
// accounts (used to exclude Trash/Junk from account-wide searches).
func (s *SQLiteStore) GetFoldersByType(ctx context.Context, typ string) ([]model.Folder, error) {
	rows, err := s.ext.QueryxContext(ctx, folderSelect+" WHERE type = ?", typ)
	if err != nil {
		return nil, fmt.Errorf("querying folders by type %s: %w", typ, err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetBrowsableFolder resolves the folder a remote boundary load should
// browse: the given folder when set, otherwise the archive folder when
// searching, otherwise the inbox.
func (s *SQLiteStore) GetBrowsableFolder(ctx context.Context, id *int64, searching bool) (*model.Folder, error) {
	if id != nil {
		return s.GetFolder(ctx, *id)
	}

	typ := model.FolderInbox
	if searching {
		typ = model.FolderArchive
	}
	folders, err := s.GetFoldersByType(ctx, typ)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 && searching {
		// No archive; fall back to the inbox.
		if folders, err = s.GetFoldersByType(ctx, model.FolderInbox); err != nil {
			return nil, err
		}
	}
	if len(folders) == 0 {
		return nil, ErrNotFound
	}
	return &folders[0], nil
}

// SetFolderError records (or clears, with nil) the last error of a folder.
func (s *SQLiteStore) SetFolderError(ctx context.Context, id int64, message *string) error {
	_, err := s.ext.ExecContext(ctx, "UPDATE folders SET error = ? WHERE id = ?", message, id)
	if err != nil {
		return fmt.Errorf("setting folder %d error: %w", id, err)
	}
	return nil
}

// SetFolderTotal records the server-side message count of a folder.
func (s *SQLiteStore) SetFolderTotal(ctx context.Context, id int64, total *int) error {
	_, err := s.ext.ExecContext(ctx, "UPDATE folders SET total = ? WHERE id = ?", total, id)
	if err != nil {
		return fmt.Errorf("setting folder %d total: %w", id, err)
	}
	return nil
}

// SetFolderReadOnly records the access mode obtained when opening a folder.
func (s *SQLiteStore) SetFolderReadOnly(ctx context.Context, id int64, readOnly bool) error {
	_, err := s.ext.ExecContext(ctx, "UPDATE folders SET read_only = ? WHERE id = ?", boolToInt(readOnly), id)
	if err != nil {
		return fmt.Errorf("setting folder %d read-only: %w", id, err)
	}
	return nil
}

// SetFolderKeywords records the keyword flags a mailbox advertised.
func (s *SQLiteStore) SetFolderKeywords(ctx context.Context, id int64, keywords []string) error {
	data, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshaling keywords: %w", err)
	}
	_, err = s.ext.ExecContext(ctx, "UPDATE folders SET keywords = ? WHERE id = ?", string(data), id)
	if err != nil {
		return fmt.Errorf("setting folder %d keywords: %w", id, err)
	}
	return nil
}

// GetCachedAddr returns the last resolved address recorded for host,
// or ErrNotFound.
func (s *SQLiteStore) GetCachedAddr(ctx context.Context, host string) (string, error) {
	var addr string
	err := sqlx.GetContext(ctx, s.ext, &addr, "SELECT addr FROM dns_cache WHERE host = ?", host)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting cached address for %s: %w", host, err)
	}
	return addr, nil
}

// PutCachedAddr records the last successfully resolved address of host.
func (s *SQLiteStore) PutCachedAddr(ctx context.Context, host, addr string) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO dns_cache (host, addr, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(host) DO UPDATE SET addr=excluded.addr, updated_at=CURRENT_TIMESTAMP`,
		host, addr)
	if err != nil {
		return fmt.Errorf("caching address for %s: %w", host, err)
	}
	return nil
}

const folderSelect = `
	SELECT id, account_id, name, type, selectable, local, read_only, error, total, keywords
	FROM folders`

// scanFolder scans a folder row from a sqlx.Rows result set.
func scanFolder(rows *sqlx.Rows) (model.Folder, error) {
	var (
		f          model.Folder
		selectable int
		local      int
		readOnly   int
		keywords   string
	)
	err := rows.Scan(
		&f.ID, &f.AccountID, &f.Name, &f.Type,
		&selectable, &local, &readOnly, &f.Error, &f.Total, &keywords,
	)
	if err != nil {
		return model.Folder{}, fmt.Errorf("scanning folder row: %w", err)
	}

	f.Selectable = selectable != 0
	f.Local = local != 0
	f.ReadOnly = readOnly != 0

	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &f.Keywords); err != nil {
			return model.Folder{}, fmt.Errorf("unmarshaling folder keywords: %w", err)
		}
	}
	return f, nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
