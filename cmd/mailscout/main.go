package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailscout/internal/credential"
	"mailscout/internal/fts"
	"mailscout/internal/imapx"
	"mailscout/internal/logging"
	"mailscout/internal/model"
	"mailscout/internal/search"
	"mailscout/internal/store"
	msync "mailscout/internal/sync"
	"mailscout/internal/ui"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the config file")
	accountName := flag.String("account", "", "account to open (defaults to the first configured one)")
	flag.Parse()

	if err := run(*configPath, *accountName); err != nil {
		fmt.Fprintf(os.Stderr, "mailscout: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, accountName string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", configPath)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	bodyDir := filepath.Join(cfg.DataDir, "bodies")
	if err := os.MkdirAll(bodyDir, 0o700); err != nil {
		return fmt.Errorf("creating body directory: %w", err)
	}

	st, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "mailscout.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	var index *fts.Index
	if cfg.Search.FTS {
		index, err = fts.Open(filepath.Join(cfg.DataDir, "fts.db"))
		if err != nil {
			return err
		}
		defer index.Close()
	}

	ctx := context.Background()

	account, err := selectAccount(ctx, st, cfg, accountName)
	if err != nil {
		return err
	}

	inbox := model.Folder{
		AccountID:  account.ID,
		Name:       "INBOX",
		Type:       model.FolderInbox,
		Selectable: true,
	}
	if err := st.UpsertFolder(ctx, &inbox); err != nil {
		return fmt.Errorf("registering inbox: %w", err)
	}

	creds := credential.Store{}
	auth := &imapx.Authenticator{
		Passwords: creds,
		Tokens:    keyringTokens{account: account.Name, creds: creds},
	}
	probe := msync.LiveProber{}

	connectTimeout := time.Duration(cfg.Search.TimeoutSec) * time.Second
	newSession := func() search.RemoteSession {
		sessionLogger := logger.With(zap.String("session", uuid.NewString()))
		return imapx.NewSession(imapx.Config{
			Purpose:           imapx.PurposeSearch,
			ConnectTimeout:    connectTimeout,
			EnableCompression: true,
			Auth:              auth,
			Probe:             probe,
		}, st, sessionLogger)
	}

	sync := msync.NewSynchronizer(st, index, bodyDir, logger)
	sender := &ui.Sender{}

	m := ui.New(ui.Deps{
		Store:      st,
		Index:      index,
		Sync:       sync,
		BodyDir:    bodyDir,
		AccountID:  &account.ID,
		FolderID:   &inbox.ID,
		PageSize:   cfg.Search.PageSize,
		FTS:        cfg.Search.FTS,
		NewSession: newSession,
		Probe:      probe,
		Sender:     sender,
		Logger:     logger,
	})

	p := tea.NewProgram(m, tea.WithAltScreen())
	sender.Attach(p.Send)

	if cfg.Sync.PollIntervalSec > 0 {
		newPollSession := func() msync.PollSession {
			sessionLogger := logger.With(zap.String("session", uuid.NewString()))
			return imapx.NewSession(imapx.Config{
				Purpose:           imapx.PurposeUse,
				ConnectTimeout:    connectTimeout,
				EnableCompression: true,
				Auth:              auth,
				Probe:             probe,
			}, st, sessionLogger)
		}
		poller := msync.NewPoller(st, sync, newPollSession, probe, account, inbox.ID,
			time.Duration(cfg.Sync.PollIntervalSec)*time.Second, logger)
		poller.Notify = func(count int) { sender.Send(ui.RefreshMsg{New: count}) }
		poller.Start()
		defer poller.Stop()
	}

	final, err := p.Run()
	if fm, ok := final.(ui.Model); ok {
		fm.Shutdown()
	}
	if err != nil {
		return fmt.Errorf("running ui: %w", err)
	}
	return nil
}

// selectAccount upserts all configured accounts and returns the one to
// open, by name or defaulting to the first.
func selectAccount(ctx context.Context, st store.Store, cfg *model.AppConfig, name string) (*model.Account, error) {
	var selected *model.Account
	for _, ac := range cfg.Accounts {
		account := ac.ToAccount()
		if err := st.UpsertAccount(ctx, &account); err != nil {
			return nil, fmt.Errorf("registering account %s: %w", ac.Name, err)
		}
		if selected == nil && (name == "" || ac.Name == name) {
			a := account
			selected = &a
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("account %q not found in config", name)
	}
	return selected, nil
}

// keyringTokens reads OAuth tokens from the system keyring. Refresh
// re-reads the entry; an external helper is expected to keep it fresh.
type keyringTokens struct {
	account string
	creds   credential.Store
}

func (t keyringTokens) Token(ctx context.Context) (string, error) {
	return t.creds.Token(t.account)
}

func (t keyringTokens) Refresh(ctx context.Context) (string, error) {
	return t.creds.Token(t.account)
}
