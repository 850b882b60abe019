// Package imapx manages one network session to an IMAP server:
// address resolution with IPv4/IPv6 fallback, TLS trust with optional
// pinned fingerprints, token auth with one-shot refresh, capability
// probing, and a bounded protocol trace for diagnostics.
package imapx

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap-compress"
	"github.com/emersion/go-imap-id"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/responses"
	"go.uber.org/zap"

	"mailscout/internal/model"
	"mailscout/internal/store"
)

// Purpose selects the timeout profile of a session.
type Purpose int

const (
	// PurposeCheck is a connectivity check; fast timeouts, raw
	// server error text surfaced to the user.
	PurposeCheck Purpose = iota

	// PurposeUse is normal synchronization.
	PurposeUse

	// PurposeSearch is a server-side search; SEARCH over a large
	// mailbox can take a while, so it gets a long fixed timeout.
	PurposeSearch
)

const (
	// defaultConnectTimeout bounds the dial and handshake.
	defaultConnectTimeout = 20 * time.Second

	// searchTimeout is the command timeout under PurposeSearch.
	searchTimeout = 90 * time.Second

	// maxFallbackIPv4 and maxFallbackIPv6 cap how many extra
	// resolved addresses of each family are tried after the first
	// dial fails.
	maxFallbackIPv4 = 2
	maxFallbackIPv6 = 1
)

// NetworkProbe reports which address families the device currently
// has; it gates which resolved addresses are worth dialing.
type NetworkProbe interface {
	HasIPv4() bool
	HasIPv6() bool
}

// Config carries the tunables of a session.
type Config struct {
	Purpose        Purpose
	ConnectTimeout time.Duration

	// EnableCompression turns on COMPRESS=DEFLATE when offered.
	EnableCompression bool

	Auth  *Authenticator
	Probe NetworkProbe
}

// Session is one connection to an IMAP server, created per
// boundary-search lifetime: opened lazily on the first remote load,
// kept open across pages, closed on destroy or terminal error.
type Session struct {
	cfg     Config
	store   store.Store
	logger  *zap.Logger
	trace   *traceRing
	account *model.Account

	mu       sync.Mutex
	client   *client.Client
	mailbox  *imap.MailboxStatus
	readOnly bool
	closed   bool
}

// NewSession builds an unconnected session. The store backs the
// last-known-address DNS fallback.
func NewSession(cfg Config, st store.Store, logger *zap.Logger) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		store:  st,
		logger: logger,
		trace:  newTraceRing(),
	}
}

// Connect resolves, dials, and authenticates the account. On a dial
// failure it retries against other resolved addresses of the host,
// capped per address family and filtered by the families the device
// actually has.
func (s *Session) Connect(ctx context.Context, account *model.Account) error {
	s.account = account

	addrs, err := s.resolve(ctx, account)
	if err != nil {
		return err
	}

	c, err := s.dial(ctx, account, addrs)
	if err != nil {
		return err
	}

	c.SetDebug(s.trace)
	c.Timeout = s.commandTimeout()

	if err := s.cfg.Auth.Login(ctx, c, account, s.cfg.Purpose); err != nil {
		_ = c.Terminate()
		return err
	}

	s.identify(c)
	s.compress(c)

	s.mu.Lock()
	s.client = c
	s.closed = false
	s.mu.Unlock()

	s.logger.Debug("session connected",
		zap.String("host", account.Host),
		zap.Int("port", account.Port))
	return nil
}

// resolve looks up the host, preferring IPv4 when configured. A lookup
// failure falls back to the last address that worked for this host.
func (s *Session) resolve(ctx context.Context, account *model.Account) ([]net.IP, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, account.Host)
	if err != nil {
		if s.store != nil {
			if cached, cerr := s.store.GetCachedAddr(ctx, account.Host); cerr == nil {
				s.logger.Warn("dns lookup failed, using last known address",
					zap.String("host", account.Host),
					zap.String("addr", cached))
				if ip := net.ParseIP(cached); ip != nil {
					return []net.IP{ip}, nil
				}
			}
		}
		return nil, Errorf(KindConnectivity, err, "resolving %s", account.Host)
	}

	ips := make([]net.IP, 0, len(ipAddrs))
	if account.PreferIPv4 {
		for _, a := range ipAddrs {
			if a.IP.To4() != nil {
				ips = append(ips, a.IP)
			}
		}
		for _, a := range ipAddrs {
			if a.IP.To4() == nil {
				ips = append(ips, a.IP)
			}
		}
	} else {
		for _, a := range ipAddrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, &Error{Kind: KindConnectivity, Message: "no addresses for " + account.Host}
	}
	return ips, nil
}

// dial connects to the first address, then walks the fallback
// candidates on failure. All attempts use the hostname for SNI and
// certificate verification.
func (s *Session) dial(ctx context.Context, account *model.Account, ips []net.IP) (*client.Client, error) {
	candidates := fallbackCandidates(ips, s.cfg.Probe)

	var lastErr error
	for i, ip := range candidates {
		c, err := s.dialOne(account, ip)
		if err == nil {
			if s.store != nil {
				// Remember the working address for the next DNS outage.
				_ = s.store.PutCachedAddr(ctx, account.Host, ip.String())
			}
			return c, nil
		}
		lastErr = err

		if ClassifyKind(err) == KindTrust {
			// Another address will present the same certificate.
			return nil, err
		}
		if i < len(candidates)-1 {
			s.logger.Warn("connect failed, trying next address",
				zap.String("host", account.Host),
				zap.String("addr", ip.String()),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil, Errorf(KindCanceled, ctx.Err(), "connect canceled")
		}
	}
	return nil, lastErr
}

// dialOne performs one dial and handshake against a single address.
func (s *Session) dialOne(account *model.Account, ip net.IP) (*client.Client, error) {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(account.Port))
	dialer := &net.Dialer{
		Timeout:   s.cfg.ConnectTimeout,
		KeepAlive: -1,
	}
	tlsCfg := tlsConfig(account)

	var c *client.Client
	var err error
	if account.Encryption == model.EncryptionSSL {
		c, err = client.DialWithDialerTLS(dialer, addr, tlsCfg)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil && account.Encryption == model.EncryptionSTARTTLS {
			if err = c.StartTLS(tlsCfg); err != nil {
				_ = c.Terminate()
				c = nil
			}
		}
	}
	if err != nil {
		if kind := ClassifyKind(err); kind == KindTrust {
			return nil, trustError(err)
		}
		return nil, Errorf(KindConnectivity, err, "connecting to %s", addr)
	}
	return c, nil
}

// fallbackCandidates orders the addresses to try: the primary first,
// then up to the per-family budget of alternates whose family the
// device can reach at all.
func fallbackCandidates(ips []net.IP, probe NetworkProbe) []net.IP {
	if len(ips) == 0 {
		return nil
	}

	hasIPv4, hasIPv6 := true, true
	if probe != nil {
		hasIPv4, hasIPv6 = probe.HasIPv4(), probe.HasIPv6()
	}

	candidates := []net.IP{ips[0]}
	v4, v6 := 0, 0
	for _, ip := range ips[1:] {
		if ip.To4() != nil {
			if !hasIPv4 || v4 >= maxFallbackIPv4 {
				continue
			}
			v4++
		} else {
			if !hasIPv6 || v6 >= maxFallbackIPv6 {
				continue
			}
			v6++
		}
		candidates = append(candidates, ip)
	}
	return candidates
}

// commandTimeout returns the per-command timeout for the session
// purpose.
func (s *Session) commandTimeout() time.Duration {
	if s.cfg.Purpose == PurposeSearch {
		return searchTimeout
	}
	return 2 * s.cfg.ConnectTimeout
}

// identify exchanges the ID command when the server advertises it.
func (s *Session) identify(c *client.Client) {
	idClient := id.NewClient(c)
	if ok, err := idClient.SupportID(); err != nil || !ok {
		return
	}
	serverID, err := idClient.ID(id.ID{
		id.FieldName:    "mailscout",
		id.FieldVersion: "1",
	})
	if err != nil {
		s.logger.Debug("id exchange failed", zap.Error(err))
		return
	}
	s.logger.Debug("server id", zap.Any("id", serverID))
}

// compress enables COMPRESS=DEFLATE when offered and configured.
func (s *Session) compress(c *client.Client) {
	if !s.cfg.EnableCompression {
		return
	}
	comp := compress.NewClient(c)
	if ok, err := comp.SupportCompress(compress.Deflate); err != nil || !ok {
		return
	}
	if err := comp.Compress(compress.Deflate); err != nil {
		s.logger.Debug("compression not enabled", zap.Error(err))
	}
}

// Select opens a mailbox read-write, falling back to read-only on a
// read-only-folder rejection, and records which mode was obtained.
func (s *Session) Select(name string) (*imap.MailboxStatus, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}

	status, err := c.Select(name, false)
	readOnly := false
	if err != nil {
		status, err = c.Select(name, true)
		if err != nil {
			return nil, Errorf(KindProtocol, err, "selecting %s", name)
		}
		readOnly = true
	}
	if status.ReadOnly {
		readOnly = true
	}

	s.mu.Lock()
	s.mailbox = status
	s.readOnly = readOnly
	s.mu.Unlock()
	return status, nil
}

// Mailbox returns the currently selected mailbox status, or nil.
func (s *Session) Mailbox() *imap.MailboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailbox
}

// ReadOnly reports whether the selected mailbox was opened read-only.
func (s *Session) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// HasCapability reports whether the server advertises the capability.
func (s *Session) HasCapability(name string) bool {
	c, err := s.conn()
	if err != nil {
		return false
	}
	ok, err := c.Support(name)
	return err == nil && ok
}

// SupportsRawSearch reports whether the vendor raw-search extension is
// available.
func (s *Session) SupportsRawSearch() bool {
	return s.HasCapability("X-GM-EXT-1")
}

// SupportsUTF8 reports whether the server accepts UTF-8 search
// arguments.
func (s *Session) SupportsUTF8() bool {
	return s.HasCapability("UTF8=ACCEPT") || s.HasCapability("UTF8=ONLY")
}

// Search runs a standard SEARCH with the given criteria and returns
// matching sequence numbers.
func (s *Session) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, Errorf(KindProtocol, err, "searching")
	}
	return ids, nil
}

// RawSearch issues the vendor X-GM-RAW search and returns matching
// sequence numbers. A non-OK or malformed response is a protocol
// error.
func (s *Session) RawSearch(query string) ([]uint32, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}

	cmd := &imap.Command{
		Name:      "SEARCH",
		Arguments: []interface{}{imap.RawString("X-GM-RAW"), query},
	}
	res := new(responses.Search)

	status, err := c.Execute(cmd, res)
	if err != nil {
		return nil, Errorf(KindProtocol, err, "raw search")
	}
	if err := status.Err(); err != nil {
		return nil, Errorf(KindProtocol, err, "raw search rejected")
	}
	return res.Ids, nil
}

// Fetch retrieves the given items for a sequence set, collecting the
// streamed messages into a slice.
func (s *Session) Fetch(seqset *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, ch)
	}()

	var messages []*imap.Message
	for msg := range ch {
		messages = append(messages, msg)
	}
	if err := <-done; err != nil {
		return nil, Errorf(KindProtocol, err, "fetching messages")
	}
	return messages, nil
}

// DumpTrace writes the buffered protocol trace to the logger.
func (s *Session) DumpTrace() {
	s.trace.Dump(s.logger)
}

// Close logs out and tears down the connection. It is idempotent and
// never returns an error; a close racing a blocked read is expected
// and the protocol layer makes the read fail once the socket is gone.
func (s *Session) Close() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mailbox = nil
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if c == nil || alreadyClosed {
		return
	}

	if err := c.Logout(); err != nil {
		_ = c.Terminate()
	}
}

// conn returns the connected client or a channel-closed error when the
// session was never connected or already closed.
func (s *Session) conn() (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, &Error{Kind: KindChannelClosed, Message: "session not connected"}
	}
	return s.client, nil
}

// CheckConnectivity opens and closes a session for the account,
// surfacing any failure with its classification. Used by account
// setup.
func CheckConnectivity(ctx context.Context, cfg Config, st store.Store, logger *zap.Logger, account *model.Account) error {
	cfg.Purpose = PurposeCheck
	s := NewSession(cfg, st, logger)
	if err := s.Connect(ctx, account); err != nil {
		return fmt.Errorf("checking %s: %w", account.Host, err)
	}
	s.Close()
	return nil
}
