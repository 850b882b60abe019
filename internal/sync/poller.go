package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/emersion/go-imap"
	"go.uber.org/zap"

	"mailscout/internal/model"
	"mailscout/internal/store"
)

// PollState is the current state of the background mailbox poll.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

// PollStatus is a snapshot of the poller for the status line.
type PollStatus struct {
	State    PollState
	LastPoll time.Time
	Error    error
}

const (
	// pollTimeout bounds one whole poll cycle, connect included.
	pollTimeout = 60 * time.Second

	// maxPollBatch caps how many arrivals one cycle synchronizes; a
	// mailbox that grew more than this catches up over later cycles.
	maxPollBatch = 50

	defaultPollInterval = 120 * time.Second
)

// PollSession is the slice of the connection session the poller uses.
// It is satisfied by imapx.Session.
type PollSession interface {
	Connect(ctx context.Context, account *model.Account) error
	Select(name string) (*imap.MailboxStatus, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error)
	Close()
}

// Poller watches one folder for new arrivals in the background. Each
// cycle opens a short-lived session, compares the server message count
// against the stored total, and synchronizes the tail of new messages.
type Poller struct {
	store      store.Store
	sync       *Synchronizer
	newSession func() PollSession
	probe      Prober
	account    *model.Account
	folderID   int64
	interval   time.Duration
	logger     *zap.Logger

	// Notify is called with the number of newly stored messages after
	// a cycle that found any. Set before Start.
	Notify func(count int)

	mu      gosync.Mutex
	status  PollStatus
	running bool

	stopCh    chan struct{}
	triggerCh chan struct{}
}

// NewPoller builds a poller for one account folder. An interval of zero
// selects the default.
func NewPoller(st store.Store, syncr *Synchronizer, newSession func() PollSession, probe Prober,
	account *model.Account, folderID int64, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:      st,
		sync:       syncr,
		newSession: newSession,
		probe:      probe,
		account:    account,
		folderID:   folderID,
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
		triggerCh:  make(chan struct{}, 1),
	}
}

// Start launches the polling goroutine. Starting twice is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop()
}

// Stop halts the polling goroutine.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

// Refresh requests an immediate poll without waiting for the ticker.
func (p *Poller) Refresh() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns the state of the last poll cycle.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce()
		case <-p.triggerCh:
			p.pollOnce()
		}
	}
}

// pollOnce runs one cycle. An unusable network skips the cycle quietly;
// the next tick tries again.
func (p *Poller) pollOnce() {
	if !p.probe.State().IsSuitable() {
		p.logger.Debug("poll skipped, no network")
		return
	}
	p.setStatus(PollRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	count, err := p.check(ctx)
	if err != nil {
		p.logger.Warn("poll failed", zap.Error(err))
		p.setStatus(PollError, err)
		return
	}
	p.setStatus(PollIdle, nil)

	if count > 0 {
		p.logger.Info("new messages", zap.Int("count", count))
		if p.Notify != nil {
			p.Notify(count)
		}
	}
}

// check opens a session, compares counts, and synchronizes the new
// tail. It returns how many messages were newly stored.
func (p *Poller) check(ctx context.Context) (int, error) {
	folder, err := p.store.GetFolder(ctx, p.folderID)
	if err != nil {
		return 0, err
	}

	sess := p.newSession()
	if err := sess.Connect(ctx, p.account); err != nil {
		return 0, err
	}
	defer sess.Close()

	status, err := sess.Select(folder.Name)
	if err != nil {
		return 0, err
	}

	total := int(status.Messages)
	known := 0
	if folder.Total != nil {
		known = *folder.Total
	}
	if err := p.store.SetFolderTotal(ctx, folder.ID, &total); err != nil {
		return 0, err
	}
	if total <= known {
		return 0, nil
	}

	// Synchronize only the newest arrivals; a first poll against a
	// large mailbox takes the top of the batch cap, the boundary
	// loads the rest on demand.
	from := known + 1
	if total-known > maxPollBatch {
		from = total - maxPollBatch + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(uint32(from), uint32(total))

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchBodyStructure,
		imap.FetchUid,
		imap.FetchRFC822Header,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
	}
	if p.account.IsGmail() {
		items = append(items, ItemThreadID, ItemLabels)
	}
	msgs, err := sess.Fetch(seqset, items)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, raw := range msgs {
		if ctx.Err() != nil {
			break
		}
		if _, serr := p.sync.SynchronizeMessage(ctx, p.account, folder, raw); serr != nil {
			if errors.Is(serr, store.ErrDuplicate) {
				continue
			}
			p.logger.Warn("message not synchronized",
				zap.Uint32("seq", raw.SeqNum), zap.Error(serr))
			continue
		}
		count++
	}
	return count, nil
}

func (p *Poller) setStatus(state PollState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
	p.status.Error = err
	if state == PollIdle && err == nil {
		p.status.LastPoll = time.Now()
	}
}
