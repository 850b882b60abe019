package search

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mailscout/internal/imapx"
	"mailscout/internal/store"
)

// Callback receives the outcomes of boundary loads. All methods are
// invoked on the UI side via the controller's post function, never
// from the worker.
type Callback interface {
	OnLoading()
	OnLoaded(found int)
	OnException(err error)
}

// loader runs one boundary load against either the local store or the
// remote server. Close tears down any session held by the state.
type loader interface {
	Load(ctx context.Context, st *State) (int, error)
	Close(st *State, reset bool)
}

// State is the cursor state of one attached callback. It is owned by
// the controller's worker; the UI side only holds it for identity
// comparison and flag signalling. queued and destroyed are atomics
// because the UI side touches them without entering the worker.
type State struct {
	queued    atomic.Int32
	destroyed atomic.Bool

	// error is sticky until an explicit retry; worker-owned.
	error bool

	// Local-path cursors.
	index   int
	offset  int
	ids     []int64
	matches []store.TupleMatch

	// Remote-path handle and result set, walked backward from index.
	session RemoteSession
	remote  []uint32
	folder  int64
}

// Destroyed reports whether the state was destroyed; checked at every
// loop iteration of both load paths.
func (s *State) Destroyed() bool {
	return s.destroyed.Load()
}

// reset clears the cursors for a fresh load. destroyed is sticky: a
// force-close of a destroyed state must not revive it, or triggers
// already queued would load again after the destroy.
func (s *State) reset() {
	s.queued.Store(0)
	s.error = false
	s.index = 0
	s.offset = 0
	s.ids = nil
	s.matches = nil
	s.session = nil
	s.remote = nil
	s.folder = 0
}

// Boundary coalesces UI paging triggers into load jobs on a dedicated
// serial worker, applies the reconnect-once retry policy to remote
// failures, and marshals outcomes back to the UI via post.
type Boundary struct {
	server   bool
	criteria *Criteria
	loader   loader
	store    store.Store
	post     func(func())
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func()

	mu    sync.Mutex
	cb    Callback
	state *State
}

// NewBoundary builds a controller. server selects the remote path;
// criteria may be nil for plain browsing. post must marshal the given
// function onto the UI side.
func NewBoundary(server bool, criteria *Criteria, ld loader, st store.Store, post func(func()), logger *zap.Logger) *Boundary {
	if logger == nil {
		logger = zap.NewNop()
	}
	if post == nil {
		post = func(f func()) { f() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Boundary{
		server:   server,
		criteria: criteria,
		loader:   ld,
		store:    st,
		post:     post,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan func(), 32),
	}
	go b.run()
	return b
}

// run drains the job queue; jobs execute strictly in submission order.
func (b *Boundary) run() {
	for {
		select {
		case job := <-b.jobs:
			job()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Boundary) submit(job func()) {
	select {
	case b.jobs <- job:
	case <-b.ctx.Done():
	}
}

// AttachCallback registers the UI callback. An unchanged callback
// keeps the existing state; a new one gets a fresh state, and a search
// boundary clears stale found markers from an earlier search.
func (b *Boundary) AttachCallback(cb Callback) *State {
	b.mu.Lock()
	if cb == b.cb {
		st := b.state
		b.mu.Unlock()
		return st
	}
	b.cb = cb
	b.state = &State{}
	st := b.state
	b.mu.Unlock()

	if b.criteria != nil {
		b.submit(func() {
			if err := b.store.ResetSearch(b.ctx); err != nil {
				b.logger.Warn("search reset failed", zap.Error(err))
			}
		})
	}
	return st
}

// OnBoundaryTriggered handles both paging signals: the list became
// empty or the last loaded row was reached.
func (b *Boundary) OnBoundaryTriggered() {
	b.queueLoad(b.currentState())
}

func (b *Boundary) currentState() *State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Boundary) callback() Callback {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// queueLoad submits one load job unless the coalescing cap is reached.
// Two queued jobs already cover any burst of triggers: the second one
// runs against the cursor state the first one leaves behind.
func (b *Boundary) queueLoad(st *State) {
	if st == nil {
		return
	}
	if st.queued.Load() > 1 {
		return
	}
	st.queued.Add(1)

	b.submit(func() {
		found := 0
		var failure error

		defer func() {
			st.queued.Add(-1)
			if cb := b.callback(); cb != nil {
				f := found
				b.post(func() { cb.OnLoaded(f) })
			}
		}()

		if st.Destroyed() || st.error || st != b.currentState() {
			return
		}

		if cb := b.callback(); cb != nil {
			b.post(cb.OnLoading)
		}

		var err error
		if b.server {
			found, err = b.loader.Load(b.ctx, st)
			if err != nil && !st.error && imapx.Retryable(err) {
				b.logger.Warn("remote load failed, reconnecting once",
					zap.String("kind", imapx.ClassifyKind(err).String()),
					zap.Error(err))
				b.loader.Close(st, true)
				found, err = b.loader.Load(b.ctx, st)
			}
		} else {
			found, err = b.loader.Load(b.ctx, st)
		}

		if err != nil {
			if imapx.ClassifyKind(err) == imapx.KindCanceled {
				return
			}
			failure = err
			st.error = true
			b.logger.Error("boundary load failed", zap.Error(err))
			if cb := b.callback(); cb != nil {
				b.post(func() { cb.OnException(failure) })
			}
		}
	})
}

// Retry clears the sticky error: it force-closes the session, resets
// the state, and queues a fresh load.
func (b *Boundary) Retry() {
	st := b.currentState()
	if st == nil {
		return
	}
	b.submit(func() {
		b.loader.Close(st, true)
	})
	b.queueLoad(st)
}

// Destroy marks the state destroyed synchronously, so in-flight loops
// stop at their next iteration, then closes the session off-thread.
func (b *Boundary) Destroy() {
	st := b.currentState()
	if st == nil {
		return
	}
	st.destroyed.Store(true)
	b.submit(func() {
		b.loader.Close(st, true)
	})
}

// Shutdown stops the worker. Pending jobs are abandoned.
func (b *Boundary) Shutdown() {
	b.cancel()
}
