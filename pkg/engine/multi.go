package engine

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
	"github.com/ajitpratap0/xfer-go/pkg/logging"
	"github.com/ajitpratap0/xfer-go/pkg/observability"
)

// MessageKind is the type of a completion event
type MessageKind int

const (
	// MsgDone reports a finished transfer
	MsgDone MessageKind = iota + 1
)

func (k MessageKind) String() string {
	if k == MsgDone {
		return "DONE"
	}
	return "UNKNOWN"
}

// Message is a completion event produced once per finished transfer
type Message struct {
	Kind   MessageKind
	Easy   *Easy
	Result xerrors.ResultCode
	// Err carries the structured error behind a non-OK Result
	Err error
}

// Stats counts pool activity since the Multi was created
type Stats struct {
	TransfersStarted   int64
	TransfersCompleted int64
	ConnectionsOpened  int64
	ConnectionsReused  int64
}

// transfer is one running Easy inside a Multi
type transfer struct {
	easy     *Easy
	opts     easyOptions
	ctx      context.Context
	cancel   context.CancelFunc
	aborted  atomic.Bool
	finished chan struct{}
	result   xerrors.ResultCode
	err      error
	started  time.Time
}

// Multi drives any number of Easy handles over one shared connection pool.
// Perform, Wait and InfoRead are meant to be called from one goroutine;
// transfers run on their own goroutines.
type Multi struct {
	mu        sync.Mutex
	cfg       MultiConfig
	logger    logging.Logger
	metrics   observability.TransferMetrics
	tracer    *observability.TracingProvider
	pool      *connPool
	client    *http.Client
	baseCtx   context.Context
	cancelAll context.CancelFunc

	handles   map[*Easy]struct{}
	pending   []*Easy
	running   map[*Easy]*transfer
	completed []*transfer
	msgs      []*Message

	notify chan struct{}
	wake   chan struct{}
	closed bool

	started atomic.Int64
	done    atomic.Int64
	opened  atomic.Int64
	reused  atomic.Int64
}

// NewMulti creates a transfer pool. Zero fields of cfg take their
// DefaultMultiConfig values.
func NewMulti(cfg MultiConfig) (*Multi, error) {
	cfg = cfg.withDefaults()

	m := &Multi{
		cfg:     cfg,
		logger:  cfg.Logger.WithFields(logging.String("component", "multi")),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		handles: make(map[*Easy]struct{}),
		running: make(map[*Easy]*transfer),
		notify:  make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
	}
	m.pool = newConnPool(cfg, &m.opened)
	m.client = &http.Client{
		Transport: m.pool,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	m.baseCtx, m.cancelAll = context.WithCancel(context.Background())
	return m, nil
}

func (m *Multi) fail(call string, err xerrors.XferError) error {
	m.metrics.RecordPoolCall(m.baseCtx, call, xerrors.MultiOf(err).String())
	return err.WithContext(&xerrors.Context{Component: "multi", Operation: call})
}

// Add registers e with the pool. The transfer starts on the next Perform.
func (m *Multi) Add(e *Easy) error {
	if m == nil {
		return xerrors.BadHandle("add_handle")
	}
	if e == nil {
		return m.fail("add_handle", xerrors.BadEasyHandle("add_handle"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.fail("add_handle", xerrors.BadHandle("add_handle"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return m.fail("add_handle", xerrors.BadEasyHandle("add_handle"))
	}
	if e.multi != nil {
		return m.fail("add_handle", xerrors.AddedAlready())
	}

	e.multi = m
	m.handles[e] = struct{}{}
	m.pending = append(m.pending, e)
	return nil
}

// Remove detaches e from the pool. A running transfer is cancelled and
// waited for; its completion message, if not yet read, is dropped.
// Removing a handle that is not in this pool succeeds without effect.
func (m *Multi) Remove(e *Easy) error {
	if m == nil {
		return xerrors.BadHandle("remove_handle")
	}
	if e == nil {
		return m.fail("remove_handle", xerrors.BadEasyHandle("remove_handle"))
	}

	m.mu.Lock()
	if _, ok := m.handles[e]; !ok {
		m.mu.Unlock()
		return nil
	}
	t := m.running[e]
	m.mu.Unlock()

	if t != nil {
		t.aborted.Store(true)
		t.cancel()
		<-t.finished
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked(e)
	return nil
}

func (m *Multi) detachLocked(e *Easy) {
	delete(m.handles, e)
	delete(m.running, e)
	for i, p := range m.pending {
		if p == e {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	kept := m.completed[:0]
	for _, t := range m.completed {
		if t.easy != e {
			kept = append(kept, t)
		}
	}
	m.completed = kept
	msgs := m.msgs[:0]
	for _, msg := range m.msgs {
		if msg.Easy != e {
			msgs = append(msgs, msg)
		}
	}
	m.msgs = msgs

	e.mu.Lock()
	if e.multi == m {
		e.multi = nil
	}
	e.mu.Unlock()
}

// Perform starts newly added transfers, queues completion messages for
// finished ones and returns how many are still running. It never blocks on
// network I/O.
func (m *Multi) Perform() (int, error) {
	if m == nil {
		return 0, xerrors.BadHandle("perform")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, m.fail("perform", xerrors.BadHandle("perform"))
	}

	for _, e := range m.pending {
		m.startLocked(e)
	}
	m.pending = m.pending[:0]

	for _, t := range m.completed {
		if m.running[t.easy] != t {
			continue
		}
		delete(m.running, t.easy)
		m.msgs = append(m.msgs, &Message{
			Kind:   MsgDone,
			Easy:   t.easy,
			Result: t.result,
			Err:    t.err,
		})
	}
	m.completed = m.completed[:0]

	select {
	case <-m.notify:
	default:
	}

	return len(m.running), nil
}

func (m *Multi) startLocked(e *Easy) {
	opts, stale := e.begin()
	stale.abort()

	ctx, cancel := context.WithCancel(m.baseCtx)
	if opts.timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, opts.timeout)
	}
	ctx = logging.ContextWithTransferID(ctx, e.id)

	t := &transfer{
		easy:     e,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
		started:  time.Now(),
	}
	m.running[e] = t
	m.started.Add(1)
	m.metrics.RecordActiveTransfers(ctx, 1)

	go m.run(t)
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

// complete hands a finished transfer to the next Perform
func (m *Multi) complete(t *transfer) {
	m.mu.Lock()
	m.completed = append(m.completed, t)
	m.mu.Unlock()

	m.done.Add(1)
	m.metrics.RecordActiveTransfers(t.ctx, -1)

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until a transfer finishes, Wakeup is called or timeout
// elapses. It returns the number of finished transfers waiting for Perform.
// It returns at once when nothing is running.
func (m *Multi) Wait(timeout time.Duration) (int, error) {
	if m == nil {
		return 0, xerrors.BadHandle("wait")
	}
	if timeout < 0 {
		return 0, m.fail("wait", xerrors.MultiBadArgument("wait", "timeout", "negative timeout"))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, m.fail("wait", xerrors.BadHandle("wait"))
	}
	ready := len(m.completed)
	idle := len(m.running) == 0 || len(m.pending) > 0
	m.mu.Unlock()

	if ready > 0 || idle {
		return ready, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.notify:
	case <-m.wake:
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed), nil
}

// Wakeup makes a blocked or the next Wait return immediately
func (m *Multi) Wakeup() error {
	if m == nil {
		return xerrors.BadHandle("wakeup")
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return m.fail("wakeup", xerrors.BadHandle("wakeup"))
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// InfoRead returns the next completion message and how many remain queued
// after it. It returns nil when the queue is empty.
func (m *Multi) InfoRead() (*Message, int) {
	if m == nil {
		return nil, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		return nil, 0
	}
	msg := m.msgs[0]
	m.msgs[0] = nil
	m.msgs = m.msgs[1:]
	return msg, len(m.msgs)
}

// Stats returns the pool counters
func (m *Multi) Stats() Stats {
	return Stats{
		TransfersStarted:   m.started.Load(),
		TransfersCompleted: m.done.Load(),
		ConnectionsOpened:  m.opened.Load(),
		ConnectionsReused:  m.reused.Load(),
	}
}

// Close aborts running transfers, detaches every handle and closes idle
// connections. Further calls on the Multi fail with BadHandle, except Close
// which returns nil.
func (m *Multi) Close() error {
	if m == nil {
		return xerrors.BadHandle("cleanup")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	running := make([]*transfer, 0, len(m.running))
	for _, t := range m.running {
		running = append(running, t)
	}
	m.mu.Unlock()

	for _, t := range running {
		t.aborted.Store(true)
		t.cancel()
	}
	for _, t := range running {
		<-t.finished
	}
	m.cancelAll()

	m.mu.Lock()
	for e := range m.handles {
		m.detachLocked(e)
	}
	m.pending = nil
	m.completed = nil
	m.msgs = nil
	m.mu.Unlock()

	m.pool.close()
	m.logger.Debug("multi closed", logging.Int("aborted", len(running)))
	return nil
}
