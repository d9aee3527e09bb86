package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	signalr "github.com/EvilPomelo/SignalR"
)

// defaultIdleTimeout is the scavenger's hard-coded-in-spec inactivity
// threshold; exposed as WithIdleTimeout since it costs one functional
// option (§13 open-question decision).
const defaultIdleTimeout = 5 * time.Second

// scavengeInterval is the scavenger tick cadence (§4.E).
const scavengeInterval = 1 * time.Second

// shutdownBudget bounds how long CloseConnections waits for every
// connection to dispose before abandoning the stragglers (§5).
const shutdownBudget = 5 * time.Second

// Manager owns every live logical connection, keyed by id. It mints
// ids, runs a timer-driven scavenger that disposes long-idle
// connections, and shuts everything down atomically at process stop
// (§4.E).
type Manager struct {
	executionLock sync.Mutex
	connections   sync.Map // string -> *Record

	clock            clockwork.Clock
	logger           signalr.Logger
	idleTimeout      time.Duration
	debuggerAttached func() bool
	onRemove         func(id string)
	pipeCapacity     int

	scavengeMu sync.Mutex // enforces "at most one scavenger pass in flight"
	timer      clockwork.Timer
	disposed   bool
	started    bool
	stopScan   chan struct{}
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithClock injects a clockwork.Clock, letting tests drive the
// scavenger deterministically instead of sleeping real time.
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerLogger injects a structured logger.
func WithManagerLogger(l signalr.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithIdleTimeout overrides the default 5-second inactivity threshold.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithDebuggerAttached overrides how the scavenger checks "no debugger
// attached" (§4.E step 3). Go has no runtime debugger-attached signal
// equivalent to the source platform's; the default reports false
// (never suppress disposal), and tests or embedders can inject their
// own check.
func WithDebuggerAttached(f func() bool) ManagerOption {
	return func(m *Manager) { m.debuggerAttached = f }
}

// WithOnRemove registers a hook invoked after a connection is removed
// from the registry, for telemetry or hub-proxy cleanup.
func WithOnRemove(f func(id string)) ManagerOption {
	return func(m *Manager) { m.onRemove = f }
}

// WithConnectionPipeCapacity sizes the duplex pipes CreateConnection
// allocates.
func WithConnectionPipeCapacity(n int) ManagerOption {
	return func(m *Manager) { m.pipeCapacity = n }
}

// NewManager constructs a Manager. Call Start to begin scavenging.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		clock:            clockwork.NewRealClock(),
		logger:           zap.NewNop(),
		idleTimeout:      defaultIdleTimeout,
		debuggerAttached: func() bool { return false },
		stopScan:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateConnection mints a unique id, allocates a duplex pair, and
// inserts a new Record into the registry (§4.E).
func (m *Manager) CreateConnection() *Record {
	id := uuid.NewString() // TODO: sign and encrypt connection ids once an auth model lands
	pipes := signalr.CreateConnectionPair(m.pipeCapacity, m.pipeCapacity)
	record := newRecord(id, pipes, m.clock)
	m.connections.Store(id, record)
	return record
}

// TryGetConnection looks up a connection by id.
func (m *Manager) TryGetConnection(id string) (*Record, bool) {
	v, ok := m.connections.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Record), true
}

// RemoveConnection atomically takes a connection out of the registry
// and reports the removal to telemetry.
func (m *Manager) RemoveConnection(id string) {
	if _, ok := m.connections.LoadAndDelete(id); ok {
		m.logger.Debug("connection removed", zap.String("connectionId", id))
		if m.onRemove != nil {
			m.onRemove(id)
		}
	}
}

// Start begins the scavenger timer at a 1-second tick. Idempotent.
func (m *Manager) Start() {
	m.executionLock.Lock()
	defer m.executionLock.Unlock()
	if m.started || m.disposed {
		return
	}
	m.started = true
	m.timer = m.clock.NewTimer(scavengeInterval)
	go m.scavengeLoop()
}

func (m *Manager) scavengeLoop() {
	for {
		select {
		case <-m.stopScan:
			return
		case <-m.timer.Chan():
			m.scavengeOnce()
			m.executionLock.Lock()
			if !m.disposed {
				m.timer.Reset(scavengeInterval)
			}
			m.executionLock.Unlock()
		}
	}
}

// CloseConnections marks the manager disposed, stops the scavenger, and
// concurrently disposes every connection, waiting at most 5 seconds
// total (§4.E).
func (m *Manager) CloseConnections(ctx context.Context) error {
	m.executionLock.Lock()
	if m.disposed {
		m.executionLock.Unlock()
		return nil
	}
	m.disposed = true
	if m.started {
		close(m.stopScan)
	}
	m.executionLock.Unlock()

	budgetCtx, cancel := context.WithTimeout(ctx, shutdownBudget)
	defer cancel()

	g, gctx := errgroup.WithContext(budgetCtx)
	var records []*Record
	m.connections.Range(func(_, v interface{}) bool {
		records = append(records, v.(*Record))
		return true
	})

	var mu sync.Mutex
	var aggregate *multierror.Error
	for _, r := range records {
		r := r
		g.Go(func() error {
			if err := m.DisposeAndRemoveAsync(gctx, r); err != nil {
				mu.Lock()
				aggregate = multierror.Append(aggregate, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // individual errors are already collected above; g itself never returns non-nil

	if aggregate != nil {
		return aggregate.ErrorOrNil()
	}
	return nil
}

// DisposeAndRemoveAsync disposes a connection's duplex pipes then
// removes it from the registry. Dispose-time errors never escape: a
// panic during dispose is recovered and logged at warn. Disposing only
// completes the pipes, which reports no error, so failures are not
// split into I/O/reset and other kinds. Removal always happens (§4.E, §7).
func (m *Manager) DisposeAndRemoveAsync(ctx context.Context, r *Record) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			perr := errors.Errorf("panic disposing connection %s: %v", r.ID, rec)
			m.logger.Warn("connection dispose panicked", zap.String("connectionId", r.ID), zap.Any("panic", rec), zap.Error(perr))
		}
		m.RemoveConnection(r.ID)
	}()

	done := make(chan struct{})
	go func() {
		r.dispose()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Debug("connection dispose abandoned at shutdown deadline, proceeding detached", zap.String("connectionId", r.ID))
	}
	return nil
}
