// Package network tracks connectivity from a platform signal and reports
// debounced online/offline transitions.
package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/platform/timeouts"
)

// Details carries platform-specific extras.
type Details struct {
	IsConnectionExpensive bool `json:"is_connection_expensive"`
}

// Signal is one raw connectivity report. A nil IsInternetReachable means the
// platform has not determined reachability yet.
type Signal struct {
	IsConnected         bool    `json:"is_connected"`
	Type                string  `json:"type"`
	IsInternetReachable *bool   `json:"is_internet_reachable,omitempty"`
	Details             Details `json:"details"`
}

// Source is a platform connectivity feed. Subscribe delivers signals to fn
// until cancel is called or ctx ends.
type Source interface {
	Subscribe(ctx context.Context, fn func(Signal)) (cancel func(), err error)
}

// State is the committed connectivity view. It is replaced wholesale.
type State struct {
	IsOnline            bool   `json:"is_online"`
	ConnectionType      string `json:"connection_type"`
	IsInternetReachable bool   `json:"is_internet_reachable"`
	IsExpensive         bool   `json:"is_expensive"`
}

// Transition is a committed change of IsOnline.
type Transition uint8

const (
	OfflineToOnline Transition = iota + 1
	OnlineToOffline
)

func (t Transition) String() string {
	switch t {
	case OfflineToOnline:
		return "offline->online"
	case OnlineToOffline:
		return "online->offline"
	default:
		return "none"
	}
}

func stateFrom(sig Signal) State {
	reachable := sig.IsInternetReachable == nil || *sig.IsInternetReachable
	return State{
		IsOnline:            sig.IsConnected && reachable,
		ConnectionType:      sig.Type,
		IsInternetReachable: reachable,
		IsExpensive:         sig.Details.IsConnectionExpensive,
	}
}

// optimistic is reported until the source delivers its first signal, and
// whenever the source cannot be subscribed to.
var optimistic = State{IsOnline: true, ConnectionType: "unknown", IsInternetReachable: true}

type stopper interface{ Stop() bool }

// Monitor debounces a Source into State and transition events.
type Monitor struct {
	mu          sync.Mutex
	state       State
	seen        bool
	pending     *State
	pendingGen  uint64
	timer       stopper
	listeners   map[uint64]func(Transition, State)
	nextID      uint64
	onReconnect func(context.Context)
	cancelSrc   func()
	started     bool

	source    Source
	debounce  time.Duration
	limiter   *rate.Limiter
	afterFunc func(time.Duration, func()) stopper
	logger    *zap.Logger
	metrics   *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce sets how long a flip must persist before it is committed.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = d }
}

// WithResubscribeInterval throttles retries of a failed Source.Subscribe.
func WithResubscribeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Monitor) { m.metrics = r }
}

// NewMonitor builds a monitor over source. Call Start to subscribe.
func NewMonitor(source Source, opts ...Option) *Monitor {
	m := &Monitor{
		state:     optimistic,
		listeners: make(map[uint64]func(Transition, State)),
		source:    source,
		debounce:  timeouts.Debounce,
		limiter:   rate.NewLimiter(rate.Every(5*time.Second), 1),
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).Named("network")
	return m
}

// Current returns the committed state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports Current().IsOnline.
func (m *Monitor) IsOnline() bool {
	return m.Current().IsOnline
}

// Subscribe registers fn for committed transitions. Listeners run on the
// committing goroutine and must not block.
func (m *Monitor) Subscribe(fn func(Transition, State)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	listenerID := m.nextID
	m.listeners[listenerID] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, listenerID)
	}
}

// OnReconnect sets the hook run once per committed offline->online
// transition, on its own goroutine with the monitor's context.
func (m *Monitor) OnReconnect(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Start subscribes to the source. A failing source never fails Start: the
// monitor stays optimistically online and keeps retrying in the background.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("network monitor already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if err := m.subscribe(); err != nil {
		m.logger.Warn("connectivity source unavailable, assuming online", zap.Error(err))
		m.wg.Add(1)
		go m.resubscribe()
	}
	return nil
}

func (m *Monitor) subscribe() error {
	if m.source == nil {
		return errors.New("no connectivity source")
	}
	cancel, err := m.source.Subscribe(m.ctx, m.handle)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.ctx.Err() != nil {
		// Stopped while subscribing.
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.cancelSrc = cancel
	m.mu.Unlock()
	return nil
}

func (m *Monitor) resubscribe() {
	defer m.wg.Done()
	for {
		if err := m.limiter.Wait(m.ctx); err != nil {
			return
		}
		err := m.subscribe()
		if err == nil {
			m.logger.Info("connectivity source subscribed")
			return
		}
		m.logger.Debug("connectivity source still unavailable", zap.Error(err))
	}
}

// Stop unsubscribes, cancels any pending flip and waits for reconnect hooks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = nil
	cancelSrc := m.cancelSrc
	m.cancelSrc = nil
	m.mu.Unlock()

	if cancelSrc != nil {
		cancelSrc()
	}
	m.wg.Wait()
}

// handle receives raw signals from the source.
func (m *Monitor) handle(sig Signal) {
	next := stateFrom(sig)

	m.mu.Lock()
	if m.ctx != nil && m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if !m.seen {
		// The first report replaces the optimistic default without a
		// transition event; there was no observed prior state.
		m.seen = true
		m.state = next
		m.mu.Unlock()
		m.logger.Info("connectivity initialised", zap.Bool("online", next.IsOnline), zap.String("type", next.ConnectionType))
		return
	}
	if next.IsOnline == m.state.IsOnline {
		// Same side of the fence: apply details now and drop any pending flip.
		m.cancelPendingLocked()
		m.state = next
		m.mu.Unlock()
		return
	}
	if m.pending != nil {
		// The flip is already being debounced; keep its deadline.
		m.pending = &next
		m.mu.Unlock()
		return
	}
	m.pending = &next
	m.pendingGen++
	gen := m.pendingGen
	if m.debounce <= 0 {
		m.mu.Unlock()
		m.commit(gen)
		return
	}
	m.timer = m.afterFunc(m.debounce, func() { m.commit(gen) })
	m.mu.Unlock()
}

func (m *Monitor) cancelPendingLocked() {
	if m.pending == nil {
		return
	}
	m.pending = nil
	m.pendingGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// commit applies the pending flip if it is still the current one.
func (m *Monitor) commit(gen uint64) {
	m.mu.Lock()
	if m.pending == nil || gen != m.pendingGen {
		m.mu.Unlock()
		return
	}
	m.state = *m.pending
	m.pending = nil
	m.timer = nil
	state := m.state
	listeners := make([]func(Transition, State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	tr := OnlineToOffline
	if state.IsOnline {
		tr = OfflineToOnline
	}
	hook := m.onReconnect
	ctx := m.ctx
	reconnect := tr == OfflineToOnline && hook != nil && ctx != nil
	if reconnect {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.metrics.Transition(state.IsOnline)
	m.logger.Info("connectivity changed", zap.Stringer("transition", tr), zap.String("type", state.ConnectionType))
	for _, fn := range listeners {
		fn(tr, state)
	}
	if reconnect {
		go func() {
			defer m.wg.Done()
			hook(ctx)
		}()
	}
}
