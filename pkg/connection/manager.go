// Package connection owns the single streaming connection to the analysis
// backend. A Manager runs one event loop that serializes every transition:
// explicit connect/disconnect, dial results, inbound messages, transport loss
// and reconnect timer firings. Inbound messages are handed to the
// MessageHandler on the loop goroutine, in receipt order.
package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/logchat/pkg/protocol"
)

// MessageHandler consumes raw inbound messages. An error only drops that
// message.
type MessageHandler interface {
	HandleMessage(data []byte) error
}

type MessageHandlerFunc func(data []byte) error

func (f MessageHandlerFunc) HandleMessage(data []byte) error {
	return f(data)
}

const (
	defaultEventBuffer  = 64
	defaultSendBuffer   = 32
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultDialTimeout  = 15 * time.Second
)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evSend
	evDialed
	evMessage
	evClosed
	evRetry
)

type event struct {
	kind      eventKind
	gen       uint64
	data      []byte
	transport Transport
	err       error
}

type Manager struct {
	endpoint     string
	dialer       Dialer
	handler      MessageHandler
	policy       ReconnectPolicy
	afterFunc    AfterFunc
	onStatus     func(Status)
	logger       zerolog.Logger
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
	dialTimeout  time.Duration

	events  chan event
	done    chan struct{}
	running atomic.Bool

	statusMu sync.RWMutex
	status   Status

	// owned by the loop goroutine
	runCtx   context.Context
	state    State
	attempts int
	gen      uint64
	conn     *handle
	timer    Timer
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithAfterFunc replaces the timer used to schedule reconnections.
func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Manager) {
		m.afterFunc = fn
	}
}

// WithStatusListener registers fn for state changes. fn runs on the loop
// goroutine and must not block.
func WithStatusListener(fn func(Status)) Option {
	return func(m *Manager) {
		m.onStatus = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithSendBuffer(n int) Option {
	return func(m *Manager) {
		m.sendBuffer = n
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.writeTimeout = d
	}
}

// WithPingInterval sets how often keepalive pings are written; 0 disables
// them.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.pingInterval = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.dialTimeout = d
	}
}

func New(endpoint string, handler MessageHandler, options ...Option) *Manager {
	m := &Manager{
		endpoint:     endpoint,
		dialer:       WebsocketDialer{},
		handler:      handler,
		policy:       DefaultReconnectPolicy(),
		afterFunc:    realAfterFunc,
		logger:       log.With().Str("component", "connection").Str("endpoint", endpoint).Logger(),
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		dialTimeout:  defaultDialTimeout,
		events:       make(chan event, defaultEventBuffer),
		done:         make(chan struct{}),
		state:        Idle,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.sendBuffer <= 0 {
		m.sendBuffer = 1
	}
	m.status = Status{State: Idle}
	return m
}

func (m *Manager) Endpoint() string {
	return m.endpoint
}

// Status returns the most recently published status.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Connect starts the connection cycle from Idle, or restarts it after the
// reconnect budget ran out. It is ignored while a cycle is in progress.
func (m *Manager) Connect() {
	m.post(event{kind: evConnect})
}

// Disconnect closes the connection, cancels any pending reconnection and
// returns the machine to Idle.
func (m *Manager) Disconnect() {
	m.post(event{kind: evDisconnect})
}

// Send queues frame for transmission without blocking. Frames are dropped
// silently unless the connection is open when the loop picks them up.
func (m *Manager) Send(frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping unencodable frame")
		return
	}
	select {
	case m.events <- event{kind: evSend, data: data}:
	case <-m.done:
	default:
		m.logger.Warn().Int("bytes", len(data)).Msg("event queue full, dropping frame")
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run processes events until ctx is cancelled. It may only be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("connection manager already running")
	}
	m.runCtx = ctx
	defer close(m.done)
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.step(ev)
		}
	}
}

func (m *Manager) step(ev event) {
	switch ev.kind {
	case evConnect:
		switch m.state {
		case Idle:
			m.attempts = 0
			m.dial()
		case Closed:
			// explicit restart after the budget ran out
			m.attempts = 0
			m.dial()
		default:
			m.logger.Debug().Str("state", m.state.String()).Msg("connect ignored")
		}

	case evDisconnect:
		m.stopTimer()
		m.dropTransport()
		m.gen++
		m.attempts = 0
		m.setState(Idle, nil, false)

	case evSend:
		if m.state != Open || m.conn == nil {
			m.logger.Debug().Str("state", m.state.String()).Msg("not open, dropping frame")
			return
		}
		select {
		case m.conn.out <- ev.data:
		default:
			m.logger.Warn().Int("bytes", len(ev.data)).Msg("send buffer full, dropping frame")
		}

	case evDialed:
		if ev.gen != m.gen || m.state != Connecting {
			if ev.transport != nil {
				_ = ev.transport.Close()
			}
			return
		}
		if ev.err != nil {
			m.logger.Warn().Err(ev.err).Int("attempts", m.attempts).Msg("dial failed")
			m.handleLoss(ev.err)
			return
		}
		m.conn = newHandle(ev.transport, ev.gen, m.sendBuffer)
		m.attempts = 0
		m.setState(Open, nil, false)
		go m.readPump(m.conn)
		go m.writePump(m.conn)

	case evMessage:
		if m.conn == nil || ev.gen != m.conn.gen {
			return
		}
		if m.handler == nil {
			return
		}
		if err := m.handler.HandleMessage(ev.data); err != nil {
			m.logger.Warn().Err(err).Int("bytes", len(ev.data)).Msg("dropping inbound message")
		}

	case evClosed:
		if m.conn == nil || ev.gen != m.conn.gen {
			return
		}
		m.logger.Info().Err(ev.err).Msg("connection lost")
		m.handleLoss(ev.err)

	case evRetry:
		if ev.gen != m.gen || m.state != Reconnecting {
			return
		}
		m.timer = nil
		m.dial()
	}
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	m.setState(Connecting, nil, false)

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
		t, err := m.dialer.Dial(dctx, m.endpoint)
		if err == nil && t == nil {
			err = errors.New("dialer returned no transport")
		}
		select {
		case m.events <- event{kind: evDialed, gen: gen, transport: t, err: err}:
		case <-m.done:
			if t != nil {
				_ = t.Close()
			}
		}
	}()
}

// handleLoss moves to Closed and either schedules the next attempt or gives
// up.
func (m *Manager) handleLoss(cause error) {
	m.dropTransport()
	if cause == nil {
		cause = errors.New("connection closed")
	}

	if !m.policy.Allows(m.attempts) {
		err := errors.Wrap(ErrReconnectBudgetExhausted, cause.Error())
		m.logger.Error().Err(cause).Int("attempts", m.attempts).Msg("giving up on reconnection")
		m.setState(Closed, err, true)
		return
	}
	m.setState(Closed, cause, false)

	delay := m.policy.Delay(m.attempts)
	m.attempts++
	gen := m.gen
	m.setState(Reconnecting, cause, false)
	m.logger.Info().Dur("delay", delay).Int("attempt", m.attempts).Msg("scheduling reconnect")
	m.timer = m.afterFunc(delay, func() {
		m.post(event{kind: evRetry, gen: gen})
	})
}

func (m *Manager) setState(s State, err error, gaveUp bool) {
	m.state = s
	st := Status{State: s, Attempts: m.attempts, Err: err, GaveUp: gaveUp}
	m.statusMu.Lock()
	m.status = st
	m.statusMu.Unlock()
	m.logger.Debug().Str("state", s.String()).Int("attempts", m.attempts).Msg("state change")
	if m.onStatus != nil {
		m.onStatus(st)
	}
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) dropTransport() {
	if m.conn != nil {
		m.conn.close()
		m.conn = nil
	}
}

func (m *Manager) shutdown() {
	m.stopTimer()
	m.dropTransport()
	m.gen++
	if m.state != Idle {
		m.setState(Idle, nil, false)
	}
}

// handle is one live transport plus its pumps.
type handle struct {
	t    Transport
	gen  uint64
	out  chan []byte
	stop chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
}

func newHandle(t Transport, gen uint64, buffer int) *handle {
	return &handle{
		t:    t,
		gen:  gen,
		out:  make(chan []byte, buffer),
		stop: make(chan struct{}),
	}
}

func (h *handle) closeTransport() {
	h.closeOnce.Do(func() {
		_ = h.t.Close()
	})
}

func (h *handle) close() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	h.closeTransport()
}

func (m *Manager) readPump(h *handle) {
	for {
		msgType, data, err := h.t.ReadMessage()
		if err != nil {
			m.deliver(h, event{kind: evClosed, gen: h.gen, err: err})
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !m.deliver(h, event{kind: evMessage, gen: h.gen, data: data}) {
			return
		}
	}
}

func (m *Manager) deliver(h *handle, ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-h.stop:
		return false
	case <-m.done:
		return false
	}
}

func (m *Manager) writePump(h *handle) {
	var ping <-chan time.Time
	if m.pingInterval > 0 {
		ticker := time.NewTicker(m.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-h.stop:
			return
		case data := <-h.out:
			m.setWriteDeadline(h)
			if err := h.t.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Warn().Err(err).Msg("write failed, closing transport")
				// the read pump sees the close and reports the loss
				h.closeTransport()
				return
			}
		case <-ping:
			m.setWriteDeadline(h)
			if err := h.t.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.logger.Warn().Err(err).Msg("ping failed, closing transport")
				h.closeTransport()
				return
			}
		}
	}
}

func (m *Manager) setWriteDeadline(h *handle) {
	if m.writeTimeout > 0 {
		_ = h.t.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	}
}
