package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	failWrite bool

	mu     sync.Mutex
	writes [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.inbound:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	if f.failWrite {
		return errors.New("broken pipe")
	}
	if messageType == websocket.TextMessage {
		f.mu.Lock()
		f.writes = append(f.writes, append([]byte(nil), data...))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.writes))
	for _, w := range f.writes {
		out = append(out, string(w))
	}
	return out
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

func (ft *fakeTimers) get(i int) *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.timers[i]
}

func (ft *fakeTimers) delays() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]time.Duration, 0, len(ft.timers))
	for _, t := range ft.timers {
		out = append(out, t.delay)
	}
	return out
}

// fire runs the i-th scheduled callback, as the runtime would when the
// delay elapses.
func (ft *fakeTimers) fire(i int) {
	ft.get(i).fn()
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	next  func(call int) (Transport, error)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	next := d.next
	d.mu.Unlock()
	return next(call)
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type harness struct {
	m        *Manager
	dialer   *fakeDialer
	timers   *fakeTimers
	statuses chan Status
	received chan []byte
}

func newHarness(t *testing.T, dial func(call int) (Transport, error), handler MessageHandler, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{next: dial},
		timers:   &fakeTimers{},
		statuses: make(chan Status, 256),
		received: make(chan []byte, 64),
	}
	if handler == nil {
		handler = MessageHandlerFunc(func(b []byte) error {
			h.received <- b
			return nil
		})
	}
	options := append([]Option{
		WithDialer(h.dialer),
		WithAfterFunc(h.timers.AfterFunc),
		WithStatusListener(func(s Status) { h.statuses <- s }),
		WithPingInterval(0),
		WithLogger(zerolog.Nop()),
	}, opts...)
	h.m = New("ws://backend.test:8080/api/ws/c1", handler, options...)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-runDone)
	})
	return h
}

func (h *harness) waitFor(t *testing.T, want State) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.statuses:
			if s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", want, h.m.Status().State)
			return Status{}
		}
	}
}

func (h *harness) waitTimers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.timers.count() >= n }, 2*time.Second, 5*time.Millisecond)
}

func alwaysFail(int) (Transport, error) {
	return nil, errors.New("connection refused")
}

func TestReconnectPolicy_Delay(t *testing.T) {
	p := DefaultReconnectPolicy()
	require.Equal(t, 5, p.MaxAttempts)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for k, d := range want {
		require.Equal(t, d, p.Delay(k))
		require.True(t, p.Allows(k))
	}
	require.False(t, p.Allows(5))
	require.Equal(t, time.Second, p.Delay(-3))
}

func TestManager_OpensAndDeliversInOrder(t *testing.T) {
	tr := newFakeTransport()
	h := newHarness(t, func(int) (Transport, error) { return tr, nil }, nil)

	require.Equal(t, Idle, h.m.Status().State)
	h.m.Connect()
	h.waitFor(t, Connecting)
	st := h.waitFor(t, Open)
	require.Equal(t, 0, st.Attempts)

	for _, m := range []string{`{"type":"chunk","content":"a"}`, `{"type":"chunk","content":"b"}`, `{"type":"done"}`} {
		tr.inbound <- []byte(m)
	}
	for _, want := range []string{`{"type":"chunk","content":"a"}`, `{"type":"chunk","content":"b"}`, `{"type":"done"}`} {
		select {
		case got := <-h.received:
			require.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	h.m.Send(map[string]string{"type": "chat", "message": "hi"})
	require.Eventually(t, func() bool { return len(tr.written()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.JSONEq(t, `{"type":"chat","message":"hi"}`, tr.written()[0])
}

func TestManager_ConnectIgnoredWhileActive(t *testing.T) {
	tr := newFakeTransport()
	h := newHarness(t, func(int) (Transport, error) { return tr, nil }, nil)

	h.m.Connect()
	h.waitFor(t, Open)
	h.m.Connect()
	h.m.Disconnect()
	h.waitFor(t, Idle)
	require.Equal(t, 1, h.dialer.callCount())
	require.True(t, tr.isClosed())
}

func TestManager_SendDroppedUnlessOpen(t *testing.T) {
	release := make(chan struct{})
	transports := []*fakeTransport{newFakeTransport(), newFakeTransport(), newFakeTransport()}
	h := newHarness(t, func(call int) (Transport, error) {
		switch call {
		case 1:
			<-release
			return transports[0], nil
		case 2:
			return nil, errors.New("refused")
		case 3:
			return transports[1], nil
		default:
			return transports[2], nil
		}
	}, nil, WithReconnectPolicy(ReconnectPolicy{MaxAttempts: 1, BaseDelay: time.Second}))

	// Idle
	h.m.Send(map[string]string{"type": "chat", "message": "idle"})

	// Connecting: the dial blocks until released
	h.m.Connect()
	h.waitFor(t, Connecting)
	h.m.Send(map[string]string{"type": "chat", "message": "connecting"})
	close(release)
	h.waitFor(t, Open)

	// Reconnecting: drop the transport, the next dial fails
	_ = transports[0].Close()
	h.waitFor(t, Reconnecting)
	h.m.Send(map[string]string{"type": "chat", "message": "reconnecting"})
	h.waitTimers(t, 1)
	h.timers.fire(0)

	// Closed after the budget of one attempt is spent
	st := h.waitFor(t, Closed)
	for !st.GaveUp {
		st = h.waitFor(t, Closed)
	}
	h.m.Send(map[string]string{"type": "chat", "message": "closed"})

	h.m.Connect()
	h.waitFor(t, Open)

	require.Empty(t, transports[0].written())
	require.Empty(t, transports[1].written())

	h.m.Send(map[string]string{"type": "chat", "message": "open"})
	require.Eventually(t, func() bool { return len(transports[1].written()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.JSONEq(t, `{"type":"chat","message":"open"}`, transports[1].written()[0])
}

func TestManager_BackoffScheduleAndBudget(t *testing.T) {
	h := newHarness(t, alwaysFail, nil)

	h.m.Connect()
	for k := 0; k < 5; k++ {
		st := h.waitFor(t, Reconnecting)
		require.Equal(t, k+1, st.Attempts)
		h.waitTimers(t, k+1)
		h.timers.fire(k)
	}

	var st Status
	for !st.GaveUp {
		st = h.waitFor(t, Closed)
	}
	require.True(t, errors.Is(st.Err, ErrReconnectBudgetExhausted))
	require.Equal(t, 5, st.Attempts)

	require.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}, h.timers.delays())
	require.Equal(t, 6, h.dialer.callCount())

	// no sixth automatic attempt
	require.Never(t, func() bool { return h.timers.count() > 5 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, Closed, h.m.Status().State)
}

func TestManager_ReconnectThenResume(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	h := newHarness(t, func(call int) (Transport, error) {
		switch call {
		case 1:
			return first, nil
		case 4:
			return second, nil
		default:
			return nil, errors.New("refused")
		}
	}, nil)

	h.m.Connect()
	h.waitFor(t, Open)
	first.inbound <- []byte(`{"type":"done"}`)
	<-h.received

	_ = first.Close()
	for k := 0; k < 3; k++ {
		h.waitFor(t, Reconnecting)
		h.waitTimers(t, k+1)
		h.timers.fire(k)
	}
	st := h.waitFor(t, Open)
	require.Equal(t, 0, st.Attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.timers.delays())

	second.inbound <- []byte(`{"type":"chunk","content":"resumed"}`)
	require.Equal(t, `{"type":"chunk","content":"resumed"}`, string(<-h.received))

	// a later drop starts again from the base delay
	_ = second.Close()
	h.waitFor(t, Reconnecting)
	h.waitTimers(t, 4)
	require.Equal(t, time.Second, h.timers.get(3).delay)
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	tr := newFakeTransport()
	h := newHarness(t, func(call int) (Transport, error) {
		if call == 1 {
			return tr, nil
		}
		return nil, errors.New("refused")
	}, nil)

	h.m.Connect()
	h.waitFor(t, Open)
	_ = tr.Close()
	h.waitFor(t, Reconnecting)
	h.waitTimers(t, 1)

	h.m.Disconnect()
	st := h.waitFor(t, Idle)
	require.Equal(t, 0, st.Attempts)
	require.True(t, h.timers.get(0).isStopped())

	// a timer that fires anyway is stale and must not dial
	h.timers.fire(0)
	h.m.Connect()
	h.waitFor(t, Connecting)
	require.Eventually(t, func() bool { return h.dialer.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return h.dialer.callCount() > 2 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestManager_StaleDialIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	tr := newFakeTransport()
	h := newHarness(t, func(int) (Transport, error) {
		<-release
		return tr, nil
	}, nil)

	h.m.Connect()
	h.waitFor(t, Connecting)
	h.m.Disconnect()
	h.waitFor(t, Idle)
	close(release)

	require.Eventually(t, tr.isClosed, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, Idle, h.m.Status().State)
}

func TestManager_HandlerErrorKeepsConnection(t *testing.T) {
	tr := newFakeTransport()
	var h *harness
	h = newHarness(t, func(int) (Transport, error) { return tr, nil }, MessageHandlerFunc(func(b []byte) error {
		if string(b) == "garbage" {
			return errors.New("malformed frame")
		}
		h.received <- b
		return nil
	}))

	h.m.Connect()
	h.waitFor(t, Open)
	tr.inbound <- []byte("garbage")
	tr.inbound <- []byte(`{"type":"done"}`)

	require.Equal(t, `{"type":"done"}`, string(<-h.received))
	require.Equal(t, Open, h.m.Status().State)
	require.Equal(t, 1, h.dialer.callCount())
	require.False(t, tr.isClosed())
}

func TestManager_WriteFailureTriggersReconnect(t *testing.T) {
	broken := newFakeTransport()
	broken.failWrite = true
	h := newHarness(t, func(call int) (Transport, error) {
		if call == 1 {
			return broken, nil
		}
		return newFakeTransport(), nil
	}, nil)

	h.m.Connect()
	h.waitFor(t, Open)
	h.m.Send(map[string]string{"type": "chat"})

	st := h.waitFor(t, Reconnecting)
	require.Equal(t, 1, st.Attempts)
	require.Error(t, st.Err)
	require.True(t, broken.isClosed())
}

func TestManager_ExplicitConnectAfterGiveUp(t *testing.T) {
	tr := newFakeTransport()
	h := newHarness(t, func(call int) (Transport, error) {
		if call <= 1 {
			return nil, errors.New("refused")
		}
		return tr, nil
	}, nil, WithReconnectPolicy(ReconnectPolicy{MaxAttempts: 0, BaseDelay: time.Second}))

	h.m.Connect()
	st := h.waitFor(t, Closed)
	require.True(t, st.GaveUp)
	require.Equal(t, 0, h.timers.count())

	h.m.Connect()
	st = h.waitFor(t, Open)
	require.Equal(t, 0, st.Attempts)
}

func TestManager_RunOnlyOnce(t *testing.T) {
	h := newHarness(t, alwaysFail, nil)
	require.Eventually(t, func() bool { return h.m.running.Load() }, time.Second, 5*time.Millisecond)
	require.ErrorContains(t, h.m.Run(context.Background()), "already running")
}

func TestManager_SendUnencodableFrame(t *testing.T) {
	tr := newFakeTransport()
	h := newHarness(t, func(int) (Transport, error) { return tr, nil }, nil)
	h.m.Connect()
	h.waitFor(t, Open)

	h.m.Send(map[string]any{"bad": make(chan int)})
	h.m.Send(map[string]string{"type": "chat"})
	require.Eventually(t, func() bool { return len(tr.written()) == 1 }, 2*time.Second, 5*time.Millisecond)
}
