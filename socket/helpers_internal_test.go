package socket

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const testGateway = "ws://gateway.test/prod/"

var testIdentity = Identity{From: "+1555", To: "+1777"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	sendErr error

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return ErrConnectionClosed
	default:
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, string(data))
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) setSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sendErr = err
}

func (t *fakeTransport) actions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.sent))
	for _, s := range t.sent {
		f, err := decodeAction([]byte(s))
		if err != nil {
			out = append(out, "?")
			continue
		}
		out = append(out, f)
	}
	return out
}

type dialResult struct {
	t   Transport
	err error
}

type dialCall struct {
	target   string
	result   chan dialResult
	returned chan struct{}
}

// fakeDialer blocks every Dial until the test answers that call.
type fakeDialer struct {
	mu    sync.Mutex
	calls []*dialCall
	added chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{added: make(chan struct{}, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (Transport, error) {
	call := &dialCall{
		target:   target,
		result:   make(chan dialResult, 1),
		returned: make(chan struct{}),
	}
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
	d.added <- struct{}{}

	defer close(call.returned)
	select {
	case r := <-call.result:
		return r.t, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.calls)
}

// call waits for the i-th Dial (0-based) to start.
func (d *fakeDialer) call(t *testing.T, i int) *dialCall {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		d.mu.Lock()
		if len(d.calls) > i {
			c := d.calls[i]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		select {
		case <-d.added:
		case <-deadline:
			t.Fatalf("timeout waiting for dial #%d", i+1)
		}
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}

// fire runs the callback on its own goroutine, as time.AfterFunc does.
func (t *fakeTimer) fire() {
	go t.f()
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.timers)
}

func (c *fakeClock) timer(t *testing.T, i int) *fakeTimer {
	t.Helper()
	waitFor(t, func() bool { return c.count() > i })
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timers[i]
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) record(st Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.statuses = append(l.statuses, st)
}

func (l *statusLog) all() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Status(nil), l.statuses...)
}

func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *fakeDialer, *fakeClock) {
	t.Helper()
	d := newFakeDialer()
	clk := &fakeClock{}
	opts = append([]ClientOption{WithDialer(d), WithLogger(discardLogger())}, opts...)
	c := NewClient(testGateway, opts...)
	c.afterFunc = clk.afterFunc
	c.rnd = func() float64 { return 0.5 }
	t.Cleanup(c.Disconnect)
	return c, d, clk
}

// connectAsync starts Connect and returns a channel with its result.
func connectAsync(c *Client, id Identity) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background(), id)
	}()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Connect")
		return nil
	}
}

// openClient connects c with a fresh fake transport on dial #i.
func openClient(t *testing.T, c *Client, d *fakeDialer, i int) *fakeTransport {
	t.Helper()
	done := connectAsync(c, testIdentity)
	tr := newFakeTransport()
	d.call(t, i).result <- dialResult{t: tr}
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return tr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}
