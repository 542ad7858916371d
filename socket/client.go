package socket

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kleeedolinux/textsocket/debug"
	"github.com/kleeedolinux/textsocket/socket/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kleeedolinux/textsocket/socket"

//go:generate go tool mockgen -destination=./mocks/transport_mock.go -package=mocks . Transport,Dialer

// Transport is one open connection. Receive is called from a single goroutine
// and must return an error once Close has been called.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a Transport to target. A failed dial returns a nil Transport.
type Dialer interface {
	Dial(ctx context.Context, target string) (Transport, error)
}

type DialerFunc func(ctx context.Context, target string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (Transport, error) {
	return f(ctx, target)
}

// WebSocketDialer dials gorilla/websocket transports.
func WebSocketDialer(opts ...transport.WebSocketOption) Dialer {
	return DialerFunc(func(ctx context.Context, target string) (Transport, error) {
		t, err := transport.Dial(ctx, target, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

type timer interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// attempt is the in-flight connect gate shared by every caller waiting on one dial.
type attempt struct {
	identity Identity
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	err      error
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client keeps one session open over an unreliable transport. Frames sent
// while the transport is not open are queued and flushed on the next open;
// an unexpected close schedules a reconnect to the same identity.
type Client struct {
	mu  sync.Mutex
	id  string
	url string

	dialer      Dialer
	dialTimeout time.Duration
	wsOptions   []transport.WebSocketOption
	dispatcher  *Dispatcher
	queue       Queue

	state       State
	identity    Identity
	hasIdentity bool
	conn        Transport
	pending     *attempt

	policy         ReconnectPolicy
	failed         int
	reconnecting   bool
	reconnectTimer timer
	// epoch invalidates reconnect loops started before a Disconnect or an identity switch.
	epoch uint64

	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	onStatus  func(Status)
	statusBuf []Status

	afterFunc func(time.Duration, func()) timer
	rnd       func() float64
}

type ClientOption func(*Client)

func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithWebSocketOptions configures the default WebSocket dialer.
func WithWebSocketOptions(opts ...transport.WebSocketOption) ClientOption {
	return func(c *Client) {
		c.wsOptions = append(c.wsOptions, opts...)
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

func WithReconnectPolicy(p ReconnectPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.policy.Delay = d
	}
}

func WithMaxReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.policy.MaxDelay = d
	}
}

// WithReconnectAttempts stops reconnecting after attempts failures. Zero retries forever.
func WithReconnectAttempts(attempts int) ClientOption {
	return func(c *Client) {
		c.policy.MaxAttempts = attempts
	}
}

func WithReconnectJitter(jitter float64) ClientOption {
	return func(c *Client) {
		c.policy.Jitter = jitter
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// WithStatusHandler receives every lifecycle transition. It is called after
// the client's lock is released and may call back into the client.
func WithStatusHandler(fn func(Status)) ClientOption {
	return func(c *Client) {
		c.onStatus = fn
	}
}

// NewClient creates an idle client for the gateway at url. The session
// identity is appended to url as query parameters on every dial.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		id:          uuid.NewString(),
		url:         url,
		dialTimeout: 10 * time.Second,
		policy:      DefaultReconnectPolicy(),
		logger:      debug.Logger(),
		tracer:      otel.Tracer(tracerName),
		afterFunc:   afterFunc,
		rnd:         rand.Float64,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("client_id", c.id)
	if c.dialer == nil {
		c.dialer = WebSocketDialer(c.wsOptions...)
	}
	c.dispatcher = NewDispatcher(c.logger, c.metrics)

	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// Identity returns the identity of the current session, if any.
func (c *Client) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.identity, c.hasIdentity
}

// Queued returns the number of frames waiting for an open transport.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.Len()
}

// Connect opens a session for id and blocks until it is ready, the dial
// fails, or ctx is done. Callers that ask for the same identity while a dial
// is in flight share that dial and its result. Asking for a different
// identity replaces the current session: the in-flight dial is abandoned,
// the open transport is closed and frames queued for the old identity are
// dropped. A Connect with no dial in flight always opens a fresh transport.
//
// A failed dial is not retried; reconnects only follow the close of a
// transport that was ready.
func (c *Client) Connect(ctx context.Context, id Identity) error {
	if !id.valid() {
		return ErrInvalidIdentity
	}
	target, err := id.Target(c.url)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if p := c.pending; p != nil {
		if p.identity == id {
			c.unlock()
			return p.wait(ctx)
		}
		c.logger.Info("replacing in-flight session", "from", p.identity.String(), "to", id.String())
		c.pending = nil
		p.cancel()
		p.finish(ErrSessionReplaced)
	}
	p := c.startLocked(id, target)
	c.unlock()

	return p.wait(ctx)
}

func (c *Client) startLocked(id Identity, target string) *attempt {
	if c.hasIdentity && c.identity != id {
		c.epoch++
		c.stopReconnectLocked()
		c.failed = 0
		if dropped := c.queue.Len(); dropped > 0 {
			c.logger.Warn("dropping frames queued for previous identity", "count", dropped, "identity", c.identity.String())
			c.queue.Clear()
			c.metrics.framesDiscarded(dropped)
		}
	}
	c.identity = id
	c.hasIdentity = true

	if old := c.conn; old != nil {
		c.conn = nil
		c.metrics.setConnected(false)
		if err := old.Close(); err != nil {
			c.logger.Debug("closing previous transport", "err", err)
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.dialTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.dialTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	p := &attempt{identity: id, cancel: cancel, done: make(chan struct{})}
	c.pending = p
	c.metrics.connectAttempted()
	c.setStateLocked(StateConnecting, nil)
	c.logger.Debug("dialing", "identity", id.String())

	go c.dial(ctx, p, target)

	return p
}

func (c *Client) dial(ctx context.Context, p *attempt, target string) {
	defer p.cancel()

	ctx, span := c.tracer.Start(ctx, "textsocket.connect", trace.WithAttributes(
		attribute.String("textsocket.client_id", c.id),
		attribute.String("textsocket.gateway", c.url),
	))
	defer span.End()

	t, err := c.dialer.Dial(ctx, target)

	c.mu.Lock()
	if c.pending != p {
		c.unlock()
		if t != nil {
			t.Close()
		}
		span.SetStatus(codes.Error, "abandoned")
		return
	}
	c.pending = nil

	if err != nil {
		cerr := &ConnectError{Target: target, Err: err}
		c.metrics.connectFailed()
		c.logger.Warn("connect failed", "identity", p.identity.String(), "err", err)
		c.setStateLocked(StateClosed, cerr)
		c.unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.finish(cerr)
		return
	}

	c.conn = t
	c.failed = 0
	c.metrics.setConnected(true)
	c.setStateLocked(StateOpen, nil)
	c.logger.Info("connected", "identity", p.identity.String())

	c.flushLocked(t)
	go c.readLoop(t)
	c.unlock()

	p.finish(nil)
}

// flushLocked drains the queue, then asks for the conversation history and
// the conversation list. Bootstrap requests are never queued: every open
// sends its own, so a failed one is dropped with the transport.
func (c *Client) flushLocked(t Transport) {
	sent, err := c.queue.DrainInto(func(action Action, data []byte) error {
		if err := t.Send(data); err != nil {
			return err
		}
		c.metrics.frameSent(action)
		return nil
	})
	c.metrics.setQueueDepth(c.queue.Len())
	if err != nil {
		c.logger.Warn("flush interrupted", "sent", sent, "remaining", c.queue.Len(), "err", err)
		c.failLocked(t)
		return
	}
	if sent > 0 {
		c.logger.Debug("flushed queued frames", "count", sent)
	}

	bootstrap := []Request{
		FetchMessages{From: c.identity.From, To: c.identity.To},
		FetchConversations{},
	}
	for _, r := range bootstrap {
		data, err := Encode(r)
		if err != nil {
			c.logger.Error("encode bootstrap request", "action", r.Action(), "err", err)
			continue
		}
		if err := t.Send(data); err != nil {
			c.logger.Warn("bootstrap write failed", "action", r.Action(), "err", err)
			c.failLocked(t)
			return
		}
		c.metrics.frameSent(r.Action())
	}
}

// writeLocked sends data when the transport is open and queues it otherwise.
// A failed write queues the frame and closes the transport so the reader
// reports the close and the reconnect path runs.
func (c *Client) writeLocked(action Action, data []byte) {
	if c.state == StateOpen && c.conn != nil {
		err := c.conn.Send(data)
		if err == nil {
			c.metrics.frameSent(action)
			return
		}
		c.logger.Warn("write failed, queuing frame", "action", action, "err", err)
		c.queue.Enqueue(action, data)
		c.metrics.frameQueued(c.queue.Len())
		c.failLocked(c.conn)
		return
	}

	c.queue.Enqueue(action, data)
	c.metrics.frameQueued(c.queue.Len())
	c.logger.Debug("transport not ready, queuing frame", "action", action, "queued", c.queue.Len())
	c.emitLocked(Status{State: c.state, Attempt: c.failed, Queued: c.queue.Len()})
}

func (c *Client) failLocked(t Transport) {
	if err := t.Close(); err != nil {
		c.logger.Debug("closing failed transport", "err", err)
	}
}

func (c *Client) readLoop(t Transport) {
	for {
		data, err := t.Receive()
		if err != nil {
			c.handleClosed(t, err)
			return
		}
		if !c.current(t) {
			continue
		}
		c.dispatcher.Dispatch(data)
	}
}

func (c *Client) current(t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn == t
}

// handleClosed runs when the reader of t stops. Closes of transports that
// were already replaced or disconnected are ignored.
func (c *Client) handleClosed(t Transport, err error) {
	c.mu.Lock()
	if c.conn != t {
		c.unlock()
		return
	}
	c.conn = nil
	t.Close()
	c.metrics.setConnected(false)
	c.logger.Warn("connection closed", "err", err)
	c.setStateLocked(StateClosed, err)
	c.scheduleReconnectLocked()
	c.unlock()
}

func (c *Client) scheduleReconnectLocked() {
	if c.reconnecting || !c.hasIdentity {
		return
	}
	if c.policy.exhausted(c.failed) {
		c.logger.Error("giving up reconnecting", "attempts", c.failed)
		c.state = StateClosed
		c.emitLocked(Status{
			State:     StateClosed,
			Attempt:   c.failed,
			Queued:    c.queue.Len(),
			Err:       ErrReconnectExhausted,
			Permanent: true,
		})
		return
	}

	delay := c.policy.Next(c.failed, c.rnd)
	epoch := c.epoch
	c.reconnecting = true
	c.state = StateReconnecting
	c.metrics.reconnectScheduled()
	c.logger.Info("reconnecting", "attempt", c.failed, "delay", delay)
	c.emitLocked(Status{State: StateReconnecting, Attempt: c.failed, Delay: delay, Queued: c.queue.Len()})

	c.reconnectTimer = c.afterFunc(delay, func() {
		c.reconnect(epoch)
	})
}

func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || !c.reconnecting {
		c.unlock()
		return
	}
	c.reconnectTimer = nil
	if c.state == StateOpen {
		c.reconnecting = false
		c.unlock()
		return
	}
	// The dial starts under the same lock as the epoch check, so a Disconnect
	// either lands before it (and the check fails) or abandons the attempt.
	id := c.identity
	p := c.pending
	if p == nil {
		target, err := id.Target(c.url)
		if err != nil {
			c.reconnecting = false
			c.logger.Error("reconnect target", "err", err)
			c.unlock()
			return
		}
		p = c.startLocked(id, target)
	}
	c.unlock()

	err := p.wait(context.Background())

	c.mu.Lock()
	if epoch != c.epoch {
		c.unlock()
		return
	}
	c.reconnecting = false
	switch {
	case err != nil:
		c.failed++
		c.scheduleReconnectLocked()
	case c.state == StateClosed:
		// closed again before this loop cleared its flag
		c.scheduleReconnectLocked()
	}
	c.unlock()
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnecting = false
}

// Disconnect ends the session. It closes the transport, drops queued frames
// and every subscription, abandons an in-flight dial and cancels any
// scheduled reconnect. The client can be connected again afterwards.
//
// Writes happen under the client's lock, so Disconnect (like Send and the
// state accessors) waits for a write in progress. That wait is bounded by the
// transport's write timeout (transport.WithWriteTimeout, 10s by default).
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.stopReconnectLocked()

	if p := c.pending; p != nil {
		c.pending = nil
		p.cancel()
		p.finish(ErrDisconnected)
	}
	if t := c.conn; t != nil {
		c.conn = nil
		if err := t.Close(); err != nil {
			c.logger.Debug("closing transport", "err", err)
		}
	}

	dropped := c.queue.Len()
	c.queue.Clear()
	c.metrics.framesDiscarded(dropped)
	c.metrics.setConnected(false)
	c.dispatcher.Clear()

	c.failed = 0
	c.identity = Identity{}
	c.hasIdentity = false
	c.logger.Info("disconnected", "dropped", dropped)
	c.setStateLocked(StateIdle, nil)
	c.unlock()
}

// Send encodes r and writes it, or queues it until the transport is open.
// A write to a stalled peer blocks for at most the transport's write timeout;
// the frame is then queued and the transport reconnected.
func (c *Client) Send(r Request) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.writeLocked(r.Action(), data)
	c.unlock()
	return nil
}

func (c *Client) SendMessage(from, to, body string, twilio bool) error {
	return c.Send(SendMessage{From: from, To: to, Body: body, Twilio: twilio})
}

// SendSMS does nothing when any field is empty.
func (c *Client) SendSMS(from, to, body string) error {
	if from == "" || to == "" || body == "" {
		return nil
	}
	return c.Send(SendSMS{From: from, To: to, Body: body})
}

func (c *Client) FetchMessages(from, to string) error {
	return c.Send(FetchMessages{From: from, To: to})
}

func (c *Client) FetchConversations() error {
	return c.Send(FetchConversations{})
}

// ResetConversationUnread does nothing when from or to is empty.
func (c *Client) ResetConversationUnread(from, to string) error {
	if from == "" || to == "" {
		return nil
	}
	return c.Send(ResetConversationUnread{From: from, To: to})
}

// OnEvent registers l for event. Registering the same listener twice is a no-op.
func (c *Client) OnEvent(event Event, l *Listener) {
	c.dispatcher.On(event, l)
}

func (c *Client) OffEvent(event Event, l *Listener) {
	c.dispatcher.Off(event, l)
}

// On wraps fn in a new Listener, registers it and returns it for OffEvent.
func (c *Client) On(event Event, fn func(Frame)) *Listener {
	l := NewListener(fn)
	c.dispatcher.On(event, l)
	return l
}

func (c *Client) setStateLocked(s State, err error) {
	c.state = s
	c.emitLocked(Status{State: s, Attempt: c.failed, Queued: c.queue.Len(), Err: err})
}

func (c *Client) emitLocked(st Status) {
	if c.onStatus == nil {
		return
	}
	c.statusBuf = append(c.statusBuf, st)
}

// unlock releases c.mu and then delivers the statuses collected while it was held.
func (c *Client) unlock() {
	statuses := c.statusBuf
	c.statusBuf = nil
	c.mu.Unlock()

	for _, st := range statuses {
		c.onStatus(st)
	}
}
