package socket

import (
	"fmt"
	"log/slog"
	"sync"
)

// Listener wraps a callback. The pointer is the listener's identity, so the
// same *Listener can be registered and removed like a function reference.
type Listener struct {
	fn func(Frame)
}

func NewListener(fn func(Frame)) *Listener {
	return &Listener{fn: fn}
}

// Dispatcher routes inbound frames to listeners keyed by event name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Event][]*Listener

	logger  *slog.Logger
	metrics *Metrics
}

func NewDispatcher(logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[Event][]*Listener),
		logger:   logger,
		metrics:  metrics,
	}
}

// On registers l under event. Registering the same listener twice is a no-op.
func (d *Dispatcher) On(event Event, l *Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.handlers[event] {
		if existing == l {
			return
		}
	}
	d.handlers[event] = append(d.handlers[event], l)
}

// Off removes l from event. It does nothing if l is not registered.
func (d *Dispatcher) Off(event Event, l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.handlers[event]
	for i, existing := range current {
		if existing != l {
			continue
		}
		next := make([]*Listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, event)
		} else {
			d.handlers[event] = next
		}
		return
	}
}

func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = make(map[Event][]*Listener)
}

// Count returns the number of listeners registered for event.
func (d *Dispatcher) Count(event Event) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.handlers[event])
}

// Dispatch decodes data and delivers it to the listeners of its event, in
// registration order. Malformed frames are logged and dropped.
func (d *Dispatcher) Dispatch(data []byte) error {
	frame, err := Decode(data)
	if err != nil {
		d.metrics.frameMalformed()
		d.logger.Warn("dropping malformed frame", "err", err, "size", len(data))
		return err
	}
	if frame.Event == "" {
		d.metrics.frameMalformed()
		d.logger.Warn("dropping frame without event", "frame", string(data))
		return fmt.Errorf("%w: missing event", ErrInvalidMessage)
	}

	d.metrics.frameReceived(frame.Event)
	d.logger.Debug("frame received", "event", frame.Event)

	d.mu.RLock()
	listeners := d.handlers[frame.Event]
	d.mu.RUnlock()

	for _, l := range listeners {
		d.deliver(l, frame)
	}
	return nil
}

func (d *Dispatcher) deliver(l *Listener, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.listenerPanicked(frame.Event)
			d.logger.Error("listener panicked", "event", frame.Event, "panic", r)
		}
	}()
	l.fn(frame)
}
