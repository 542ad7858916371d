package socket

import (
	"errors"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatcher_OnIsIdempotent(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)

	calls := 0
	l := NewListener(func(Frame) { calls++ })
	d.On(EventNewMessage, l)
	d.On(EventNewMessage, l)

	if got := d.Count(EventNewMessage); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	if err := d.Dispatch([]byte(`{"event":"new_message","message":{}}`)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatcher_OffRemovesOnlyThatListener(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)

	var order []string
	a := NewListener(func(Frame) { order = append(order, "a") })
	b := NewListener(func(Frame) { order = append(order, "b") })
	c := NewListener(func(Frame) { order = append(order, "c") })
	d.On(EventNewMessage, a)
	d.On(EventNewMessage, b)
	d.On(EventNewMessage, c)

	d.Off(EventNewMessage, b)
	d.Off(EventNewMessage, NewListener(func(Frame) {}))
	d.Off(EventFetchedMessages, a)

	if err := d.Dispatch([]byte(`{"event":"new_message"}`)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if want := []string{"a", "c"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestDispatcher_OffDuringDispatch(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)

	calls := 0
	var self *Listener
	self = NewListener(func(Frame) {
		calls++
		d.Off(EventNewMessage, self)
	})
	d.On(EventNewMessage, self)

	for i := 0; i < 2; i++ {
		if err := d.Dispatch([]byte(`{"event":"new_message"}`)); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatcher_PanickingListenerIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithMetricsRegistry(reg))
	d := NewDispatcher(discardLogger(), m)

	reached := false
	d.On(EventNewMessage, NewListener(func(Frame) { panic("listener bug") }))
	d.On(EventNewMessage, NewListener(func(Frame) { reached = true }))

	if err := d.Dispatch([]byte(`{"event":"new_message"}`)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !reached {
		t.Error("listener after the panicking one was not called")
	}
	if got := testutil.ToFloat64(m.listenerPanics.WithLabelValues("new_message")); got != 1 {
		t.Errorf("listener_panics_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues("new_message")); got != 1 {
		t.Errorf("frames_received_total = %v, want 1", got)
	}
}

func TestDispatcher_DropsBadFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithMetricsRegistry(reg))
	d := NewDispatcher(discardLogger(), m)

	called := false
	d.On("", NewListener(func(Frame) { called = true }))

	for _, data := range []string{"not json", `{"message":"no event"}`, `null`} {
		if err := d.Dispatch([]byte(data)); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("Dispatch(%q) error = %v, want ErrInvalidMessage", data, err)
		}
	}
	if called {
		t.Error("listener called for a frame without event")
	}
	if got := testutil.ToFloat64(m.framesMalformed); got != 3 {
		t.Errorf("frames_malformed_total = %v, want 3", got)
	}
}

func TestDispatcher_UnknownEventIsDelivered(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)

	var got Frame
	d.On("typing", NewListener(func(f Frame) { got = f }))

	if err := d.Dispatch([]byte(`{"event":"typing","from_no":"+1555"}`)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	p, ok := got.Payload.(*UnknownEvent)
	if !ok {
		t.Fatalf("payload = %T, want *UnknownEvent", got.Payload)
	}
	if string(p.Fields["from_no"]) != `"+1555"` {
		t.Errorf("from_no = %s", p.Fields["from_no"])
	}
}

func TestDispatcher_NoListenersIsNotAnError(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	if err := d.Dispatch([]byte(`{"event":"fetchedMessages","messages":[]}`)); err != nil {
		t.Errorf("Dispatch() error = %v", err)
	}
}

func TestDispatcher_Clear(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	d.On(EventNewMessage, NewListener(func(Frame) {}))
	d.On(EventFetchedMessages, NewListener(func(Frame) {}))

	d.Clear()
	if d.Count(EventNewMessage)+d.Count(EventFetchedMessages) != 0 {
		t.Error("listeners left after Clear")
	}
}
