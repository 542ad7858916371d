package socket

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Identity is the address pair a session is opened for.
type Identity struct {
	From string
	To   string
}

func (id Identity) valid() bool {
	return id.From != "" && id.To != ""
}

func (id Identity) String() string {
	return id.From + "->" + id.To
}

// Target returns base with the identity encoded as from_no and to_no query parameters.
func (id Identity) Target(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("from_no", id.From)
	q.Set("to_no", id.To)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status describes one lifecycle transition of a Client.
type Status struct {
	State State
	// Attempt is the number of failed reconnect attempts so far.
	Attempt int
	// Delay is set when State is StateReconnecting.
	Delay time.Duration
	// Queued is the number of frames waiting for an open transport.
	Queued int
	Err    error
	// Permanent reports that the client stopped retrying.
	Permanent bool
}

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInvalidMessage     = errors.New("invalid message format")
	ErrInvalidIdentity    = errors.New("identity requires both from and to addresses")
	ErrDisconnected       = errors.New("client disconnected")
	ErrSessionReplaced    = errors.New("session replaced by a different identity")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ConnectError is returned when the transport fails before the session is ready.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
