package network

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyConnecting = errors.New("connect already in progress")
	ErrNotConnected      = errors.New("not connected")
	ErrClientClosed      = errors.New("client closed")
)

// State is the protocol state machine position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAwaitingSessionKey
	StateEstablished
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAwaitingSessionKey:
		return "awaiting_session_key"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Status values emitted through OnConnectionStatus.
const (
	StatusConnected    = "connected"
	StatusDegraded     = "degraded"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
)

// ErrorKind classifies client errors.
type ErrorKind string

const (
	ErrorConnection ErrorKind = "connection" // transport-level failure
	ErrorAuth       ErrorKind = "auth"       // handshake, signature, key exchange
	ErrorData       ErrorKind = "data"       // per-packet decrypt/parse, never fatal
	ErrorServer     ErrorKind = "server"     // explicit Error packet from the peer
	ErrorMessage    ErrorKind = "message"    // malformed or unroutable local message
	ErrorInternal   ErrorKind = "internal"   // invariant violation
)

// Error is a typed client error carrying its kind and whether the condition
// is worth retrying.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	Retry   bool
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ConnectedEvent describes a newly established session. Unauthenticated is
// set when the server performed no key exchange and the session key was
// synthesized locally; such a session gives transport privacy only.
type ConnectedEvent struct {
	IP              string
	SessionID       string
	Unauthenticated bool
}

// Metrics counts channel activity. Snapshot via Client.Stats.
type Metrics struct {
	MessagesSent     int64
	MessagesReceived int64
	Reconnects       int64
	ForcedReconnects int64
	Errors           int64
	LastActivity     time.Time
}
