// Package transport abstracts the bidirectional message channel the client
// speaks over. Production uses the WebSocket implementation; tests use the
// in-memory one.
package transport

import "errors"

var (
	ErrNotOpen     = errors.New("transport not open")
	ErrAlreadyOpen = errors.New("transport already open")
)

// Handlers receive transport lifecycle events. OnClose fires at most once per
// Open, with the peer's close code when one was delivered, or code 1006 when
// the connection dropped without a close frame.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Transport is a message-oriented bidirectional channel.
type Transport interface {
	// Open connects to url and starts delivering events to h.
	Open(url string, h Handlers) error

	// Send writes one message. Safe to call until OnClose fires.
	Send(data []byte) error

	// Close tears the channel down, sending code/reason when the underlying
	// transport supports close frames. Idempotent.
	Close(code int, reason string) error
}
