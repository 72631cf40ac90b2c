package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// WebSocket is the production Transport over a WebSocket connection.
type WebSocket struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	handlers Handlers
	closed   bool
}

// NewWebSocket creates an unopened WebSocket transport.
func NewWebSocket() *WebSocket {
	return &WebSocket{}
}

// Open dials url and starts the read loop. OnOpen fires before Open returns.
func (t *WebSocket) Open(url string, h Handlers) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.Dial(url, http.Header{})
	if err != nil {
		t.mu.Unlock()
		return err
	}

	t.conn = conn
	t.handlers = h
	t.closed = false
	t.mu.Unlock()

	if h.OnOpen != nil {
		h.OnOpen()
	}

	go t.readLoop(conn, h)
	return nil
}

func (t *WebSocket) readLoop(conn *websocket.Conn, h Handlers) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			} else if h.OnError != nil && !t.wasClosed() {
				h.OnError(err)
			}

			t.teardown()
			if h.OnClose != nil {
				h.OnClose(code, reason)
			}
			return
		}

		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

// Send writes one text message.
func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return ErrNotOpen
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code/reason and closes the connection.
func (t *WebSocket) Close(code int, reason string) error {
	t.mu.Lock()
	conn := t.conn
	alreadyClosed := t.closed
	t.closed = true
	t.conn = nil
	t.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}

	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage, msg)
	return conn.Close()
}

func (t *WebSocket) wasClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebSocket) teardown() {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.closed = true
	t.mu.Unlock()
}
