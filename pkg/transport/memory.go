package transport

import "sync"

// Memory is an in-process Transport for tests. The test owns the server side:
// OnClientSend observes every outbound message, and the Inject* methods
// deliver inbound events as if the server had produced them.
type Memory struct {
	mu       sync.Mutex
	open     bool
	handlers Handlers
	opens    int

	// OnClientSend is invoked synchronously for every Send while open.
	OnClientSend func(data []byte)

	// OpenErr, when set, makes Open fail.
	OpenErr error
}

// NewMemory creates an unopened Memory transport.
func NewMemory() *Memory {
	return &Memory{}
}

func (t *Memory) Open(url string, h Handlers) error {
	t.mu.Lock()
	if t.OpenErr != nil {
		err := t.OpenErr
		t.mu.Unlock()
		return err
	}
	t.open = true
	t.handlers = h
	t.opens++
	t.mu.Unlock()

	if h.OnOpen != nil {
		h.OnOpen()
	}
	return nil
}

func (t *Memory) Send(data []byte) error {
	t.mu.Lock()
	open := t.open
	hook := t.OnClientSend
	t.mu.Unlock()

	if !open {
		return ErrNotOpen
	}
	if hook != nil {
		hook(data)
	}
	return nil
}

func (t *Memory) Close(code int, reason string) error {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	return nil
}

// InjectMessage delivers an inbound message to the client.
func (t *Memory) InjectMessage(data []byte) {
	t.mu.Lock()
	h := t.handlers
	open := t.open
	t.mu.Unlock()

	if open && h.OnMessage != nil {
		h.OnMessage(data)
	}
}

// InjectClose simulates the server closing the connection.
func (t *Memory) InjectClose(code int, reason string) {
	t.mu.Lock()
	h := t.handlers
	open := t.open
	t.open = false
	t.mu.Unlock()

	if open && h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

// InjectError simulates a transport-level error.
func (t *Memory) InjectError(err error) {
	t.mu.Lock()
	h := t.handlers
	open := t.open
	t.mu.Unlock()

	if open && h.OnError != nil {
		h.OnError(err)
	}
}

// Opens reports how many times the client has opened this transport.
func (t *Memory) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// IsOpen reports whether the transport is currently open.
func (t *Memory) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}
