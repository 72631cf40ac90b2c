// Package network implements the NovaMesh client channel: challenge-response
// authentication, X25519 session key agreement, AEAD-sealed payloads with
// replay protection, liveness probing, and automatic reconnection with
// exponential backoff.
package network

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/NovaMesh/novalink-client/pkg/crypto"
	"github.com/NovaMesh/novalink-client/pkg/protocol"
	"github.com/NovaMesh/novalink-client/pkg/transport"
)

// IdentityStore provides the client's long-term signing identity. Implemented
// by pkg/storage.
type IdentityStore interface {
	SigningKeypair() (*crypto.SigningKeypair, error)
}

// Config holds the immutable client configuration.
type Config struct {
	// Endpoint is the relay URL, e.g. wss://relay.novamesh.io/link.
	Endpoint string

	// Version advertised in Auth. Defaults to protocol.Version.
	Version string

	// Features advertised in Auth. Defaults to protocol.DefaultFeatures.
	Features []string

	// EncryptionAlgorithm requested for the session. Defaults to AES-256-GCM.
	EncryptionAlgorithm string

	// ConnectTimeout bounds the whole handshake, from transport open to
	// session establishment.
	ConnectTimeout time.Duration

	Reconnection ReconnectionPolicy
	Heartbeat    HeartbeatConfig

	// TransientErrorCodes lists Error packet codes that trigger an immediate
	// reconnection cycle instead of waiting for the transport to drop.
	TransientErrorCodes []int

	ReplayCapacity int
	QueueCapacity  int
}

// DefaultConfig returns a production configuration for the given endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:            endpoint,
		Version:             protocol.Version,
		Features:            protocol.DefaultFeatures,
		EncryptionAlgorithm: protocol.AlgorithmAESGCM,
		ConnectTimeout:      10 * time.Second,
		Reconnection:        DefaultReconnectionPolicy(),
		Heartbeat:           DefaultHeartbeatConfig(),
		TransientErrorCodes: []int{protocol.CloseServiceRestart, protocol.CloseTryAgainLater},
		ReplayCapacity:      DefaultReplayCapacity,
		QueueCapacity:       DefaultQueueCapacity,
	}
}

// Client maintains one secure channel to a NovaMesh relay. All protocol state
// lives on a single dispatch goroutine; exported methods are safe to call
// from any goroutine.
type Client struct {
	// Callbacks. Set before Connect. They run on the dispatch goroutine and
	// must not call back into the client synchronously.
	OnConnected        func(ConnectedEvent)
	OnMessage          func(kind string, payload []byte)
	OnError            func(*Error)
	OnDisconnected     func(code int, reason string)
	OnReconnecting     func(attempt int, delay time.Duration)
	OnConnectionStatus func(status string)

	cfg       Config
	transport transport.Transport
	identity  IdentityStore
	clk       clock.Clock

	tasks chan func()
	done  chan struct{}

	// Everything below is owned by the dispatch goroutine.
	state   State
	epoch   uint64
	keypair *crypto.SigningKeypair

	pending   *protocol.Challenge
	serverKey []byte
	session   *Session

	queue  *MessageQueue
	replay *ReplayGuard
	hb     *heartbeat

	attempts       int
	lastCloseCode  int
	connectTimer   *clock.Timer
	reconnectTimer *clock.Timer
	connectWaiter  chan error

	closed  bool
	metrics Metrics
}

// NewClient creates a client speaking WebSocket to cfg.Endpoint, loading its
// identity from store.
func NewClient(cfg Config, store IdentityStore) *Client {
	return newClient(cfg, transport.NewWebSocket(), store, clock.New())
}

func newClient(cfg Config, tr transport.Transport, store IdentityStore, clk clock.Clock) *Client {
	if cfg.Version == "" {
		cfg.Version = protocol.Version
	}
	if len(cfg.Features) == 0 {
		cfg.Features = protocol.DefaultFeatures
	}
	if cfg.EncryptionAlgorithm == "" {
		cfg.EncryptionAlgorithm = protocol.AlgorithmAESGCM
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Reconnection == (ReconnectionPolicy{}) {
		cfg.Reconnection = DefaultReconnectionPolicy()
	}
	if cfg.Heartbeat == (HeartbeatConfig{}) {
		cfg.Heartbeat = DefaultHeartbeatConfig()
	}
	if cfg.TransientErrorCodes == nil {
		cfg.TransientErrorCodes = []int{protocol.CloseServiceRestart, protocol.CloseTryAgainLater}
	}

	c := &Client{
		cfg:       cfg,
		transport: tr,
		identity:  store,
		clk:       clk,
		tasks:     make(chan func(), 1024),
		done:      make(chan struct{}),
		queue:     NewMessageQueue(cfg.QueueCapacity),
		replay:    NewReplayGuard(cfg.ReplayCapacity),
	}
	c.hb = newHeartbeat(c, cfg.Heartbeat, clk)

	go c.run()
	return c
}

func (c *Client) run() {
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.done:
			return
		}
	}
}

// post schedules fn onto the dispatch goroutine.
func (c *Client) post(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	}
}

// postEpoch schedules fn, dropping it if the connection epoch has moved on.
// Timer and transport callbacks use this so events from a torn-down
// connection cannot touch the next one.
func (c *Client) postEpoch(epoch uint64, fn func()) {
	c.post(func() {
		if c.epoch == epoch {
			fn()
		}
	})
}

// call runs fn on the dispatch goroutine and waits for it.
func (c *Client) call(fn func()) error {
	done := make(chan struct{})
	select {
	case c.tasks <- func() { fn(); close(done) }:
	case <-c.done:
		return ErrClientClosed
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// barrier waits until all previously posted work has run. Test hook.
func (c *Client) barrier() {
	_ = c.call(func() {})
}

// Connect establishes the channel, blocking until the handshake completes or
// fails terminally. While reconnection is in progress it keeps blocking until
// a session is established or attempts are exhausted.
func (c *Client) Connect() error {
	result := make(chan error, 1)
	err := c.call(func() {
		switch c.state {
		case StateEstablished:
			result <- nil
			return
		case StateConnecting, StateAwaitingChallenge, StateAwaitingSessionKey:
			result <- ErrAlreadyConnecting
			return
		}
		c.attempts = 0
		c.connectWaiter = result
		c.startAttempt()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrClientClosed
	}
}

// Send encrypts and transmits payload when a session is established, or
// queues it for delivery after the next establishment. Returns queued=true
// in the latter case. Queued messages are delivered at most once.
func (c *Client) Send(payload any) (queued bool, err error) {
	raw, merr := json.Marshal(payload)
	if merr != nil {
		return false, &Error{Kind: ErrorMessage, Message: "payload not serializable", Err: merr}
	}

	var sendErr error
	err = c.call(func() {
		if c.state != StateEstablished {
			if c.queue.Enqueue(OutboundEntry{Payload: raw}) {
				log.Printf("⚠️  Outbound queue full, dropped oldest message")
			}
			queued = true
			return
		}
		sendErr = c.sealAndSend(raw)
	})
	if err != nil {
		return false, err
	}
	return queued, sendErr
}

// Disconnect tears the channel down cleanly, announcing the teardown to the
// relay. Idempotent; no reconnection follows.
func (c *Client) Disconnect() error {
	return c.call(func() {
		if c.state == StateIdle {
			return
		}
		c.state = StateClosing
		c.announceDisconnect("client disconnect")
		c.teardown(protocol.CloseNormal, "client disconnect")
		c.state = StateIdle
		c.emitStatus(StatusDisconnected)
		c.resolveWaiter(ErrNotConnected)
	})
}

// Reconnect forces a fresh connection cycle, discarding any live session.
// Blocks like Connect.
func (c *Client) Reconnect() error {
	result := make(chan error, 1)
	err := c.call(func() {
		if c.state != StateIdle {
			c.teardown(protocol.CloseNormal, "manual reconnect")
		}
		c.resolveWaiter(ErrNotConnected)
		c.attempts = 0
		c.connectWaiter = result
		c.startAttempt()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrClientClosed
	}
}

// Close shuts the client down permanently. After Close every method returns
// ErrClientClosed.
func (c *Client) Close() error {
	err := c.call(func() {
		if c.closed {
			return
		}
		c.closed = true
		if c.state != StateIdle {
			c.announceDisconnect("client shutdown")
			c.teardown(protocol.CloseNormal, "client shutdown")
		}
		c.state = StateIdle
		c.resolveWaiter(ErrClientClosed)
		close(c.done)
	})
	if err == ErrClientClosed {
		return nil
	}
	return err
}

// IsEstablished reports whether a session is currently live.
func (c *Client) IsEstablished() bool {
	var established bool
	_ = c.call(func() { established = c.state == StateEstablished })
	return established
}

// State returns the current protocol state.
func (c *Client) State() State {
	var s State
	_ = c.call(func() { s = c.state })
	return s
}

// MetricsSnapshot returns a copy of the channel counters.
func (c *Client) MetricsSnapshot() Metrics {
	var m Metrics
	_ = c.call(func() { m = c.metrics })
	return m
}

// Stats returns a snapshot of channel state for diagnostics.
func (c *Client) Stats() map[string]any {
	stats := make(map[string]any)
	_ = c.call(func() {
		stats["state"] = c.state.String()
		stats["messages_sent"] = c.metrics.MessagesSent
		stats["messages_received"] = c.metrics.MessagesReceived
		stats["reconnects"] = c.metrics.Reconnects
		stats["forced_reconnects"] = c.metrics.ForcedReconnects
		stats["errors"] = c.metrics.Errors
		stats["queued_messages"] = c.queue.Len()
		if c.lastCloseCode != 0 {
			stats["last_close_code"] = c.lastCloseCode
		}
		if !c.metrics.LastActivity.IsZero() {
			stats["last_activity"] = c.metrics.LastActivity.Format(time.RFC3339)
		}
		if c.session != nil {
			stats["session_id"] = c.session.ID
			stats["assigned_address"] = c.session.AssignedAddress
			stats["encryption_algorithm"] = c.session.Algorithm
			stats["unauthenticated"] = c.session.Unauthenticated
		}
	})
	return stats
}

// startAttempt opens the transport and begins the handshake. Runs on the
// dispatch goroutine.
func (c *Client) startAttempt() {
	c.epoch++
	epoch := c.epoch
	c.state = StateConnecting

	kp, err := c.identity.SigningKeypair()
	if err != nil {
		c.failTerminal(&Error{Kind: ErrorInternal, Message: "loading identity", Err: err})
		return
	}
	c.keypair = kp

	h := transport.Handlers{
		OnOpen: func() {
			c.postEpoch(epoch, func() { c.onOpen() })
		},
		OnMessage: func(data []byte) {
			c.postEpoch(epoch, func() { c.onMessage(data) })
		},
		OnClose: func(code int, reason string) {
			c.postEpoch(epoch, func() { c.onTransportClose(code, reason) })
		},
		OnError: func(err error) {
			c.postEpoch(epoch, func() { c.onTransportError(err) })
		},
	}

	if err := c.transport.Open(c.cfg.Endpoint, h); err != nil {
		c.metrics.Errors++
		c.emitError(&Error{Kind: ErrorConnection, Message: "opening transport", Retry: true, Err: err})
		c.teardown(protocol.CloseGoingAway, "open failed")
		c.scheduleReconnect()
		return
	}

	c.connectTimer = c.clk.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.postEpoch(epoch, func() { c.onConnectTimeout() })
	})
}

// onOpen starts the handshake by announcing the client identity.
func (c *Client) onOpen() {
	pub := base58.Encode(c.keypair.PublicKey)
	auth := &protocol.Auth{
		PublicKey:           pub,
		Version:             c.cfg.Version,
		Features:            c.cfg.Features,
		EncryptionAlgorithm: c.cfg.EncryptionAlgorithm,
		Nonce:               uuid.NewString(),
	}

	if err := c.sendPacket(auth); err != nil {
		c.metrics.Errors++
		c.emitError(&Error{Kind: ErrorConnection, Message: "sending auth", Retry: true, Err: err})
		c.teardown(protocol.CloseGoingAway, "auth send failed")
		c.scheduleReconnect()
		return
	}

	c.state = StateAwaitingChallenge
	log.Printf("🔐 Authenticating as %s...", pub)
}

func (c *Client) onConnectTimeout() {
	log.Printf("⚠️  Handshake timed out after %v", c.cfg.ConnectTimeout)
	c.metrics.Errors++
	c.emitError(&Error{Kind: ErrorConnection, Message: "handshake timed out", Retry: true})
	c.teardown(protocol.CloseGoingAway, "handshake timeout")
	c.scheduleReconnect()
}

func (c *Client) onTransportClose(code int, reason string) {
	c.lastCloseCode = code
	if protocol.IsPossibleCertIssue(code) {
		log.Printf("⚠️  Connection closed (code %d): possible TLS certificate issue with the relay endpoint", code)
	} else {
		log.Printf("🔌 Connection closed: code %d %s", code, reason)
	}

	c.teardown(protocol.CloseNormal, "")
	c.emitDisconnected(code, reason)

	if IsRetryableCloseCode(code) {
		c.scheduleReconnect()
		return
	}

	c.state = StateIdle
	c.emitStatus(StatusDisconnected)
	c.resolveWaiter(&Error{
		Kind:    ErrorConnection,
		Code:    code,
		Message: fmt.Sprintf("connection closed: %s", reason),
		Retry:   false,
	})
}

func (c *Client) onTransportError(err error) {
	c.metrics.Errors++
	c.emitError(&Error{Kind: ErrorConnection, Message: "transport error", Retry: true, Err: err})
}

// scheduleReconnect arms the backoff timer for the next attempt, or gives up
// when the policy is exhausted. The caller must have torn the connection down
// first.
func (c *Client) scheduleReconnect() {
	if !c.cfg.Reconnection.ShouldRetry(c.attempts) {
		log.Printf("❌ Giving up after %d reconnection attempts", c.attempts)
		err := &Error{Kind: ErrorConnection, Message: "reconnection attempts exhausted", Retry: false}
		c.metrics.Errors++
		c.emitError(err)
		c.state = StateIdle
		c.emitStatus(StatusDisconnected)
		c.resolveWaiter(err)
		return
	}

	delay := c.cfg.Reconnection.ComputeDelay(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.metrics.Reconnects++
	c.state = StateConnecting
	c.emitStatus(StatusReconnecting)
	if c.OnReconnecting != nil {
		c.OnReconnecting(attempt, delay)
	}
	log.Printf("🔄 Reconnecting in %v (attempt %d/%d)", delay, attempt, c.cfg.Reconnection.MaxAttempts)

	epoch := c.epoch
	c.reconnectTimer = c.clk.AfterFunc(delay, func() {
		c.postEpoch(epoch, func() { c.startAttempt() })
	})
}

// forceReconnect tears down a connection judged dead and schedules a retry.
func (c *Client) forceReconnect(reason string) {
	log.Printf("⚠️  Forcing reconnect: %s", reason)
	c.metrics.ForcedReconnects++
	c.metrics.Errors++
	c.emitError(&Error{Kind: ErrorConnection, Message: reason, Retry: true})
	c.teardown(protocol.CloseGoingAway, "liveness lost")
	c.scheduleReconnect()
}

// failAttempt handles a handshake failure: the connection is torn down and
// retried under the reconnection policy.
func (c *Client) failAttempt(e *Error) {
	c.metrics.Errors++
	c.emitError(e)
	c.teardown(protocol.CloseGoingAway, string(e.Kind))
	c.scheduleReconnect()
}

// failTerminal reports an error that retrying cannot fix and goes idle.
func (c *Client) failTerminal(e *Error) {
	c.metrics.Errors++
	c.emitError(e)
	c.teardown(protocol.CloseNormal, string(e.Kind))
	c.state = StateIdle
	c.emitStatus(StatusDisconnected)
	c.resolveWaiter(e)
}

// teardown releases all per-connection state and bumps the epoch so stale
// timer and transport callbacks become no-ops. The state field is left for
// the caller to set.
func (c *Client) teardown(code int, reason string) {
	c.epoch++
	c.hb.stop()

	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	c.pending = nil
	c.serverKey = nil

	_ = c.transport.Close(code, reason)
}

func (c *Client) announceDisconnect(message string) {
	pkt := &protocol.DisconnectPacket{Reason: 0, Message: message}
	if raw, err := protocol.Encode(pkt); err == nil {
		_ = c.transport.Send(raw)
	}
}

func (c *Client) sendPacket(p protocol.Packet) error {
	raw, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", p.PacketType(), err)
	}
	return c.transport.Send(raw)
}

// sealAndSend encrypts one application payload under the session key and
// transmits it. The counter is claimed before any fallible work so a failed
// send never reuses a nonce.
func (c *Client) sealAndSend(plaintext []byte) error {
	counter := c.session.NextCounter()

	ciphertext, nonce, err := crypto.SealWithCounter(plaintext, c.session.Key(), counter, c.session.Algorithm)
	if err != nil {
		return &Error{Kind: ErrorInternal, Message: "sealing payload", Err: err}
	}

	pkt := &protocol.Data{
		Encrypted:           ciphertext,
		Nonce:               nonce,
		Counter:             counter,
		EncryptionAlgorithm: c.session.Algorithm,
	}
	if err := c.sendPacket(pkt); err != nil {
		return &Error{Kind: ErrorConnection, Message: "sending payload", Retry: true, Err: err}
	}

	c.metrics.MessagesSent++
	return nil
}

// flushQueue drains messages queued while disconnected. Delivery is
// at-most-once: a message that fails to send here is logged and dropped, not
// requeued.
func (c *Client) flushQueue() {
	entries := c.queue.Drain()
	if len(entries) == 0 {
		return
	}

	log.Printf("📤 Flushing %d queued messages", len(entries))
	for _, e := range entries {
		if err := c.sealAndSend(e.Payload); err != nil {
			log.Printf("⚠️  Queued message lost: %v", err)
		}
	}
}

func (c *Client) resolveWaiter(err error) {
	if c.connectWaiter != nil {
		c.connectWaiter <- err
		c.connectWaiter = nil
	}
}

func (c *Client) isTransientCode(code int) bool {
	for _, t := range c.cfg.TransientErrorCodes {
		if t == code {
			return true
		}
	}
	return false
}

func (c *Client) emitError(e *Error) {
	if c.OnError != nil {
		c.OnError(e)
	}
}

func (c *Client) emitStatus(status string) {
	if c.OnConnectionStatus != nil {
		c.OnConnectionStatus(status)
	}
}

func (c *Client) emitDisconnected(code int, reason string) {
	if c.OnDisconnected != nil {
		c.OnDisconnected(code, reason)
	}
}
