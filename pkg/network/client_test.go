package network

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mr-tron/base58"

	"github.com/NovaMesh/novalink-client/pkg/crypto"
	"github.com/NovaMesh/novalink-client/pkg/protocol"
	"github.com/NovaMesh/novalink-client/pkg/transport"
)

type staticIdentity struct {
	kp *crypto.SigningKeypair
}

func (s staticIdentity) SigningKeypair() (*crypto.SigningKeypair, error) {
	return s.kp, nil
}

// fakeRelay scripts the server side of the handshake over a Memory transport.
// It verifies challenge signatures, performs the X25519 key exchange, and
// records every decrypted client payload.
type fakeRelay struct {
	t  *testing.T
	tr *transport.Memory

	sessionKey []byte
	serverPub  []byte
	serverPriv []byte
	clientXPub []byte

	challenge []byte

	mu       sync.Mutex
	silent   bool
	omitKey  bool
	auths    []protocol.Auth
	received [][]byte
	counter  uint64
}

func newFakeRelay(t *testing.T, tr *transport.Memory, kp *crypto.SigningKeypair) *fakeRelay {
	t.Helper()

	serverPub, serverPriv, err := crypto.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("generating server keypair: %v", err)
	}
	clientXPub, err := crypto.X25519PublicFromSigning(kp.PrivateKey)
	if err != nil {
		t.Fatalf("converting client key: %v", err)
	}
	sessionKey := make([]byte, crypto.KeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		t.Fatalf("generating session key: %v", err)
	}

	r := &fakeRelay{
		t:          t,
		tr:         tr,
		sessionKey: sessionKey,
		serverPub:  serverPub,
		serverPriv: serverPriv,
		clientXPub: clientXPub,
		challenge:  []byte{9, 8, 7, 6, 5},
		counter:    1 << 32, // server counters live in their own range
	}
	tr.OnClientSend = r.handle
	return r
}

func (r *fakeRelay) setSilent(silent bool) {
	r.mu.Lock()
	r.silent = silent
	r.mu.Unlock()
}

func (r *fakeRelay) setOmitKey(omit bool) {
	r.mu.Lock()
	r.omitKey = omit
	r.mu.Unlock()
}

func (r *fakeRelay) authCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.auths)
}

func (r *fakeRelay) payloads() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.received))
	copy(out, r.received)
	return out
}

func (r *fakeRelay) handle(raw []byte) {
	r.mu.Lock()
	silent := r.silent
	r.mu.Unlock()
	if silent {
		return
	}

	pkt, err := protocol.Decode(raw)
	if err != nil {
		r.t.Errorf("relay received unparseable packet: %v", err)
		return
	}

	switch p := pkt.(type) {
	case *protocol.Auth:
		r.mu.Lock()
		r.auths = append(r.auths, *p)
		r.mu.Unlock()
		r.reply(&protocol.Challenge{
			ID:        "ch-1",
			Data:      r.challenge,
			ServerKey: base58.Encode(r.serverPub),
		})

	case *protocol.ChallengeResponse:
		pub, err := base58.Decode(p.PublicKey)
		if err != nil {
			r.t.Errorf("bad public key encoding: %v", err)
			return
		}
		sig, err := base58.Decode(p.Signature)
		if err != nil {
			r.t.Errorf("bad signature encoding: %v", err)
			return
		}
		if err := crypto.Verify(r.challenge, sig, pub); err != nil {
			r.t.Errorf("challenge signature rejected: %v", err)
			return
		}
		r.assign()

	case *protocol.Data:
		plaintext, err := crypto.Open(p.Encrypted, p.Nonce, r.sessionKey, p.EncryptionAlgorithm)
		if err != nil {
			r.t.Errorf("relay failed to decrypt client payload: %v", err)
			return
		}
		r.mu.Lock()
		r.received = append(r.received, plaintext)
		r.mu.Unlock()

	case *protocol.Ping:
		r.reply(&protocol.Pong{EchoTimestamp: p.Timestamp, Sequence: p.Sequence})
	}
}

func (r *fakeRelay) assign() {
	ip := &protocol.IPAssign{
		IPAddress:           "10.40.0.7",
		SessionID:           "sess-1",
		EncryptionAlgorithm: protocol.AlgorithmAESGCM,
	}

	r.mu.Lock()
	omit := r.omitKey
	r.mu.Unlock()

	if !omit {
		shared, err := crypto.X25519(r.serverPriv, r.clientXPub)
		if err != nil {
			r.t.Errorf("relay key agreement: %v", err)
			return
		}
		nonce, err := crypto.RandomNonce()
		if err != nil {
			r.t.Errorf("relay nonce: %v", err)
			return
		}
		wrapped, err := crypto.Seal(r.sessionKey, shared, nonce, protocol.AlgorithmAESGCM)
		if err != nil {
			r.t.Errorf("relay sealing session key: %v", err)
			return
		}
		ip.EncryptedSessionKey = wrapped
		ip.KeyNonce = nonce
	}

	r.reply(ip)
}

// sendData delivers one sealed application payload to the client.
func (r *fakeRelay) sendData(payload []byte) {
	r.mu.Lock()
	r.counter++
	counter := r.counter
	r.mu.Unlock()

	ct, nonce, err := crypto.SealWithCounter(payload, r.sessionKey, counter, protocol.AlgorithmAESGCM)
	if err != nil {
		r.t.Errorf("relay sealing payload: %v", err)
		return
	}
	r.reply(&protocol.Data{
		Encrypted:           ct,
		Nonce:               nonce,
		Counter:             counter,
		EncryptionAlgorithm: protocol.AlgorithmAESGCM,
	})
}

func (r *fakeRelay) reply(p protocol.Packet) {
	raw, err := protocol.Encode(p)
	if err != nil {
		r.t.Errorf("relay encoding %s: %v", p.PacketType(), err)
		return
	}
	r.tr.InjectMessage(raw)
}

func newTestClient(t *testing.T, mutate func(*Config)) (*Client, *transport.Memory, *clock.Mock, *fakeRelay) {
	t.Helper()

	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}

	tr := transport.NewMemory()
	relay := newFakeRelay(t, tr, kp)
	clk := clock.NewMock()

	cfg := DefaultConfig("wss://relay.test/link")
	cfg.Reconnection.Jitter = false
	if mutate != nil {
		mutate(&cfg)
	}

	c := newClient(cfg, tr, staticIdentity{kp}, clk)
	t.Cleanup(func() { c.Close() })
	return c, tr, clk, relay
}

// advance moves the mock clock forward one second at a time, draining the
// dispatch loop between steps so timer chains fire in order.
func advance(c *Client, clk *clock.Mock, d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += time.Second {
		clk.Add(time.Second)
		c.barrier()
	}
}

func TestClientHandshake(t *testing.T) {
	c, _, _, relay := newTestClient(t, nil)

	var connected ConnectedEvent
	c.OnConnected = func(ev ConnectedEvent) { connected = ev }

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	c.barrier()

	if !c.IsEstablished() {
		t.Fatal("client should be established")
	}
	if connected.IP != "10.40.0.7" || connected.SessionID != "sess-1" {
		t.Fatalf("unexpected connected event: %+v", connected)
	}
	if connected.Unauthenticated {
		t.Fatal("session should be authenticated after key exchange")
	}
	if relay.authCount() != 1 {
		t.Fatalf("relay saw %d auths, want 1", relay.authCount())
	}

	// Connect while established is a no-op.
	if err := c.Connect(); err != nil {
		t.Fatalf("second Connect() = %v", err)
	}
}

func TestClientSendAndReceive(t *testing.T) {
	c, _, _, relay := newTestClient(t, nil)

	messages := make(chan string, 8)
	c.OnMessage = func(kind string, payload []byte) {
		messages <- kind + ":" + string(payload)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	queued, err := c.Send(map[string]any{"hello": 1})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if queued {
		t.Fatal("send while established should not queue")
	}
	c.barrier()

	got := relay.payloads()
	if len(got) != 1 {
		t.Fatalf("relay received %d payloads, want 1", len(got))
	}
	var decoded map[string]any
	if err := json.Unmarshal(got[0], &decoded); err != nil {
		t.Fatalf("relay payload not JSON: %v", err)
	}
	if decoded["hello"] != float64(1) {
		t.Fatalf("relay payload = %v", decoded)
	}

	relay.sendData([]byte(`{"type":"chat","id":"m-1","body":"hi"}`))
	c.barrier()

	select {
	case msg := <-messages:
		if msg != `chat:{"type":"chat","id":"m-1","body":"hi"}` {
			t.Fatalf("unexpected message: %s", msg)
		}
	default:
		t.Fatal("no message delivered")
	}

	if got := c.MetricsSnapshot(); got.MessagesSent != 1 {
		t.Fatalf("MessagesSent = %d, want 1", got.MessagesSent)
	}
}

func TestClientDropsReplayedMessages(t *testing.T) {
	c, _, _, relay := newTestClient(t, nil)

	delivered := 0
	c.OnMessage = func(string, []byte) { delivered++ }

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	payload := []byte(`{"type":"chat","id":"dup-1","body":"once"}`)
	relay.sendData(payload)
	relay.sendData(payload)
	c.barrier()

	if delivered != 1 {
		t.Fatalf("delivered %d copies, want 1", delivered)
	}
}

func TestClientQueuesWhileDisconnected(t *testing.T) {
	c, _, _, relay := newTestClient(t, nil)

	queued, err := c.Send(map[string]string{"deferred": "yes"})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if !queued {
		t.Fatal("send while idle should queue")
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	c.barrier()

	got := relay.payloads()
	if len(got) != 1 {
		t.Fatalf("relay received %d payloads after flush, want 1", len(got))
	}
	if string(got[0]) != `{"deferred":"yes"}` {
		t.Fatalf("flushed payload = %s", got[0])
	}
}

func TestClientNormalCloseDoesNotReconnect(t *testing.T) {
	c, tr, clk, _ := newTestClient(t, nil)

	var closeCode int
	c.OnDisconnected = func(code int, reason string) { closeCode = code }

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	tr.InjectClose(protocol.CloseNormal, "bye")
	c.barrier()
	advance(c, clk, 5*time.Second)

	if c.State() != StateIdle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if closeCode != protocol.CloseNormal {
		t.Fatalf("disconnect code = %d, want %d", closeCode, protocol.CloseNormal)
	}
	if tr.Opens() != 1 {
		t.Fatalf("transport opened %d times, want 1", tr.Opens())
	}
}

func TestClientAuthCloseIsTerminal(t *testing.T) {
	c, tr, clk, _ := newTestClient(t, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	tr.InjectClose(protocol.CloseAuthFailed, "identity rejected")
	c.barrier()
	advance(c, clk, 5*time.Second)

	if c.State() != StateIdle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if tr.Opens() != 1 {
		t.Fatalf("transport opened %d times, want 1", tr.Opens())
	}
}

func TestClientAbnormalCloseReconnects(t *testing.T) {
	c, tr, clk, _ := newTestClient(t, nil)

	var attempts []int
	c.OnReconnecting = func(attempt int, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	tr.InjectClose(protocol.CloseAbnormal, "connection reset")
	c.barrier()
	advance(c, clk, time.Second)

	if !c.IsEstablished() {
		t.Fatal("client should have re-established")
	}
	if tr.Opens() != 2 {
		t.Fatalf("transport opened %d times, want 2", tr.Opens())
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Fatalf("reconnect attempts = %v, want [1]", attempts)
	}
	if got := c.MetricsSnapshot(); got.Reconnects != 1 {
		t.Fatalf("Reconnects = %d, want 1", got.Reconnects)
	}
}

func TestClientServerDisconnectFatalReason(t *testing.T) {
	c, tr, clk, relay := newTestClient(t, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	relay.reply(&protocol.DisconnectPacket{Reason: 4000, Message: "banned"})
	c.barrier()
	advance(c, clk, 5*time.Second)

	if c.State() != StateIdle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if tr.Opens() != 1 {
		t.Fatalf("transport opened %d times, want 1", tr.Opens())
	}
}

func TestClientServerDisconnectOrdinaryReasonReconnects(t *testing.T) {
	c, tr, clk, relay := newTestClient(t, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	relay.reply(&protocol.DisconnectPacket{Reason: 1, Message: "rebalancing"})
	c.barrier()
	advance(c, clk, time.Second)

	if !c.IsEstablished() {
		t.Fatal("client should have re-established")
	}
	if tr.Opens() != 2 {
		t.Fatalf("transport opened %d times, want 2", tr.Opens())
	}
}

func TestClientTransientServerErrorReconnects(t *testing.T) {
	c, tr, clk, relay := newTestClient(t, nil)

	var serverErr *Error
	c.OnError = func(e *Error) {
		if e.Kind == ErrorServer {
			serverErr = e
		}
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	relay.reply(&protocol.ErrorPacket{Code: protocol.CloseTryAgainLater, Message: "overloaded"})
	c.barrier()
	advance(c, clk, time.Second)

	if serverErr == nil {
		t.Fatal("server error not surfaced")
	}
	if !serverErr.Retry {
		t.Fatal("code below 5000 should be flagged retryable")
	}
	if !c.IsEstablished() {
		t.Fatal("client should have re-established")
	}
	if tr.Opens() != 2 {
		t.Fatalf("transport opened %d times, want 2", tr.Opens())
	}
}

func TestClientUnauthenticatedSessionWithoutKeyExchange(t *testing.T) {
	c, _, _, relay := newTestClient(t, nil)
	relay.setOmitKey(true)

	var connected ConnectedEvent
	c.OnConnected = func(ev ConnectedEvent) { connected = ev }

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	c.barrier()

	if !connected.Unauthenticated {
		t.Fatal("session without key exchange should be flagged unauthenticated")
	}
}

func TestClientLivenessForcesSingleReconnect(t *testing.T) {
	c, _, clk, relay := newTestClient(t, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	// The relay goes dark. The unanswered ping at t=30 opens a 5s pong wait,
	// then a 3s probe window; exactly one forced reconnect fires at t=38.
	// Subsequent attempts fail by handshake timeout, not liveness, so the
	// forced counter must not grow again over the rest of the window.
	relay.setSilent(true)
	advance(c, clk, 95*time.Second)

	m := c.MetricsSnapshot()
	if m.ForcedReconnects != 1 {
		t.Fatalf("ForcedReconnects = %d, want 1", m.ForcedReconnects)
	}
	if m.Reconnects < 2 {
		t.Fatalf("Reconnects = %d, want at least 2", m.Reconnects)
	}
}

func TestClientDegradedStatusRecovers(t *testing.T) {
	c, _, clk, relay := newTestClient(t, nil)

	statuses := make(chan string, 16)
	c.OnConnectionStatus = func(s string) { statuses <- s }

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	drain(statuses)

	// Silence past DegradedAfter, but recover before any forced teardown.
	relay.setSilent(true)
	advance(c, clk, 25*time.Second)

	if got := <-statuses; got != StatusDegraded {
		t.Fatalf("status = %s, want %s", got, StatusDegraded)
	}

	relay.setSilent(false)
	relay.sendData([]byte(`{"type":"chat","id":"r-1"}`))
	c.barrier()

	if got := <-statuses; got != StatusConnected {
		t.Fatalf("status = %s, want %s", got, StatusConnected)
	}
	if m := c.MetricsSnapshot(); m.ForcedReconnects != 0 {
		t.Fatalf("ForcedReconnects = %d, want 0", m.ForcedReconnects)
	}
}

func TestClientDisconnectIsIdempotent(t *testing.T) {
	c, tr, _, _ := newTestClient(t, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() = %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() = %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if tr.IsOpen() {
		t.Fatal("transport should be closed")
	}
}

func TestClientManualReconnect(t *testing.T) {
	c, tr, _, _ := newTestClient(t, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if err := c.Reconnect(); err != nil {
		t.Fatalf("Reconnect() = %v", err)
	}
	if !c.IsEstablished() {
		t.Fatal("client should be established after manual reconnect")
	}
	if tr.Opens() != 2 {
		t.Fatalf("transport opened %d times, want 2", tr.Opens())
	}
}

func TestClientCloseTerminates(t *testing.T) {
	c, _, _, _ := newTestClient(t, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	if err := c.Connect(); err != ErrClientClosed {
		t.Fatalf("Connect() after Close = %v, want ErrClientClosed", err)
	}
	if _, err := c.Send(map[string]int{"n": 1}); err != ErrClientClosed {
		t.Fatalf("Send() after Close = %v, want ErrClientClosed", err)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	c, tr, clk, relay := newTestClient(t, func(cfg *Config) {
		cfg.Reconnection.MaxAttempts = 2
		cfg.ConnectTimeout = 2 * time.Second
	})

	var terminal *Error
	c.OnError = func(e *Error) {
		if e.Kind == ErrorConnection && !e.Retry {
			terminal = e
		}
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	relay.setSilent(true)
	tr.InjectClose(protocol.CloseAbnormal, "gone")
	c.barrier()

	// Attempt 1 at t=1 times out at t=3, attempt 2 at t=5 times out at t=7,
	// then the policy is exhausted.
	advance(c, clk, 10*time.Second)

	if terminal == nil {
		t.Fatal("exhaustion should surface a terminal error")
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want idle", c.State())
	}
	if m := c.MetricsSnapshot(); m.Reconnects != 2 {
		t.Fatalf("Reconnects = %d, want 2", m.Reconnects)
	}
}

func drain(ch chan string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
