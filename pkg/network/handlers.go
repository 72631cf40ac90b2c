package network

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"

	"github.com/mr-tron/base58"

	"github.com/NovaMesh/novalink-client/pkg/crypto"
	"github.com/NovaMesh/novalink-client/pkg/protocol"
)

// onMessage dispatches one inbound wire message. Runs on the dispatch
// goroutine. Unknown packet types are logged and ignored so protocol
// extensions never break older clients.
func (c *Client) onMessage(raw []byte) {
	c.metrics.MessagesReceived++
	c.metrics.LastActivity = c.clk.Now()
	c.hb.touch()

	pkt, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("⚠️  Ignoring packet: %v", err)
			return
		}
		c.metrics.Errors++
		c.emitError(&Error{Kind: ErrorMessage, Message: "unparseable packet", Err: err})
		return
	}

	switch p := pkt.(type) {
	case *protocol.Challenge:
		c.handleChallenge(p)
	case *protocol.IPAssign:
		c.handleIPAssign(p)
	case *protocol.Data:
		c.handleData(p)
	case *protocol.Ping:
		c.handlePing(p)
	case *protocol.Pong:
		c.hb.pongReceived(p.Sequence)
	case *protocol.ErrorPacket:
		c.handleError(p)
	case *protocol.DisconnectPacket:
		c.handleDisconnect(p)
	default:
		log.Printf("⚠️  Ignoring unexpected %s packet", pkt.PacketType())
	}
}

// handleChallenge proves possession of the identity key by signing the
// challenge bytes.
func (c *Client) handleChallenge(p *protocol.Challenge) {
	if c.state != StateAwaitingChallenge {
		log.Printf("⚠️  Ignoring challenge in state %s", c.state)
		return
	}
	if len(p.Data) == 0 {
		c.failAttempt(&Error{Kind: ErrorAuth, Message: "challenge carries no data", Retry: true})
		return
	}

	c.pending = p

	if p.ServerKey != "" {
		key, err := base58.Decode(p.ServerKey)
		if err != nil || len(key) != crypto.KeySize {
			c.failAttempt(&Error{Kind: ErrorAuth, Message: "invalid server key in challenge", Retry: true, Err: err})
			return
		}
		c.serverKey = key
	}

	signature, err := crypto.Sign(p.Data, c.keypair.PrivateKey)
	if err != nil {
		c.failAttempt(&Error{Kind: ErrorAuth, Message: "signing challenge", Retry: true, Err: err})
		return
	}

	resp := &protocol.ChallengeResponse{
		ChallengeID: p.ID,
		PublicKey:   base58.Encode(c.keypair.PublicKey),
		Signature:   base58.Encode(signature),
	}
	if err := c.sendPacket(resp); err != nil {
		c.failAttempt(&Error{Kind: ErrorConnection, Message: "sending challenge response", Retry: true, Err: err})
		return
	}

	c.state = StateAwaitingSessionKey
}

// handleIPAssign completes the handshake. When the server delivered a sealed
// session key it is unwrapped with the X25519 shared secret; otherwise a
// local random key is synthesized and the session is flagged unauthenticated.
func (c *Client) handleIPAssign(p *protocol.IPAssign) {
	if c.state != StateAwaitingSessionKey && c.state != StateAwaitingChallenge {
		log.Printf("⚠️  Ignoring address assignment in state %s", c.state)
		return
	}

	algorithm := p.EncryptionAlgorithm
	if algorithm == "" {
		algorithm = c.cfg.EncryptionAlgorithm
	}

	serverKey := c.serverKey
	if p.ServerKey != "" {
		key, err := base58.Decode(p.ServerKey)
		if err != nil || len(key) != crypto.KeySize {
			c.failAttempt(&Error{Kind: ErrorAuth, Message: "invalid server key in assignment", Retry: true, Err: err})
			return
		}
		serverKey = key
	}

	wrapped := p.WrappedKey()
	unauthenticated := false
	var sessionKey []byte

	switch {
	case len(wrapped) > 0 && len(serverKey) > 0:
		shared, err := crypto.DeriveSharedSecret(c.keypair.PrivateKey, serverKey)
		if err != nil {
			c.failAttempt(&Error{Kind: ErrorAuth, Message: "deriving shared secret", Retry: true, Err: err})
			return
		}
		sessionKey, err = crypto.Open(wrapped, p.KeyNonce, shared, algorithm)
		crypto.Zero(shared)
		if err != nil {
			c.failAttempt(&Error{Kind: ErrorAuth, Message: "unwrapping session key", Retry: true, Err: err})
			return
		}
		if len(sessionKey) != crypto.KeySize {
			c.failAttempt(&Error{Kind: ErrorAuth, Message: "session key has wrong size", Retry: true})
			return
		}

	default:
		// No key exchange: the relay runs in plaintext-session mode. Seal with
		// a locally generated key anyway so payloads never cross the wire
		// unencrypted, and surface the downgrade to the application.
		sessionKey = make([]byte, crypto.KeySize)
		if _, err := rand.Read(sessionKey); err != nil {
			c.failTerminal(&Error{Kind: ErrorInternal, Message: "generating session key", Err: err})
			return
		}
		unauthenticated = true
		log.Printf("⚠️  Relay performed no key exchange; session is unauthenticated")
	}

	c.session = newSession(p.SessionID, p.IPAddress, algorithm, sessionKey, unauthenticated)
	c.pending = nil
	c.state = StateEstablished
	c.attempts = 0

	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}

	c.hb.start(c.epoch)

	log.Printf("✅ Session established: %s assigned %s (%s)", p.SessionID, p.IPAddress, algorithm)

	c.resolveWaiter(nil)
	if c.OnConnected != nil {
		c.OnConnected(ConnectedEvent{
			IP:              p.IPAddress,
			SessionID:       p.SessionID,
			Unauthenticated: unauthenticated,
		})
	}
	c.emitStatus(StatusConnected)

	c.flushQueue()
}

// handleData decrypts one application payload. Decrypt or parse failures
// drop the packet without touching the connection; replayed message ids are
// discarded silently.
func (c *Client) handleData(p *protocol.Data) {
	if c.state != StateEstablished {
		log.Printf("⚠️  Ignoring data in state %s", c.state)
		return
	}

	algorithm := p.EncryptionAlgorithm
	if algorithm == "" {
		algorithm = c.session.Algorithm
	}

	plaintext, err := crypto.Open(p.Encrypted, p.Nonce, c.session.Key(), algorithm)
	if err != nil {
		c.metrics.Errors++
		c.emitError(&Error{Kind: ErrorData, Message: "decrypting payload", Err: err})
		return
	}

	var envelope struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		c.metrics.Errors++
		c.emitError(&Error{Kind: ErrorData, Message: "parsing payload", Err: err})
		return
	}

	if envelope.ID != "" && !c.replay.Add(envelope.ID) {
		log.Printf("⚠️  Dropping replayed message %s", envelope.ID)
		return
	}

	kind := envelope.Type
	if kind == "" {
		kind = "message"
	}
	if c.OnMessage != nil {
		c.OnMessage(kind, plaintext)
	}
}

func (c *Client) handlePing(p *protocol.Ping) {
	pong := &protocol.Pong{
		EchoTimestamp:   p.Timestamp,
		ServerTimestamp: c.clk.Now().UnixMilli(),
		Sequence:        p.Sequence,
	}
	if err := c.sendPacket(pong); err != nil {
		log.Printf("⚠️  Pong failed: %v", err)
	}
}

// handleError surfaces an explicit server error. Codes in the configured
// transient set trigger an immediate reconnection cycle instead of waiting
// for the transport to drop.
func (c *Client) handleError(p *protocol.ErrorPacket) {
	c.metrics.Errors++
	retry := p.Code < protocol.RetryableErrorCeiling
	c.emitError(&Error{Kind: ErrorServer, Code: p.Code, Message: p.Message, Retry: retry})

	if c.isTransientCode(p.Code) {
		log.Printf("🔄 Server reported transient condition (code %d), reconnecting", p.Code)
		c.teardown(protocol.CloseGoingAway, "transient server error")
		c.scheduleReconnect()
	}
}

// handleDisconnect processes an orderly teardown announcement. Application
// reasons (>= 4000) suppress reconnection.
func (c *Client) handleDisconnect(p *protocol.DisconnectPacket) {
	log.Printf("🔌 Server disconnecting: reason %d %s", p.Reason, p.Message)

	c.teardown(protocol.CloseNormal, "server disconnect")
	c.emitDisconnected(p.Reason, p.Message)

	if p.Reason < protocol.FatalDisconnectReason {
		c.scheduleReconnect()
		return
	}

	c.state = StateIdle
	c.emitStatus(StatusDisconnected)
	c.resolveWaiter(&Error{Kind: ErrorServer, Code: p.Reason, Message: p.Message, Retry: false})
}
