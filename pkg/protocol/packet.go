// Package protocol defines the NovaMesh relay wire format: JSON packets
// discriminated by a "type" field. Field names and code points reproduce the
// existing server's format exactly; this package must stay interoperable with
// deployed relays.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType   = errors.New("unknown packet type")
	ErrMissingType   = errors.New("packet has no type field")
	ErrInvalidPacket = errors.New("invalid packet")
)

// Protocol constants
const (
	// Client protocol version sent in Auth
	Version = "1.2.0"
)

// Packet types (wire values)
const (
	TypeAuth              = "Auth"
	TypeChallenge         = "Challenge"
	TypeChallengeResponse = "ChallengeResponse"
	TypeIPAssign          = "IpAssign"
	TypeData              = "Data"
	TypePing              = "Ping"
	TypePong              = "Pong"
	TypeError             = "Error"
	TypeDisconnect        = "Disconnect"
)

// Encryption algorithm identifiers negotiated via Auth.features and carried
// in the encryption_algorithm field.
const (
	AlgorithmAESGCM   = "aes256gcm"
	AlgorithmChaCha20 = "chacha20poly1305"
)

// DefaultFeatures lists the capabilities the client advertises in Auth.
var DefaultFeatures = []string{AlgorithmAESGCM, AlgorithmChaCha20, "replay-protection"}

// Packet is implemented by every wire packet.
type Packet interface {
	PacketType() string
}

// Auth opens the handshake. public_key is the client's base58-encoded
// Ed25519 identity key.
type Auth struct {
	Type                string   `json:"type"`
	PublicKey           string   `json:"public_key"`
	Version             string   `json:"version"`
	Features            []string `json:"features"`
	EncryptionAlgorithm string   `json:"encryption_algorithm"`
	Nonce               string   `json:"nonce"`
}

// Challenge carries unpredictable bytes the client must sign to prove
// possession of its identity key. server_key, when present, is the server's
// base58-encoded X25519 public key used later for session key unwrap.
type Challenge struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Data      BinaryField `json:"data"`
	ServerKey string      `json:"server_key,omitempty"`
	ExpiresAt int64       `json:"expires_at,omitempty"`
}

// ChallengeResponse answers a Challenge. signature is the base58-encoded
// Ed25519 detached signature over the challenge bytes.
type ChallengeResponse struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challenge_id"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
}

// IPAssign completes the handshake: the server assigns an address and session
// id, and (when key exchange is in effect) delivers the session key sealed to
// the shared X25519 secret. Older servers send the key under "session_key";
// both are accepted.
type IPAssign struct {
	Type                string      `json:"type"`
	IPAddress           string      `json:"ip_address"`
	SessionID           string      `json:"session_id"`
	EncryptedSessionKey BinaryField `json:"encrypted_session_key,omitempty"`
	SessionKey          BinaryField `json:"session_key,omitempty"`
	KeyNonce            BinaryField `json:"key_nonce,omitempty"`
	EncryptionAlgorithm string      `json:"encryption_algorithm,omitempty"`
	ServerKey           string      `json:"server_key,omitempty"`
}

// WrappedKey returns the sealed session key regardless of which field name
// the server used.
func (p *IPAssign) WrappedKey() []byte {
	if len(p.EncryptedSessionKey) > 0 {
		return p.EncryptedSessionKey
	}
	return p.SessionKey
}

// Data carries one AEAD-sealed application payload. The legacy field name
// "encryption" is accepted as an alias for "encryption_algorithm".
type Data struct {
	Type                string      `json:"type"`
	Encrypted           BinaryField `json:"encrypted"`
	Nonce               BinaryField `json:"nonce"`
	Counter             uint64      `json:"counter"`
	EncryptionAlgorithm string      `json:"encryption_algorithm,omitempty"`
}

// UnmarshalJSON accepts the legacy "encryption" alias.
func (d *Data) UnmarshalJSON(b []byte) error {
	type data Data
	aux := struct {
		*data
		Legacy string `json:"encryption"`
	}{data: (*data)(d)}

	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	if d.EncryptionAlgorithm == "" && aux.Legacy != "" {
		d.EncryptionAlgorithm = aux.Legacy
	}

	return nil
}

// Ping is a liveness probe. Sent by either side; the receiver answers with a
// Pong echoing the timestamp and sequence.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
}

// Pong answers a Ping.
type Pong struct {
	Type            string `json:"type"`
	EchoTimestamp   int64  `json:"echo_timestamp"`
	ServerTimestamp int64  `json:"server_timestamp"`
	Sequence        uint64 `json:"sequence"`
}

// ErrorPacket is an explicit error from the peer. Codes below 5000 are
// considered retryable by the client.
type ErrorPacket struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DisconnectPacket announces an orderly teardown. Reasons >= 4000 are
// application-level and suppress automatic reconnection.
type DisconnectPacket struct {
	Type    string `json:"type"`
	Reason  int    `json:"reason"`
	Message string `json:"message"`
}

func (p *Auth) PacketType() string              { return TypeAuth }
func (p *Challenge) PacketType() string         { return TypeChallenge }
func (p *ChallengeResponse) PacketType() string { return TypeChallengeResponse }
func (p *IPAssign) PacketType() string          { return TypeIPAssign }
func (p *Data) PacketType() string              { return TypeData }
func (p *Ping) PacketType() string              { return TypePing }
func (p *Pong) PacketType() string              { return TypePong }
func (p *ErrorPacket) PacketType() string       { return TypeError }
func (p *DisconnectPacket) PacketType() string  { return TypeDisconnect }

// Encode marshals a packet, stamping its type discriminator.
func Encode(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case *Auth:
		v.Type = TypeAuth
	case *Challenge:
		v.Type = TypeChallenge
	case *ChallengeResponse:
		v.Type = TypeChallengeResponse
	case *IPAssign:
		v.Type = TypeIPAssign
	case *Data:
		v.Type = TypeData
	case *Ping:
		v.Type = TypePing
	case *Pong:
		v.Type = TypePong
	case *ErrorPacket:
		v.Type = TypeError
	case *DisconnectPacket:
		v.Type = TypeDisconnect
	}

	return json.Marshal(p)
}

// PeekType extracts the type discriminator without decoding the full packet.
func PeekType(raw []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// Decode parses a raw wire message into its concrete packet type. Unknown
// types return the type name alongside ErrUnknownType so callers can log and
// ignore them without treating the connection as broken.
func Decode(raw []byte) (Packet, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}

	var pkt Packet
	switch typ {
	case TypeAuth:
		pkt = &Auth{}
	case TypeChallenge:
		pkt = &Challenge{}
	case TypeChallengeResponse:
		pkt = &ChallengeResponse{}
	case TypeIPAssign:
		pkt = &IPAssign{}
	case TypeData:
		pkt = &Data{}
	case TypePing:
		pkt = &Ping{}
	case TypePong:
		pkt = &Pong{}
	case TypeError:
		pkt = &ErrorPacket{}
	case TypeDisconnect:
		pkt = &DisconnectPacket{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	if err := json.Unmarshal(raw, pkt); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidPacket, typ, err)
	}

	return pkt, nil
}
