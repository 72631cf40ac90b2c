package network

import "github.com/NovaMesh/novalink-client/pkg/crypto"

// Session holds the state of one established secure channel. Exactly one
// Session is live per logical connection; it is owned by the dispatch loop
// and destroyed on disconnect or forced reconnect.
type Session struct {
	ID              string
	AssignedAddress string
	Algorithm       string
	Unauthenticated bool

	key         []byte // 32 bytes, zeroed on Destroy
	sendCounter uint64
}

func newSession(id, address, algorithm string, key []byte, unauthenticated bool) *Session {
	return &Session{
		ID:              id,
		AssignedAddress: address,
		Algorithm:       algorithm,
		Unauthenticated: unauthenticated,
		key:             key,
	}
}

// Key returns the session key. Never log or serialize it.
func (s *Session) Key() []byte { return s.key }

// NextCounter claims the next send counter. Counters never repeat within a
// session: the nonce derived from each must be unique per key.
func (s *Session) NextCounter() uint64 {
	c := s.sendCounter
	s.sendCounter++
	return c
}

// Destroy zeroes the session key. The session must not be used afterwards.
func (s *Session) Destroy() {
	crypto.Zero(s.key)
	s.key = nil
}
