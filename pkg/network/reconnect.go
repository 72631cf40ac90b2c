package network

import (
	"math/rand"
	"time"

	"github.com/NovaMesh/novalink-client/pkg/protocol"
)

// ReconnectionPolicy controls automatic reconnection after transport
// failures. The policy is immutable once the client is created.
type ReconnectionPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Jitter       bool
}

// DefaultReconnectionPolicy matches the relay's expectations: 1s doubling to
// a 30s ceiling, ten attempts, jittered to avoid synchronized retry storms.
func DefaultReconnectionPolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// ComputeDelay returns the backoff delay before retry number attempt
// (0-based): min(maxDelay, initialDelay*2^attempt), scaled by a uniform
// jitter factor in [0.85, 1.15] when jitter is enabled.
func (p ReconnectionPolicy) ComputeDelay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter {
		factor := 0.85 + rand.Float64()*0.3
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures.
func (p ReconnectionPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// IsRetryableCloseCode decides whether a transport close code warrants
// automatic reconnection:
//
//   - normal closure and going-away never retry
//   - explicit auth-failure/kicked/chat-deleted never retry
//   - transient-service codes always retry
//   - TLS failure never retries (surfaced as a possible certificate issue)
//   - remaining codes in the 4000-4099 application range never retry
//   - everything else retries by default (including 1006 abnormal closure)
func IsRetryableCloseCode(code int) bool {
	switch code {
	case protocol.CloseNormal, protocol.CloseGoingAway:
		return false
	case protocol.CloseAuthFailed, protocol.CloseKicked, protocol.CloseChatDeleted:
		return false
	case protocol.CloseServiceRestart, protocol.CloseTryAgainLater:
		return true
	case protocol.CloseTLSFailure:
		return false
	}

	if protocol.IsAppAuthClose(code) {
		return false
	}

	return true
}
