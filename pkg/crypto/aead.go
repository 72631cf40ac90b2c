package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidNonceSize     = errors.New("invalid nonce size")
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
	ErrDecryptionFailed     = errors.New("decryption failed")
)

// Session key and nonce sizes shared by both supported AEAD constructions.
const (
	KeySize   = 32
	NonceSize = 12
)

// Algorithm identifiers, matching the wire values in pkg/protocol.
const (
	AlgorithmAESGCM   = "aes256gcm"
	AlgorithmChaCha20 = "chacha20poly1305"
)

func newAEAD(key []byte, algorithm string) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	switch algorithm {
	case AlgorithmAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// CounterNonce builds the deterministic 96-bit nonce for an outbound Data
// packet: four zero bytes followed by the send counter, big-endian. The
// layout must match the server's exactly; both supported ciphers use 96-bit
// nonces so one convention covers both.
func CounterNonce(counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// RandomNonce returns a fresh random 96-bit nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Seal encrypts plaintext under key with the given algorithm and nonce,
// returning ciphertext with the authentication tag appended.
func Seal(plaintext, key, nonce []byte, algorithm string) ([]byte, error) {
	aead, err := newAEAD(key, algorithm)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidNonceSize
	}

	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// SealWithCounter seals plaintext with the deterministic counter nonce and
// returns both ciphertext and nonce, ready for a Data packet.
func SealWithCounter(plaintext, key []byte, counter uint64, algorithm string) (ciphertext, nonce []byte, err error) {
	nonce = CounterNonce(counter)
	ciphertext, err = Seal(plaintext, key, nonce, algorithm)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}

// Open verifies and decrypts ciphertext. It fails closed: any tag mismatch,
// wrong key size, or wrong nonce size returns an error and no plaintext.
func Open(ciphertext, nonce, key []byte, algorithm string) ([]byte, error) {
	aead, err := newAEAD(key, algorithm)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidNonceSize
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
