// Package crypto implements the primitives behind the NovaMesh secure
// channel: Ed25519 identity signatures, X25519 key agreement, and AEAD
// sealing of application payloads.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidSignature = errors.New("invalid signature")
)

// SigningKeypair is the client's long-term Ed25519 identity.
type SigningKeypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateSigningKeypair generates a new Ed25519 identity keypair.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeypair{PublicKey: pub, PrivateKey: priv}, nil
}

// SigningKeypairFromSeed reconstructs a keypair from a stored 32-byte seed.
func SigningKeypairFromSeed(seed []byte) (*SigningKeypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKeySize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningKeypair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// Sign produces a detached Ed25519 signature over data (challenge bytes).
func Sign(data []byte, priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeySize
	}
	return ed25519.Sign(priv, data), nil
}

// Verify checks a detached Ed25519 signature.
func Verify(data, signature []byte, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidKeySize
	}
	if !ed25519.Verify(pub, data, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// X25519ScalarFromSigning derives the client's X25519 private scalar from its
// Ed25519 identity key per RFC 8032/7748: SHA-512 of the 32-byte seed,
// truncated to 32 bytes and clamped. This is the standards conversion, not
// the raw seed truncation some older clients shipped with.
func X25519ScalarFromSigning(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeySize
	}

	h := sha512.Sum512(priv.Seed())
	scalar := make([]byte, curve25519.ScalarSize)
	copy(scalar, h[:curve25519.ScalarSize])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	return scalar, nil
}

// X25519PublicFromSigning returns the X25519 public key matching the scalar
// derived by X25519ScalarFromSigning. Servers compute the same point from the
// advertised Ed25519 key via the birational map.
func X25519PublicFromSigning(priv ed25519.PrivateKey) ([]byte, error) {
	scalar, err := X25519ScalarFromSigning(priv)
	if err != nil {
		return nil, err
	}
	defer Zero(scalar)

	return curve25519.X25519(scalar, curve25519.Basepoint)
}

// DeriveSharedSecret performs X25519 between the client's converted identity
// scalar and the server's X25519 public key. The caller owns the returned
// secret and must zero it when done.
func DeriveSharedSecret(priv ed25519.PrivateKey, serverPublic []byte) ([]byte, error) {
	if len(serverPublic) != curve25519.PointSize {
		return nil, ErrInvalidKeySize
	}

	scalar, err := X25519ScalarFromSigning(priv)
	if err != nil {
		return nil, err
	}
	defer Zero(scalar)

	return curve25519.X25519(scalar, serverPublic)
}

// GenerateX25519Keypair generates an ephemeral X25519 keypair. Used by tests
// standing in for the server side of the key exchange.
func GenerateX25519Keypair() (public, private []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, err
	}

	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return public, private, nil
}

// X25519 computes a raw scalar multiplication between an X25519 private
// scalar and a public point.
func X25519(private, public []byte) ([]byte, error) {
	return curve25519.X25519(private, public)
}

// Zero wipes key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
