package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}

	challenge := []byte{1, 2, 3}
	sig, err := Sign(challenge, kp.PrivateKey)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := Verify(challenge, sig, kp.PublicKey); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	// Signature over different data must not verify
	if err := Verify([]byte{1, 2, 4}, sig, kp.PublicKey); err == nil {
		t.Error("Verify() accepted signature over different data")
	}

	// Tampered signature must not verify
	bad := make([]byte, len(sig))
	copy(bad, sig)
	bad[0] ^= 0x01
	if err := Verify(challenge, bad, kp.PublicKey); err == nil {
		t.Error("Verify() accepted tampered signature")
	}
}

func TestSigningKeypairFromSeed(t *testing.T) {
	kp, _ := GenerateSigningKeypair()

	restored, err := SigningKeypairFromSeed(kp.PrivateKey.Seed())
	if err != nil {
		t.Fatalf("SigningKeypairFromSeed() error = %v", err)
	}

	if !bytes.Equal(restored.PublicKey, kp.PublicKey) {
		t.Error("restored keypair has different public key")
	}

	if _, err := SigningKeypairFromSeed([]byte{1, 2, 3}); err == nil {
		t.Error("SigningKeypairFromSeed() accepted short seed")
	}
}

func TestX25519ScalarConversionDeterministic(t *testing.T) {
	kp, _ := GenerateSigningKeypair()

	s1, err := X25519ScalarFromSigning(kp.PrivateKey)
	if err != nil {
		t.Fatalf("X25519ScalarFromSigning() error = %v", err)
	}
	s2, _ := X25519ScalarFromSigning(kp.PrivateKey)

	if !bytes.Equal(s1, s2) {
		t.Error("conversion is not deterministic")
	}

	// RFC 7748 clamping
	if s1[0]&7 != 0 {
		t.Error("low bits not cleared")
	}
	if s1[31]&128 != 0 || s1[31]&64 == 0 {
		t.Error("high bits not clamped")
	}
}

func TestDeriveSharedSecretAgreement(t *testing.T) {
	// Client side: Ed25519 identity converted to X25519
	kp, _ := GenerateSigningKeypair()

	// Server side: native X25519 keypair
	serverPub, serverPriv, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair() error = %v", err)
	}

	clientSecret, err := DeriveSharedSecret(kp.PrivateKey, serverPub)
	if err != nil {
		t.Fatalf("DeriveSharedSecret() error = %v", err)
	}

	clientXPub, err := X25519PublicFromSigning(kp.PrivateKey)
	if err != nil {
		t.Fatalf("X25519PublicFromSigning() error = %v", err)
	}

	serverSecret, err := X25519(serverPriv, clientXPub)
	if err != nil {
		t.Fatalf("X25519() error = %v", err)
	}

	if !bytes.Equal(clientSecret, serverSecret) {
		t.Error("client and server derived different shared secrets")
	}
	if len(clientSecret) != 32 {
		t.Errorf("shared secret length = %d, want 32", len(clientSecret))
	}
}

func TestDeriveSharedSecretRejectsBadServerKey(t *testing.T) {
	kp, _ := GenerateSigningKeypair()

	if _, err := DeriveSharedSecret(kp.PrivateKey, []byte{1, 2, 3}); err == nil {
		t.Error("DeriveSharedSecret() accepted short server key")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not zeroed: %d", i, v)
		}
	}
}
