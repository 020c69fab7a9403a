// Package crypto implements the authenticated-encryption layer of the
// message pipeline: ECDH key agreement over Curve25519, ChaCha20-Poly1305
// frame sealing, and HMAC-SHA256 client-hello signing.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"io"
)

// KeyPair is a Curve25519 key-agreement key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a new Curve25519 key pair for the ECDH handshake.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// SharedSecret runs X25519 ECDH between a local private key and a peer's
// public key, then runs the result through HKDF-SHA256 to produce a
// ChaCha20-Poly1305 session key. info distinguishes client->server and
// server->client directions so the two derived keys never collide.
func SharedSecret(privateKey, peerPublic [32]byte, info string) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: derive session key: %w", err)
	}
	return key, nil
}

// Seal authenticates and encrypts a pipeline frame with ChaCha20-Poly1305.
// The nonce is generated fresh per call and prepended to the ciphertext, the
// same layout the frame codec expects on the decode side.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal: it splits the leading nonce from ciphertext and
// verifies+decrypts the remainder.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: sealed frame shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

// SignHello produces the HMAC-SHA256 signature placed on a client hello
// frame when the server is configured to require one (SecurityConfig's
// RequireHelloHMAC), keyed by the shared auth_key.
func SignHello(authKey, helloPayload []byte) []byte {
	h := hmac.New(sha256.New, authKey)
	h.Write(helloPayload)
	return h.Sum(nil)
}

// VerifyHello checks a client hello's HMAC-SHA256 signature in constant
// time.
func VerifyHello(authKey, helloPayload, signature []byte) bool {
	expected := SignHello(authKey, helloPayload)
	return hmac.Equal(expected, signature)
}

// GenerateRandomBytes returns n cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

// ZeroBytes overwrites a key or secret buffer before it is discarded.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
