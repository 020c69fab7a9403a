package pipeline

import (
	"github.com/hetu-io/hetu/internal/crypto"
	"github.com/hetu-io/hetu/internal/herrors"
)

// ClientHello is the first frame a client sends before any application
// frame: its ECDH public key, and (when the server requires one) an
// HMAC-SHA256 signature over that key keyed by a shared auth_key, per
// spec.md §6.
type ClientHello struct {
	PublicKey [32]byte `json:"public_key"`
	Signature []byte   `json:"signature,omitempty"`
}

// ServerHello is the server's handshake reply: its own ECDH public key.
type ServerHello struct {
	PublicKey [32]byte `json:"public_key"`
}

// SecurityConfig controls handshake-time policy.
type SecurityConfig struct {
	// RequireHelloHMAC, when true, rejects a ClientHello whose Signature
	// does not verify against AuthKey.
	RequireHelloHMAC bool
	AuthKey          []byte
}

// Handshake runs the server side of the ECDH key agreement: validates an
// incoming ClientHello (verifying its HMAC when required), generates a
// fresh server key pair, and derives the two directional session keys
// (client->server, server->client) via crypto.SharedSecret.
func Handshake(cfg SecurityConfig, hello ClientHello) (reply ServerHello, recvKey, sendKey []byte, err error) {
	if cfg.RequireHelloHMAC {
		if len(hello.Signature) == 0 || !crypto.VerifyHello(cfg.AuthKey, hello.PublicKey[:], hello.Signature) {
			return ServerHello{}, nil, nil, herrors.Validation("pipeline: client hello HMAC verification failed")
		}
	}

	serverKeyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return ServerHello{}, nil, nil, err
	}

	recvKey, err = crypto.SharedSecret(serverKeyPair.Private, hello.PublicKey, "client-to-server")
	if err != nil {
		return ServerHello{}, nil, nil, err
	}
	sendKey, err = crypto.SharedSecret(serverKeyPair.Private, hello.PublicKey, "server-to-client")
	if err != nil {
		return ServerHello{}, nil, nil, err
	}

	return ServerHello{PublicKey: serverKeyPair.Public}, recvKey, sendKey, nil
}

// SignedClientHello builds a ClientHello and, when authKey is non-empty,
// signs it — the client-side counterpart to Handshake's verification.
func SignedClientHello(publicKey [32]byte, authKey []byte) ClientHello {
	hello := ClientHello{PublicKey: publicKey}
	if len(authKey) > 0 {
		hello.Signature = crypto.SignHello(authKey, publicKey[:])
	}
	return hello
}
