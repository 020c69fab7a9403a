// Package pipeline implements the client message channel's frame layers
// from spec.md §6: a size limit-check, a JSON binary codec (msgpack
// omitted — no msgpack library exists anywhere in the retrieval pack),
// and ECDH/ChaCha20-Poly1305 authenticated encryption via
// internal/crypto. Compression is omitted for the same reason as
// msgpack.
package pipeline

import (
	"github.com/hetu-io/hetu/internal/crypto"
)

// Pipeline is one connection's post-handshake frame transform: every
// outbound frame is JSON-encoded then sealed with sendKey; every inbound
// frame is opened with recvKey, size-checked, then JSON-decoded into the
// generic array DecodeClientFrame expects.
type Pipeline struct {
	codec        JSONCodec
	recvKey      []byte
	sendKey      []byte
	maxFrameSize int
}

// New builds a Pipeline from the session keys Handshake derived.
// maxFrameSize <= 0 falls back to DefaultMaxFrameBytes.
func New(recvKey, sendKey []byte, maxFrameSize int) *Pipeline {
	return &Pipeline{recvKey: recvKey, sendKey: sendKey, maxFrameSize: maxFrameSize}
}

// EncodeOutbound runs one push/reply frame (already shaped by
// RspFrame/SubReplyFrame/UpdtFrame/MotdFrame) through the codec then the
// encryption layer, producing the bytes to write to the wire.
func (p *Pipeline) EncodeOutbound(frame []interface{}) ([]byte, error) {
	plaintext, err := p.codec.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(p.sendKey, plaintext, nil)
}

// DecodeInbound reverses EncodeOutbound's counterpart on the client side:
// opens the sealed wire bytes, enforces the frame size limit on the
// resulting plaintext, JSON-decodes it into the generic array shape, and
// parses it into a typed ClientFrame.
func (p *Pipeline) DecodeInbound(sealed []byte) (*ClientFrame, error) {
	plaintext, err := crypto.Open(p.recvKey, sealed, nil)
	if err != nil {
		return nil, err
	}
	if err := CheckFrameSize(plaintext, p.maxFrameSize); err != nil {
		return nil, err
	}
	raw, err := p.codec.DecodeFrameArray(plaintext)
	if err != nil {
		return nil, err
	}
	return DecodeClientFrame(raw)
}
