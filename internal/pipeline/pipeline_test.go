package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/crypto"
	"github.com/hetu-io/hetu/internal/herrors"
)

func newTestPipelinePair(t *testing.T) (client, server *Pipeline) {
	t.Helper()
	clientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	hello := SignedClientHello(clientKP.Public, nil)
	serverHello, serverRecv, serverSend, err := Handshake(SecurityConfig{}, hello)
	require.NoError(t, err)

	clientSend, err := crypto.SharedSecret(clientKP.Private, serverHello.PublicKey, "client-to-server")
	require.NoError(t, err)
	clientRecv, err := crypto.SharedSecret(clientKP.Private, serverHello.PublicKey, "server-to-client")
	require.NoError(t, err)

	return New(clientRecv, clientSend, DefaultMaxFrameBytes), New(serverRecv, serverSend, DefaultMaxFrameBytes)
}

func TestHandshakeDerivesMatchingDirectionalKeys(t *testing.T) {
	client, server := newTestPipelinePair(t)

	sealed, err := client.EncodeOutbound(RspFrame("ok"))
	require.NoError(t, err)

	frame, err := server.DecodeInbound(sealed)
	require.Error(t, err) // rsp is not a valid client->server tag
	// A key mismatch would fail in crypto.Open with a plain error; a
	// VALIDATION error means the frame decrypted and only its tag was refused.
	assert.True(t, herrors.Is(err, herrors.KindValidation))
	assert.Nil(t, frame)
}

func TestPipelineRoundTripsRPCFrame(t *testing.T) {
	client, server := newTestPipelinePair(t)

	out := []interface{}{"rpc", "game.Deposit", float64(5), "gold"}
	sealed, err := client.EncodeOutbound(out)
	require.NoError(t, err)

	frame, err := server.DecodeInbound(sealed)
	require.NoError(t, err)
	require.NotNil(t, frame.RPC)
	assert.Equal(t, "game.Deposit", frame.RPC.Endpoint)
	assert.Equal(t, []interface{}{float64(5), "gold"}, frame.RPC.Args)
}

func TestHandshakeRequiresValidHMACWhenConfigured(t *testing.T) {
	clientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	authKey := []byte("shared-secret")

	hello := SignedClientHello(clientKP.Public, authKey)
	_, _, _, err = Handshake(SecurityConfig{RequireHelloHMAC: true, AuthKey: authKey}, hello)
	require.NoError(t, err)

	tampered := hello
	tampered.Signature = []byte("bogus")
	_, _, _, err = Handshake(SecurityConfig{RequireHelloHMAC: true, AuthKey: authKey}, tampered)
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.KindValidation))
}

func TestDecodeInboundRejectsOversizedFrame(t *testing.T) {
	client, server := newTestPipelinePair(t)
	server.maxFrameSize = 16

	big := strings.Repeat("x", 1000)
	sealed, err := client.EncodeOutbound([]interface{}{"rpc", "game.Echo", big})
	require.NoError(t, err)

	_, err = server.DecodeInbound(sealed)
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.KindValidation))
}

func TestDecodeInboundRejectsTamperedCiphertext(t *testing.T) {
	client, server := newTestPipelinePair(t)

	sealed, err := client.EncodeOutbound([]interface{}{"rpc", "game.Ping"})
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = server.DecodeInbound(sealed)
	require.Error(t, err)
}

func TestDecodeClientFrameTags(t *testing.T) {
	cases := []struct {
		name string
		raw  []interface{}
	}{
		{"rpc", []interface{}{"rpc", "game.Ping"}},
		{"sub get", []interface{}{"sub", "game.Player", "get", float64(1)}},
		{"sub range", []interface{}{"sub", "game.Player", "range", float64(0), float64(10)}},
		{"unsub", []interface{}{"unsub", "abc123"}},
		{"motd", []interface{}{"motd"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := DecodeClientFrame(tc.raw)
			require.NoError(t, err)
			assert.NotNil(t, frame)
		})
	}
}

func TestDecodeClientFrameRejectsUnknownTag(t *testing.T) {
	_, err := DecodeClientFrame([]interface{}{"bogus"})
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.KindValidation))
}

func TestDecodeClientFrameRejectsBadSubOp(t *testing.T) {
	_, err := DecodeClientFrame([]interface{}{"sub", "game.Player", "delete"})
	require.Error(t, err)
}

func TestErrorRspFrameShape(t *testing.T) {
	frame := ErrorRspFrame(herrors.KindValidation, "bad args")
	require.Len(t, frame, 2)
	assert.Equal(t, "rsp", frame[0])
	payload, ok := frame[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", payload["error"])
	assert.Equal(t, "bad args", payload["message"])
}

func TestCheckFrameSizeDefaultsWhenUnset(t *testing.T) {
	small := make([]byte, DefaultMaxFrameBytes)
	assert.NoError(t, CheckFrameSize(small, 0))

	big := make([]byte, DefaultMaxFrameBytes+1)
	assert.Error(t, CheckFrameSize(big, 0))
}
