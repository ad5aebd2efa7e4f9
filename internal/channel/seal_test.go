package channel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/worksync/internal/wiremsg"
)

// xorCipher is a toy cipher for tests.
type xorCipher struct{ key byte }

func (c xorCipher) Encrypt(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key
	}
	return out, nil
}

func (c xorCipher) Decrypt(data []byte) ([]byte, error) { return c.Encrypt(data) }
func (c xorCipher) Name() string                        { return "xor" }

func newTestMessage(t *testing.T, payload any) *wiremsg.Message {
	t.Helper()
	msg, err := wiremsg.New(wiremsg.MsgDataSync, "dev-a", "user@example.com", payload)
	require.NoError(t, err)
	return msg
}

func TestSealSmallPayloadUntouched(t *testing.T) {
	msg := newTestMessage(t, map[string]string{"k": "v"})
	plain := bytes.Clone(msg.Payload)

	require.NoError(t, sealPayload(msg, nil, 1024))

	assert.Equal(t, plain, []byte(msg.Payload))
	assert.True(t, msg.VerifyChecksum())
}

func TestSealCompressesLargePayload(t *testing.T) {
	big := map[string]string{"blob": strings.Repeat("workspace configuration ", 200)}
	msg := newTestMessage(t, big)
	plain := bytes.Clone(msg.Payload)

	require.NoError(t, sealPayload(msg, nil, 1024))
	assert.NotEqual(t, plain, []byte(msg.Payload))
	assert.Less(t, len(msg.Payload), len(plain), "compressible payload should shrink")

	// checksum fails against the sealed form, passes once opened
	assert.False(t, msg.VerifyChecksum())
	require.NoError(t, openPayload(msg, nil))
	assert.Equal(t, plain, []byte(msg.Payload))
	assert.True(t, msg.VerifyChecksum())
}

func TestSealEncryptsWithCipher(t *testing.T) {
	msg := newTestMessage(t, map[string]string{"secret": "value"})
	plain := bytes.Clone(msg.Payload)
	cipher := xorCipher{key: 0x5a}

	require.NoError(t, sealPayload(msg, cipher, 1024))
	assert.NotContains(t, string(msg.Payload), "secret")

	require.NoError(t, openPayload(msg, cipher))
	assert.Equal(t, plain, []byte(msg.Payload))
	assert.True(t, msg.VerifyChecksum())
}

func TestSealCompressAndEncrypt(t *testing.T) {
	big := map[string]string{"blob": strings.Repeat("settings ", 500)}
	msg := newTestMessage(t, big)
	plain := bytes.Clone(msg.Payload)
	cipher := xorCipher{key: 0x17}

	require.NoError(t, sealPayload(msg, cipher, 256))
	require.NoError(t, openPayload(msg, cipher))

	assert.Equal(t, plain, []byte(msg.Payload))
	assert.True(t, msg.VerifyChecksum())
}

func TestOpenEncryptedWithoutCipher(t *testing.T) {
	msg := newTestMessage(t, map[string]string{"secret": "value"})
	require.NoError(t, sealPayload(msg, xorCipher{key: 1}, 1024))

	err := openPayload(msg, nil)
	assert.Error(t, err)
}

func TestOpenPassesThroughUnsealedPayload(t *testing.T) {
	msg := newTestMessage(t, map[string]string{"k": "v"})
	plain := bytes.Clone(msg.Payload)

	require.NoError(t, openPayload(msg, nil))
	assert.Equal(t, plain, []byte(msg.Payload))
}
