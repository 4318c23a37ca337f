package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	text, err := EncodeSend("stream123", 7, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "SEND stream123 7 aGVsbG8gd29ybGQ=", text)

	f, ok := Parse(text)
	require.True(t, ok)
	send, isSend := f.(Send)
	require.True(t, isSend)
	assert.Equal(t, "stream123", send.StreamID)
	assert.Equal(t, uint64(7), send.Seq)
	assert.Equal(t, []byte("hello world"), send.Payload)
}

func TestEncodeRejectsWhitespace(t *testing.T) {
	_, err := EncodeConnect("req 1", "example.com", "80")
	assert.ErrorIs(t, err, ErrNoWhitespace)
}

func TestParseUnknownVerbIgnored(t *testing.T) {
	_, ok := Parse("PING something")
	assert.False(t, ok)
}

func TestParseMalformedBase64Dropped(t *testing.T) {
	_, ok := Parse("RECV stream123 0 not-valid-base64!!")
	assert.False(t, ok)
}

func TestParseEachVariant(t *testing.T) {
	cases := []string{
		"CONNECT req1 example.com 443",
		"OK req1 stream1",
		"SEND stream1 0 QUE=",
		"RECV stream1 0 QUE=",
		"CLOSE stream1",
		"CLOSED req1",
		"FAIL req1 dial_refused",
	}
	for _, c := range cases {
		_, ok := Parse(c)
		assert.True(t, ok, c)
	}
}

func TestMaxPayloadFitsFrameLimit(t *testing.T) {
	n := MaxPayload(4096, "0123456789abcdef0123456789abcdef", 6)
	text, err := EncodeSend("0123456789abcdef0123456789abcdef", 999999, make([]byte, n))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(text), 4096)
}

func TestEncodeFailReplacesWhitespaceInReason(t *testing.T) {
	text, err := EncodeFail("req1", "connection refused")
	require.NoError(t, err)
	assert.Equal(t, "FAIL req1 connection_refused", text)
}
