package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := Envelope{Kind: KindCommand, RequestID: "req-1", Type: "directory.list"}
	b, err := Encode(env)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(b, []byte("\n")))

	r := NewReader(bytes.NewReader(b))
	got, err := r.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, env.Kind, got.Kind)
	require.Equal(t, env.RequestID, got.RequestID)
	require.Equal(t, env.Type, got.Type)
}

func TestReadEnvelopeMalformedDoesNotEOF(t *testing.T) {
	input := bytes.NewBufferString("{not json}\n{\"kind\":\"auth\",\"token\":\"tok\"}\n")
	r := NewReader(input)

	_, err := r.ReadEnvelope()
	var malformed *ErrMalformed
	require.ErrorAs(t, err, &malformed)

	env, err := r.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, KindAuth, env.Kind)
	require.Equal(t, "tok", env.Token)
}

func TestReadEnvelopeEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.ReadEnvelope()
	require.ErrorIs(t, err, io.EOF)
}
