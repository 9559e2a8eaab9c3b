package reltransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{ClientID: "abc-123", Nonce: 7, Payload: "hello"}
	raw, err := MarshalEnvelope(e)
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, e, parsed)
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, err := ParseEnvelope("not json")
	require.Error(t, err)
}

func TestParseEnvelopeRejectsMissingClientID(t *testing.T) {
	_, err := ParseEnvelope(`{"nonce":1,"payload":"x"}`)
	require.Error(t, err)
}

func TestMarshalEnvelopeMatchesWireShape(t *testing.T) {
	raw, err := MarshalEnvelope(Envelope{ClientID: "u", Nonce: 1, Payload: "p"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientId":"u","nonce":1,"payload":"p"}`, raw)
}
