package relayerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(SessionExpired, "session %s", "abc")
	assert.Equal(t, "SESSION_EXPIRED: session abc", e.Error())

	cause := errors.New("boom")
	w := Wrap(TransportPublishFailed, cause, "publish to %s", "ch1")
	assert.Contains(t, w.Error(), "TRANSPORT_PUBLISH_FAILED")
	assert.Contains(t, w.Error(), "boom")
	assert.ErrorIs(t, w, cause)
}

func TestIsMatchesByKind(t *testing.T) {
	a := New(InvalidKey, "bad length")
	b := New(InvalidKey, "different detail")
	c := New(DecryptionFailed, "bad length")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestKindOf(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, Unknown, KindOf(errors.New("plain")))
	require.Equal(t, RequestExpired, KindOf(New(RequestExpired, "")))

	wrapped := Wrap(RequestExpired, errors.New("inner"), "expired")
	require.True(t, HasKind(wrapped, RequestExpired))
}
