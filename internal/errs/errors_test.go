package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndIs(t *testing.T) {
	err := New(NotTracked, "room:1/user:42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotTracked))
	assert.False(t, errors.Is(err, ErrAlreadyTracked))
	assert.Contains(t, err.Error(), "not_tracked")
	assert.Contains(t, err.Error(), "room:1/user:42")
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(TransportUnreachable, "send failed", cause)

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, TransportUnreachable, typed.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		AlreadyTracked:       "already_tracked",
		NotTracked:           "not_tracked",
		UnknownPeer:          "unknown_peer",
		TransportUnreachable: "transport_unreachable",
		DeadHandle:           "dead_handle",
		ConfigInvalid:        "config_invalid",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestAsBroadcastError(t *testing.T) {
	assert.NotPanics(t, func() { AsBroadcastError(nil) })

	err := New(UnknownPeer, "node2")
	assert.PanicsWithValue(t, &BroadcastError{Cause: err}, func() {
		AsBroadcastError(err)
	})
}
