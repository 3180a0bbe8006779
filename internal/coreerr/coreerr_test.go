package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindStorage, "redis set failed", cause)
	require.ErrorIs(t, err, cause)
	require.True(t, Is(err, KindStorage))
	require.False(t, Is(err, KindTransport))
}

func TestNewHasNoCause(t *testing.T) {
	err := New(KindInput, "bad vector length")
	require.Nil(t, err.Unwrap())
	require.Contains(t, err.Error(), "bad vector length")
}
