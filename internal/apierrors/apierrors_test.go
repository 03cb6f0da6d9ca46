package apierrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_DirectAndWrapped(t *testing.T) {
	err := New(KindQueueFull, "queue at capacity")
	require.Equal(t, KindQueueFull, KindOf(err))

	wrapped := fmt.Errorf("submit failed: %w", err)
	require.Equal(t, KindQueueFull, KindOf(wrapped))

	require.Equal(t, KindInternal, KindOf(errors.New("anonymous failure")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransientTransport, "ocr transport error", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "TransientTransport")
	require.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus_Mapping(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidInput:       400,
		KindNotFound:           404,
		KindRateLimited:        429,
		KindQueueFull:          503,
		KindServiceUnavailable: 503,
		KindTransientTransport: 502,
		KindDataIntegrity:      500,
		KindInternal:           500,
	}
	for kind, want := range cases {
		require.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestRecoverableAsSkip(t *testing.T) {
	require.True(t, RecoverableAsSkip(KindServiceUnavailable))
	require.True(t, RecoverableAsSkip(KindTransientTransport))
	require.True(t, RecoverableAsSkip(KindQueueFull))
	require.False(t, RecoverableAsSkip(KindInvalidInput))
	require.False(t, RecoverableAsSkip(KindInternal))
}
