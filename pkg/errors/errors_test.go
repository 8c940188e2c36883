package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorError(t *testing.T) {
	err := New("DELIVERY_TIMEOUT", "timed out", http.StatusGatewayTimeout)
	require.Equal(t, "timed out", err.Error())

	wrapped := err.WithInternal(errors.New("socket closed"))
	require.Equal(t, "timed out: socket closed", wrapped.Error())
	// original copy untouched
	require.Nil(t, err.Internal)
}

func TestUnwrapSupportsErrorsIs(t *testing.T) {
	inner := errors.New("boom")
	err := Wrap(inner, "delivery failed")
	require.ErrorIs(t, err, inner)
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	appErr := FromError(ErrDeliveryTimeout)
	require.Same(t, ErrDeliveryTimeout, appErr)

	wrapped := fmt.Errorf("handler: %w", ErrIdentityMissing)
	require.Same(t, ErrIdentityMissing, FromError(wrapped))

	generic := FromError(errors.New("boom"))
	require.Equal(t, ErrInternalServer.Code, generic.Code)
	require.EqualError(t, generic.Internal, "boom")
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []*AppError{
		ErrDeliveryTimeout,
		ErrRecipientOffline,
		ErrTransportLost,
		ErrSignalingFailure,
		ErrIdentityMissing,
	}
	seen := map[string]bool{}
	for _, s := range sentinels {
		require.False(t, seen[s.Code], "duplicate code %s", s.Code)
		seen[s.Code] = true
	}
}
