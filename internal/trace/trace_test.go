package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	require.Equal(t, "abc", FromContext(Ensure(ctx)))
	require.NotEmpty(t, FromContext(Ensure(context.Background())))
}

func TestDetachDropsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(WithContext(context.Background(), "t-1"), time.Millisecond)
	cancel()

	detached := Detach(ctx)
	require.NoError(t, detached.Err())
	require.Equal(t, "t-1", FromContext(detached))
}
