package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute, HalfOpenMaxRequests: 1})
	b.now = func() time.Time { return now }

	boom := errors.New("boom")
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	require.Equal(t, StateOpen, b.State())

	called := false
	require.ErrorIs(t, b.Execute(func() error { called = true; return nil }), ErrOpen)
	require.False(t, called)

	now = now.Add(time.Minute)
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second, HalfOpenMaxRequests: 1})
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errors.New("x") })
	now = now.Add(time.Second)
	_ = b.Execute(func() error { return errors.New("x") })
	require.Equal(t, StateOpen, b.State())
}
