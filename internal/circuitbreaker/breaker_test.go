package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

func settings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		MaxProbes:        1,
		OpenTimeout:      50 * time.Millisecond,
		Interval:         time.Minute,
	}
}

func fail(ctx context.Context) error { return errBoom }
func ok(ctx context.Context) error   { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	require.NoError(t, b.Execute(ctx, ok))
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, b.Execute(ctx, ok))
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	time.Sleep(60 * time.Millisecond)

	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	time.Sleep(60 * time.Millisecond)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked

	// Only one probe is allowed while half-open.
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrTooManyProbes)
	close(release)
}

func TestPanicCountsAsFailure(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Panics(t, func() {
			_ = b.Execute(ctx, func(ctx context.Context) error { panic("bad") })
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestIsOpen(t *testing.T) {
	b := New("test", settings(), zaptest.NewLogger(t))
	assert.False(t, b.IsOpen())
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	assert.True(t, b.IsOpen())
}
