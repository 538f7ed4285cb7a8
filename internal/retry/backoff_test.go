package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	b := New(100*time.Millisecond, time.Second, 5)

	var delays []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}

	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}, delays)
}

func TestBackoffCap(t *testing.T) {
	b := New(time.Second, 2*time.Second, 10)
	for i := 0; i < 10; i++ {
		d, ok := b.Next()
		require.True(t, ok)
		require.LessOrEqual(t, d, 2*time.Second)
	}
	_, ok := b.Next()
	require.False(t, ok)
}

func TestBackoffReset(t *testing.T) {
	b := New(time.Millisecond, time.Second, 2)
	b.Next()
	b.Next()
	_, ok := b.Next()
	require.False(t, ok)

	b.Reset()
	d, ok := b.Next()
	require.True(t, ok)
	require.Equal(t, time.Millisecond, d)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	b := New(time.Millisecond, 10*time.Millisecond, 5)

	calls := 0
	err := Do(context.Background(), b, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	b := New(time.Millisecond, 10*time.Millisecond, 5)
	permanent := errors.New("permanent")

	calls := 0
	err := Do(context.Background(), b, func(err error) bool { return false }, func() error {
		calls++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDoHonorsContext(t *testing.T) {
	b := New(time.Hour, time.Hour, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, b, nil, func() error { return errors.New("transient") })
	require.ErrorIs(t, err, context.Canceled)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	b := New(time.Millisecond, time.Millisecond, 2)
	boom := errors.New("boom")

	err := Do(context.Background(), b, nil, func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, b.Attempt())
}
