package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Retries: 2, Cooldown: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Retries: 1, Cooldown: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("down")
	})

	require.EqualError(t, err, "down")
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), Policy{Retries: 5, Cooldown: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{Retries: 3, Cooldown: time.Hour}, func(context.Context) error {
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitterBounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 1000; i++ {
		j := Jitter(d, 0.25)
		assert.GreaterOrEqual(t, j, 7500*time.Millisecond)
		assert.LessOrEqual(t, j, 12500*time.Millisecond)
	}
	assert.Equal(t, d, Jitter(d, 0))
}
