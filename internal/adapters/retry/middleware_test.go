package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/pkg/errors"
)

func quickConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Strategy:     StrategyFixed,
	}
}

func TestDo_RetriesConnectivityErrors(t *testing.T) {
	m := New(quickConfig())

	attempts := 0
	err := m.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.ErrAPIUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_NeverRetriesValidationErrors(t *testing.T) {
	m := New(quickConfig())

	attempts := 0
	err := m.Do(context.Background(), func() error {
		attempts++
		return errors.Wrap(errors.ErrInsufficientBalance, "supply check")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, errors.ErrInsufficientBalance))
}

func TestDo_ExhaustsBudget(t *testing.T) {
	m := New(quickConfig())

	attempts := 0
	err := m.Do(context.Background(), func() error {
		attempts++
		return errors.ErrRPCUnavailable
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial try + three retries
	assert.Contains(t, err.Error(), "max retries")
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	m := New(Config{
		MaxRetries:   10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Strategy:     StrategyFixed,
	})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := m.Do(ctx, func() error {
		attempts++
		return errors.ErrAPIUnavailable
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, attempts)
}

func TestDelay_ExponentialGrowthCapped(t *testing.T) {
	m := New(Config{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Strategy:     StrategyExponential,
		Multiplier:   2.0,
	})

	assert.Equal(t, 100*time.Millisecond, m.delay(0))
	assert.Equal(t, 200*time.Millisecond, m.delay(1))
	assert.Equal(t, 400*time.Millisecond, m.delay(2))
	assert.Equal(t, 500*time.Millisecond, m.delay(3)) // capped
}
