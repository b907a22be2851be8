package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drospect/pkg/retry"
)

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, Backoff: retry.Fixed(time.Millisecond)}, func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_FailsTwiceThenSucceeds(t *testing.T) {
	var attempts []int
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, Backoff: retry.Fixed(time.Millisecond)}, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_ReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("still broken")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3}, func(int) error {
		calls++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 5}, func(int) error {
		calls++
		return retry.Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, retry.Config{MaxAttempts: 10, Backoff: retry.Fixed(50 * time.Millisecond)}, func(int) error {
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_OnRetryNotCalledAfterLastAttempt(t *testing.T) {
	var retried []int
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 4,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}, func(int) error {
		return errors.New("fail")
	})
	assert.Equal(t, []int{1, 2, 3}, retried)
}

func TestQuadraticBackoff(t *testing.T) {
	b := retry.Quadratic(time.Second)
	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 4*time.Second, b(2))
	assert.Equal(t, 9*time.Second, b(3))
}
