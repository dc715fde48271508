package httpclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(5), func(int) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(3), func(int) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentIsNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(5), func(int) error {
		calls++
		return Permanent(errBoom)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, errBoom, err)
	assert.False(t, IsPermanent(err))
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastBackoff(3), func(int) error { return errBoom })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryAfterHintIsCapped(t *testing.T) {
	start := time.Now()
	calls := 0
	err := Retry(context.Background(), fastBackoff(2), func(int) error {
		calls++
		return WithRetryAfter(errBoom, time.Hour)
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetriableStatus(t *testing.T) {
	assert.True(t, RetriableStatus(http.StatusTooManyRequests))
	assert.True(t, RetriableStatus(http.StatusBadGateway))
	assert.False(t, RetriableStatus(http.StatusBadRequest))
	assert.False(t, RetriableStatus(http.StatusUnauthorized))
}
