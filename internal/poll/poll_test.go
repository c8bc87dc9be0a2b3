package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Until(context.Background(), 5, time.Millisecond, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return ErrNotReady
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUntilExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Until(context.Background(), 4, time.Millisecond, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestUntilHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Until(ctx, 100, time.Hour, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return ErrNotReady
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleepZero(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
}
