package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errModelBusy = errors.New("ollama: model busy")

// translationPolicy mirrors the translator: one call plus three retries,
// two seconds apart in production, shortened here.
func translationPolicy() Config {
	return Fixed(4, 5*time.Millisecond)
}

func TestFixed_ShapesConstantDelay(t *testing.T) {
	cfg := Fixed(4, 2*time.Second)
	assert.Equal(t, Config{
		MaxAttempts:  4,
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   1.0,
	}, cfg)
}

func TestDoWithResult_TranslationRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	out, err := DoWithResult(context.Background(), translationPolicy(), func() (string, error) {
		calls++
		if calls <= 3 {
			return "", errModelBusy
		}
		return "hello", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, 4, calls)
}

func TestDoWithResult_GivesUpAfterLastAttempt(t *testing.T) {
	calls := 0
	out, err := DoWithResult(context.Background(), translationPolicy(), func() (string, error) {
		calls++
		return "", errModelBusy
	})

	assert.Empty(t, out)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, errModelBusy)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestDo_FixedPolicyWaitsBetweenAttempts(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Fixed(3, 25*time.Millisecond), func() error {
		return errModelBusy
	})

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestDo_GrowingDelayRespectsMaxDelay(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Config{
		MaxAttempts:  4,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     15 * time.Millisecond,
		Multiplier:   8,
	}, func() error {
		return errModelBusy
	})

	// 5ms, then 15ms twice
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestDo_NonRetryableMissingModel(t *testing.T) {
	missing := errors.New(`model "llama3" not found, try pulling it first`)
	calls := 0
	err := Do(context.Background(), translationPolicy(), func() error {
		calls++
		return NonRetryable(missing)
	})

	assert.Equal(t, 1, calls)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, missing)
	assert.False(t, IsNonRetryable(errModelBusy))
	assert.Nil(t, NonRetryable(nil))
}

func TestDo_ClientDisconnectStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Fixed(4, time.Hour), func() error {
			calls++
			return errModelBusy
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do kept waiting after cancellation")
	}
}

func TestDo_AlreadyCancelledRunsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, translationPolicy(), func() error {
		calls++
		return errModelBusy
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative delay", Config{InitialDelay: -time.Second}},
		{"negative max", Config{MaxDelay: -time.Second}},
		{"negative multiplier", Config{Multiplier: -1}},
		{"max below initial", Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), test.cfg, func() error {
				calls++
				return nil
			})
			assert.Error(t, err)
			assert.Zero(t, calls)
		})
	}
}

func TestDo_ZeroAttemptsStillCallsOnce(t *testing.T) {
	calls := 0
	require.NoError(t, Do(context.Background(), Config{}, func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}
