package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMCRobotics/save-the-reef/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.WrapTransient(stderrors.New("stream not ready"), "test", "op", "create")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	cause := stderrors.New("still down")
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"wrapped", NonRetryable(stderrors.New("bad stream name"))},
		{"invalid", errors.WrapInvalid(stderrors.New("bad subject"), "test", "op", "create")},
		{"fatal", errors.WrapFatal(stderrors.New("no jetstream"), "test", "op", "create")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), fastConfig(5), func() error {
				attempts++
				return tt.err
			})
			assert.Equal(t, 1, attempts)
			assert.Equal(t, tt.err, err)
		})
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second}

	attempts := 0
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	err := Do(ctx, cfg, func() error {
		attempts++
		return stderrors.New("down")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_Backoff(t *testing.T) {
	cfg := Config{MaxAttempts: 4, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

	var stamps []time.Time
	_ = Do(context.Background(), cfg, func() error {
		stamps = append(stamps, time.Now())
		return stderrors.New("down")
	})

	require.Len(t, stamps, 4)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[3].Sub(stamps[2]), 20*time.Millisecond, "capped at MaxDelay")
}

func TestDo_InvalidConfig(t *testing.T) {
	called := false
	fn := func() error {
		called = true
		return nil
	}

	for _, cfg := range []Config{
		{InitialDelay: -time.Second},
		{Multiplier: -1},
		{InitialDelay: time.Second, MaxDelay: time.Millisecond},
	} {
		err := Do(context.Background(), cfg, fn)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	}
	assert.False(t, called)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), fastConfig(0), func() error {
		attempts++
		return stderrors.New("down")
	})
	assert.Equal(t, 1, attempts)
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", stderrors.New("down")
		}
		return "HOMIE_RETAINED", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "HOMIE_RETAINED", got)
}

func TestPresets(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), Quick()} {
		_, err := cfg.normalize()
		assert.NoError(t, err)
		assert.Greater(t, cfg.MaxAttempts, 1)
	}
}
