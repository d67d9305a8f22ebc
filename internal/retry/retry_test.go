package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastExecutor(opts ...Option) *Executor {
	return New(append([]Option{WithDelay(time.Millisecond)}, opts...)...)
}

func TestDo_AlwaysFailsAttemptsExactlyFiveTimes(t *testing.T) {
	attempts := 0
	transient := errors.New("throttled")

	_, err := Do(context.Background(), fastExecutor(), "get", func(context.Context) (int, error) {
		attempts++
		return 0, transient
	})

	require.Error(t, err)
	assert.Equal(t, DefaultAttempts, attempts)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, transient, "last attempt error stays reachable")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "get", exhausted.Op)
	assert.Equal(t, DefaultAttempts, exhausted.Attempts)
	assert.Contains(t, exhausted.Stack, "TestDo_AlwaysFailsAttemptsExactlyFiveTimes",
		"stack must point at the caller of Do")
}

func TestDo_SucceedsOnThirdAttempt(t *testing.T) {
	attempts := 0
	v, err := Do(context.Background(), fastExecutor(), "set", func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient error")
		}
		return "v3", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "v3", v)
	assert.Equal(t, 3, attempts, "no fourth attempt after success")
}

func TestDo_ZeroValuesAreSuccess(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context) (any, error)
	}{
		{"nil", func(context.Context) (any, error) { return nil, nil }},
		{"zero", func(context.Context) (any, error) { return 0, nil }},
		{"false", func(context.Context) (any, error) { return false, nil }},
		{"empty string", func(context.Context) (any, error) { return "", nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			_, err := Do(context.Background(), fastExecutor(), "get", func(ctx context.Context) (any, error) {
				attempts++
				return tt.fn(ctx)
			})
			require.NoError(t, err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	bad := errors.New("bad argument")

	_, err := Do(context.Background(), fastExecutor(), "increment", func(context.Context) (int, error) {
		attempts++
		return 0, Permanent(bad)
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, bad, err, "permanent marker is stripped")
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	delay := 20 * time.Millisecond
	var stamps []time.Time

	_, err := Do(context.Background(), New(WithDelay(delay)), "get", func(context.Context) (int, error) {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return 0, errors.New("retry me")
		}
		return 1, nil
	})
	require.NoError(t, err)
	require.Len(t, stamps, 3)

	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), delay)
	}
}

func TestDo_NoSleepAfterLastAttempt(t *testing.T) {
	exec := New(WithDelay(50 * time.Millisecond))
	start := time.Now()
	_, err := Do(context.Background(), exec, "get", func(context.Context) (int, error) {
		return 0, errors.New("down")
	})
	require.Error(t, err)

	// Four pauses between five attempts.
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond+100*time.Millisecond)
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	_, err := Do(ctx, New(WithDelay(time.Hour)), "get", func(context.Context) (int, error) {
		attempts++
		cancel()
		return 0, errors.New("down")
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_AttemptHook(t *testing.T) {
	var seen []int
	exec := fastExecutor(WithAttemptHook(func(op string, attempt int, err error) {
		assert.Equal(t, "remove", op)
		seen = append(seen, attempt)
	}))

	_, err := Do(context.Background(), exec, "remove", func(context.Context) (int, error) {
		if len(seen) < 2 {
			return 0, errors.New("flaky")
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_NilExecutorUsesDefaults(t *testing.T) {
	v, err := Do(context.Background(), nil, "get", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestExecutor_WithDelayCopies(t *testing.T) {
	base := New()
	fast := base.WithDelay(time.Millisecond)

	assert.Equal(t, DefaultDelay, base.Delay())
	assert.Equal(t, time.Millisecond, fast.Delay())
	assert.Equal(t, DefaultAttempts, fast.Attempts())
}

func TestDo_IndependentConcurrentCalls(t *testing.T) {
	exec := fastExecutor()
	var wg sync.WaitGroup
	results := make([]int, 10)

	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts := 0
			v, err := Do(context.Background(), exec, "get", func(context.Context) (int, error) {
				attempts++
				if attempts < 2 {
					return 0, errors.New("once")
				}
				return i, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	for i, v := range results {
		assert.Equal(t, i, v)
	}
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
}
