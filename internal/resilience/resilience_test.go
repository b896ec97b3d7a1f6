package resilience

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fail(context.Context) (int, error) { return 0, errors.New("boom") }
func ok(context.Context) (int, error)   { return 1, nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	var transitions []string
	b := NewBreaker("census", BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}, clock)

	for range 3 {
		_, err := Call(context.Background(), b, fail)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrOpen)
	}
	assert.Equal(t, Open, b.State())

	calls := 0
	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls)
	assert.Equal(t, []string{"census:closed->open"}, transitions)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	b := NewBreaker("remote", BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, clock)

	_, err := Call(context.Background(), b, fail)
	require.Error(t, err)
	assert.Equal(t, Open, b.State())

	clock.Advance(time.Minute)
	assert.Equal(t, HalfOpen, b.State())

	// A failed probe reopens for a full cooldown.
	_, err = Call(context.Background(), b, fail)
	require.Error(t, err)
	assert.Equal(t, Open, b.State())
	_, err = Call(context.Background(), b, ok)
	assert.ErrorIs(t, err, ErrOpen)

	clock.Advance(time.Minute)
	v, err := Call(context.Background(), b, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_SingleProbe(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	b := NewBreaker("remote", BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, clock)
	_, _ = Call(context.Background(), b, fail)
	clock.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), b, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- err
	}()
	<-started

	_, err := Call(context.Background(), b, ok)
	assert.ErrorIs(t, err, ErrOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	t.Parallel()

	b := NewBreaker("slow", BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, clockwork.NewFakeClockAt(epoch))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, b, func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker("x", BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, clockwork.NewFakeClockAt(epoch))
	_, _ = Call(context.Background(), b, fail)
	_, _ = Call(context.Background(), b, ok)
	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreakers_Registry(t *testing.T) {
	t.Parallel()

	r := NewBreakers(BreakerConfig{FailureThreshold: 1}, clockwork.NewFakeClockAt(epoch))
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	assert.Equal(t, "a", a.Name())

	_, _ = Call(context.Background(), r.Get("b"), fail)
	assert.Equal(t, map[string]State{"a": Closed, "b": Open}, r.States())
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	var attempts atomic.Int32
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}

	type result struct {
		v   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := Retry(context.Background(), clock, cfg, func(context.Context) (string, error) {
			if attempts.Add(1) < 3 {
				return "", Transient(errors.New("503"), 503)
			}
			return "ok", nil
		})
		done <- result{v, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "ok", res.v)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	var attempts int
	_, err := Retry(context.Background(), clockwork.NewFakeClockAt(epoch), RetryConfig{MaxAttempts: 5},
		func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("bad request")
		})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var attempts int
	_, err := Retry(context.Background(), clockwork.NewRealClock(),
		RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		func(context.Context) (int, error) {
			attempts++
			return 0, Transient(errors.New("reset"), 0)
		})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, attempts)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, clock, RetryConfig{MaxAttempts: 3, InitialBackoff: time.Hour},
			func(context.Context) (int, error) {
				return 0, Transient(errors.New("busy"), 429)
			})
		done <- err
	}()

	wait, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(wait, 1))
	cancel()

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, Backoff(0, cfg))
	assert.Equal(t, 400*time.Millisecond, Backoff(2, cfg))
	assert.Equal(t, time.Second, Backoff(10, cfg))

	cfg.Jitter = 0.5
	for range 20 {
		d := Backoff(1, cfg)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	var _ net.Error = timeoutErr{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("nope"), false},
		{"marked", Transient(errors.New("x"), 502), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"marked deadline", Transient(context.DeadlineExceeded, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientStatus(code), code)
	}
	assert.Nil(t, Transient(nil, 500))
	assert.Equal(t, "transient (status 503): down", Transient(errors.New("down"), 503).Error())
}
