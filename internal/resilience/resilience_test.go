package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/linkresolver/internal/config"
	"github.com/sells-group/linkresolver/internal/model"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	retried := 0
	cfg := fastRetry(3)
	cfg.OnRetry = func(int, error) { retried++ }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retried)
}

func TestDo_PermanentNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}, func(_ context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("x"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastRetry(2), func(_ context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(errors.New("x"), 429)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBackoff_Capped(t *testing.T) {
	cfg := withDefaults(RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 2})
	assert.Equal(t, time.Second, backoff(0, cfg))
	assert.Equal(t, 2*time.Second, backoff(1, cfg))
	assert.Equal(t, 3*time.Second, backoff(5, cfg))
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Now()
	cb.now = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("down") }
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("call made while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ShouldTripFilters(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ShouldTrip: IsTransient})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("not found") })
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestServiceBreakers(t *testing.T) {
	var seen []string
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1})
	sb.OnStateChange = func(id string, _, to CircuitState) { seen = append(seen, id+":"+to.String()) }

	a := sb.Get("internet_archive")
	assert.Same(t, a, sb.Get("internet_archive"))
	assert.NotSame(t, a, sb.Get("ask_librarian"))

	_ = a.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []string{"internet_archive:open"}, seen)

	states := sb.States()
	assert.Equal(t, CircuitOpen, states["internet_archive"])
	assert.Equal(t, CircuitClosed, states["ask_librarian"])
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("x"), 503), true},
		{"wrapped explicit", eris.Wrap(NewTransientError(errors.New("x"), 429), "archive"), true},
		{"circuit open", eris.Wrap(ErrCircuitOpen, "svc"), true},
		{"deadline", fmt.Errorf("search: %w", context.DeadlineExceeded), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"pattern", errors.New("dial tcp: i/o timeout"), true},
		{"plain", errors.New("no title"), false},
		{"permanent overrides", Permanent(NewTransientError(errors.New("x"), 503)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 501} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestClassify(t *testing.T) {
	status, detail := Classify(nil)
	assert.Equal(t, model.DispatchSuccessful, status)
	assert.Empty(t, detail)

	status, detail = Classify(NewTransientError(errors.New("upstream 503"), 503))
	assert.Equal(t, model.DispatchFailedTemporary, status)
	assert.Equal(t, "upstream 503", detail)

	status, _ = Classify(errors.New("malformed response"))
	assert.Equal(t, model.DispatchFailedFatal, status)

	_, detail = Classify(errors.New(strings.Repeat("x", 2000)))
	assert.Len(t, detail, maxDetailLen)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestFromDispatchConfig(t *testing.T) {
	retry, circuit := FromDispatchConfig(config.DispatchConfig{
		RetryAttempts:           4,
		RetryInitialBackoffMs:   100,
		CircuitFailureThreshold: 7,
		CircuitResetSecs:        10,
	})
	assert.Equal(t, 4, retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, 7, circuit.FailureThreshold)
	assert.Equal(t, 10*time.Second, circuit.ResetTimeout)
	assert.NotNil(t, circuit.ShouldTrip)

	retry, circuit = FromDispatchConfig(config.DispatchConfig{})
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, retry.MaxAttempts)
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, circuit.FailureThreshold)
}
