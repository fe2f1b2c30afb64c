package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

// statusError carries an HTTP status like the provider clients' APIError.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) HTTPStatus() int { return e.status }

// immediateAfter returns an After stub that records requested delays and
// fires instantly, so tests never sleep.
func immediateAfter(delays *[]time.Duration) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		*delays = append(*delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", p.MaxRetries)
	}
	if p.BaseDelay != 1*time.Second {
		t.Errorf("expected BaseDelay=1s, got %v", p.BaseDelay)
	}
	if p.MaxDelay != 30*time.Second {
		t.Errorf("expected MaxDelay=30s, got %v", p.MaxDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", p.Multiplier)
	}
	if !p.Jitter {
		t.Error("expected Jitter=true")
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"negative max retries", Policy{MaxRetries: -1, BaseDelay: time.Second}},
		{"zero base delay", Policy{MaxRetries: 1}},
		{"max below base", Policy{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 100 * time.Millisecond}},
		{"multiplier one", Policy{MaxRetries: 1, BaseDelay: time.Second, Multiplier: 1.0}},
		{"multiplier below one", Policy{MaxRetries: 1, BaseDelay: time.Second, Multiplier: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.policy
			if err := p.Normalize(); err == nil {
				t.Errorf("expected error for %+v", tt.policy)
			}
		})
	}
}

func TestDelayNoJitter(t *testing.T) {
	p := Policy{
		BaseDelay:  1000 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}
	if err := p.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},  // 1000 * 2^0
		{2, 2 * time.Second},  // 1000 * 2^1
		{3, 4 * time.Second},  // 1000 * 2^2
		{4, 8 * time.Second},  // 1000 * 2^3
		{5, 16 * time.Second}, // 1000 * 2^4
		{6, 30 * time.Second}, // 1000 * 2^5 = 32s, capped
		{7, 30 * time.Second}, // still capped
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := p.delay(tt.attempt); got != tt.expected {
				t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestDelayJitterRange(t *testing.T) {
	p := Policy{
		BaseDelay:  1000 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		Rand:       rand.New(rand.NewSource(42)),
	}
	if err := p.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	caps := map[int]time.Duration{
		1: 1 * time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 5 * time.Second, // 8s capped to 5s, jitter applied after the cap
	}
	for attempt, cap := range caps {
		for i := 0; i < 100; i++ {
			got := p.delay(attempt)
			hi := cap + cap/10
			if got < cap || got > hi {
				t.Fatalf("delay(%d) = %v, want within [%v, %v]", attempt, got, cap, hi)
			}
		}
	}
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		After:      immediateAfter(&delays),
	}

	var attempts int32
	got, err := Do(context.Background(), p, "ok", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got != "hello" {
		t.Fatalf("got=%q", got)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Errorf("expected no sleeps, got %v", delays)
	}
}

func TestDoRecoversAfterFailures(t *testing.T) {
	// Fails with 503 on attempts 1-3, succeeds on attempt 4.
	var delays []time.Duration
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  1000 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
		After:      immediateAfter(&delays),
	}

	var attempts int32
	got, err := DoWithRetryable(context.Background(), p, "flaky",
		func(ctx context.Context) (int, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 4 {
				return 0, &statusError{status: 503, msg: "service unavailable"}
			}
			return 42, nil
		}, IsRetryable)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got != 42 {
		t.Fatalf("got=%d", got)
	}
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays=%v", delays)
	}
	for i, d := range want {
		if delays[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], d)
		}
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		After:      immediateAfter(&delays),
	}

	boom := errors.New("boom")
	var attempts int32
	_, err := Do(context.Background(), p, "always-fails", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", boom
	})
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}
	// The last attempt's error must come back unchanged, not wrapped.
	if err != boom {
		t.Fatalf("expected the original error instance, got %v", err)
	}
}

func TestPredicateShortCircuits(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		After:      immediateAfter(&delays),
	}

	authErr := &statusError{status: 401, msg: "unauthorized"}
	var attempts int32
	_, err := DoWithRetryable(context.Background(), p, "denied",
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "", authErr
		}, IsRetryable)
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts)
	}
	if err != authErr {
		t.Fatalf("expected the 401 error instance, got %v", err)
	}
	if len(delays) != 0 {
		t.Errorf("expected no sleeps, got %v", delays)
	}
}

func TestDoNilPredicateRetriesEverything(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		After:      immediateAfter(&delays),
	}

	var attempts int32
	_, err := Do(context.Background(), p, "no-predicate", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", &statusError{status: 400, msg: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// Without a predicate even a 400 is retried until the budget runs out.
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var attempts int32
	_, err := Do(ctx, DefaultPolicy(), "canceled", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errors.New("should not run")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", attempts)
	}
}

func TestDoAll(t *testing.T) {
	fast := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		After: func(d time.Duration) <-chan time.Time {
			ch := make(chan time.Time, 1)
			ch <- time.Now()
			return ch
		},
	}

	boom := errors.New("provider down")
	var failAttempts int32
	tasks := []Task[string]{
		{
			Name:   "doomed",
			Policy: fast,
			Fn: func(ctx context.Context) (string, error) {
				atomic.AddInt32(&failAttempts, 1)
				return "", boom
			},
		},
		{
			Name:   "ok-1",
			Policy: fast,
			Fn:     func(ctx context.Context) (string, error) { return "a", nil },
		},
		{
			Name:   "ok-2",
			Policy: fast,
			Fn:     func(ctx context.Context) (string, error) { return "b", nil },
		},
	}

	results, err := DoAll(context.Background(), tasks)
	if err != boom {
		t.Fatalf("expected the exhaustion error, got %v", err)
	}
	if failAttempts != 4 {
		t.Errorf("expected failing task to run 4 times, got %d", failAttempts)
	}
	// All-settled: sibling successes are present even though one task failed.
	if results[1] != "a" || results[2] != "b" {
		t.Errorf("results=%v", results)
	}
}

func TestDoAllAllSucceed(t *testing.T) {
	p := Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	tasks := []Task[int]{
		{Name: "one", Policy: p, Fn: func(ctx context.Context) (int, error) { return 1, nil }},
		{Name: "two", Policy: p, Fn: func(ctx context.Context) (int, error) { return 2, nil }},
	}
	results, err := DoAll(context.Background(), tasks)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if results[0] != 1 || results[1] != 2 {
		t.Errorf("results=%v", results)
	}
}

func TestDoAllSettledPerTaskErrors(t *testing.T) {
	p := Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	errA := errors.New("a down")
	errB := errors.New("b down")
	tasks := []Task[string]{
		{Name: "a", Policy: p, Fn: func(ctx context.Context) (string, error) { return "", errA }},
		{Name: "ok", Policy: p, Fn: func(ctx context.Context) (string, error) { return "fine", nil }},
		{Name: "b", Policy: p, Fn: func(ctx context.Context) (string, error) { return "", errB }},
	}
	results, errs := DoAllSettled(context.Background(), tasks)
	if errs[0] != errA || errs[1] != nil || errs[2] != errB {
		t.Fatalf("errs=%v", errs)
	}
	if results[1] != "fine" {
		t.Errorf("results=%v", results)
	}
}
