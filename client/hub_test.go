package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"pkt.systems/lockgov/topology"
)

func fastHub(rounds int) *Hub {
	return NewHub(WithRetryPolicy(RetryPolicy{Rounds: rounds, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
}

var hubHosts = []topology.Host{{Name: "a", Endpoint: "http://a"}, {Name: "b", Endpoint: "http://b"}}

func dialErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestCallWithRetryFailsOverInOrder(t *testing.T) {
	var attempts []string
	v, err := CallWithRetry(context.Background(), fastHub(3), hubHosts, func(_ context.Context, h topology.Host) (string, error) {
		attempts = append(attempts, h.Name)
		if h.Name == "a" {
			return "", dialErr()
		}
		return "ok-" + h.Name, nil
	})
	if err != nil || v != "ok-b" {
		t.Fatalf("expected ok-b, got %q %v", v, err)
	}
	if len(attempts) != 2 || attempts[0] != "a" || attempts[1] != "b" {
		t.Fatalf("unexpected attempt order: %v", attempts)
	}
}

func TestCallWithRetryStopsOnApplicationError(t *testing.T) {
	calls := 0
	_, err := CallWithRetry(context.Background(), fastHub(3), hubHosts, func(context.Context, topology.Host) (int, error) {
		calls++
		return 0, &APIError{Status: http.StatusBadRequest}
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if errors.Is(err, ErrHostsExhausted) {
		t.Fatalf("application errors must not be reported as exhaustion")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestCallWithRetryExhaustsRounds(t *testing.T) {
	calls := 0
	_, err := CallWithRetry(context.Background(), fastHub(3), hubHosts, func(context.Context, topology.Host) (int, error) {
		calls++
		return 0, &APIError{Status: http.StatusServiceUnavailable}
	})
	if !errors.Is(err, ErrHostsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	if calls != 6 {
		t.Fatalf("expected 3 rounds over 2 hosts, got %d calls", calls)
	}
}

func TestCallWithRetryRecoversInLaterRound(t *testing.T) {
	calls := 0
	v, err := CallWithRetry(context.Background(), fastHub(3), hubHosts, func(context.Context, topology.Host) (int, error) {
		calls++
		if calls < 4 {
			return 0, dialErr()
		}
		return calls, nil
	})
	if err != nil || v != 4 {
		t.Fatalf("expected success on the fourth call, got %d %v", v, err)
	}
}

func TestCallWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(WithRetryPolicy(RetryPolicy{Rounds: 5, BaseDelay: time.Hour}))
	done := make(chan error, 1)
	go func() {
		_, err := CallWithRetry(ctx, hub, hubHosts, func(context.Context, topology.Host) (int, error) {
			return 0, dialErr()
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("call did not stop after cancel")
	}
}

func TestCallWithRetryWithoutHosts(t *testing.T) {
	_, err := CallWithRetry(context.Background(), fastHub(1), nil, func(context.Context, topology.Host) (int, error) {
		t.Fatalf("call must not run")
		return 0, nil
	})
	if !errors.Is(err, ErrNoHosts) {
		t.Fatalf("expected ErrNoHosts, got %v", err)
	}
}

func TestRetryPolicyDelayBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 160 * time.Second, Multiplier: 2, Jitter: 250 * time.Millisecond}
	normalizeRetryPolicy(&p)
	p.randInt63n = func(n int64) int64 { return n - 1 }
	if got := p.delay(time.Second); got != time.Second+250*time.Millisecond {
		t.Fatalf("expected max positive jitter, got %v", got)
	}
	p.randInt63n = func(int64) int64 { return 0 }
	if got := p.delay(time.Second); got != 750*time.Millisecond {
		t.Fatalf("expected max negative jitter, got %v", got)
	}
	cur := time.Second
	for i := 0; i < 10; i++ {
		cur = p.next(cur)
	}
	if cur != 160*time.Second {
		t.Fatalf("expected growth capped at max delay, got %v", cur)
	}
	if got := p.delay(cur); got > 160*time.Second+250*time.Millisecond {
		t.Fatalf("delay exceeds cap: %v", got)
	}
}

func TestRetryableClassification(t *testing.T) {
	ctx := context.Background()
	if !retryable(ctx, dialErr()) {
		t.Fatalf("dial errors must be retryable")
	}
	if !retryable(ctx, &APIError{Status: http.StatusServiceUnavailable}) {
		t.Fatalf("503 must be retryable")
	}
	if retryable(ctx, &APIError{Status: http.StatusConflict}) {
		t.Fatalf("409 must not be retryable")
	}
	if retryable(ctx, errors.New("decode failure")) {
		t.Fatalf("plain errors must not be retryable")
	}
}

func TestRetryPolicyPauseCapsServerHint(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 250 * time.Millisecond}
	normalizeRetryPolicy(&p)
	p.randInt63n = func(n int64) int64 { return n / 2 }
	if got := p.pause(time.Second, 3*time.Second); got != 3*time.Second {
		t.Fatalf("longer server hint must be honoured, got %v", got)
	}
	if got := p.pause(time.Second, 0); got != time.Second {
		t.Fatalf("expected policy delay without hint, got %v", got)
	}
	if got := p.pause(time.Second, time.Hour); got != 10*time.Second+250*time.Millisecond {
		t.Fatalf("server hint must be capped at max delay plus jitter, got %v", got)
	}
}

func TestCallWithRetryBoundsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	v, err := CallWithRetry(context.Background(), fastHub(2), hubHosts[:1], func(context.Context, topology.Host) (string, error) {
		calls++
		if calls == 1 {
			return "", &APIError{Status: http.StatusServiceUnavailable, RetryAfter: time.Hour}
		}
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 2 {
		t.Fatalf("expected recovery on second round, got %q calls=%d err=%v", v, calls, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("retry-after hint was not capped: waited %v", elapsed)
	}
}
