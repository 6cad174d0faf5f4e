package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/lockgov/internal/clock"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/lockgov/topology"
	"pkt.systems/pslog"
)

// Retry defaults. Early rounds back off for about a second and later rounds
// grow towards MaxDelay.
const (
	DefaultRetryRounds     = 5
	DefaultRetryBaseDelay  = time.Second
	DefaultRetryMaxDelay   = 160 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultRetryJitter     = 250 * time.Millisecond
)

// ErrHostsExhausted is returned when every host failed in every round.
var ErrHostsExhausted = errors.New("lockgov: all hosts exhausted")

// ErrNoHosts is returned when a call is attempted without candidate hosts.
var ErrNoHosts = errors.New("lockgov: no hosts")

// RetryPolicy controls how the Hub walks hosts and backs off between rounds.
type RetryPolicy struct {
	// Rounds is how many passes over the host list are made. Values <1 mean
	// one round.
	Rounds int
	// BaseDelay is the pause after the first failed round.
	BaseDelay time.Duration
	// MaxDelay caps exponential growth.
	MaxDelay time.Duration
	// Multiplier grows the delay after every round.
	Multiplier float64
	// Jitter randomises every delay by +/- this duration.
	Jitter time.Duration

	randInt63n func(int64) int64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Rounds:     DefaultRetryRounds,
		BaseDelay:  DefaultRetryBaseDelay,
		MaxDelay:   DefaultRetryMaxDelay,
		Multiplier: DefaultRetryMultiplier,
		Jitter:     DefaultRetryJitter,
	}
}

func normalizeRetryPolicy(p *RetryPolicy) {
	if p.Rounds < 1 {
		p.Rounds = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	if p.Multiplier <= 1.0 {
		p.Multiplier = DefaultRetryMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.randInt63n == nil {
		p.randInt63n = retryRandInt63n
	}
}

var (
	retryRandMu sync.Mutex
	retryRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func retryRandInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	retryRandMu.Lock()
	v := retryRand.Int63n(n)
	retryRandMu.Unlock()
	return v
}

// delay returns the jittered pause for cur, bounded by MaxDelay (+Jitter).
func (p RetryPolicy) delay(cur time.Duration) time.Duration {
	sleep := min(max(cur, p.BaseDelay), p.MaxDelay)
	base := sleep
	if p.Jitter > 0 && p.randInt63n != nil {
		j := p.Jitter
		if sleep < j {
			j = sleep / 2
		}
		if j > 0 {
			offset := time.Duration(p.randInt63n(int64(j)*2+1)) - j
			sleep = base + offset
		}
	}
	limit := p.MaxDelay
	if p.Jitter > 0 && base >= p.MaxDelay {
		limit = p.MaxDelay + p.Jitter
	}
	return min(max(sleep, 0), limit)
}

// pause is the wait before the next round: the jittered delay for cur, or
// the server's Retry-After hint when longer, never beyond MaxDelay+Jitter.
func (p RetryPolicy) pause(cur, hint time.Duration) time.Duration {
	return min(max(p.delay(cur), hint), p.MaxDelay+p.Jitter)
}

func (p RetryPolicy) next(cur time.Duration) time.Duration {
	return min(time.Duration(float64(max(cur, p.BaseDelay))*p.Multiplier), p.MaxDelay)
}

// Hub calls an operation against an ordered list of hosts, failing over to
// the next host on transport errors and backing off between rounds.
type Hub struct {
	policy RetryPolicy
	clock  clock.Clock
	logger pslog.Logger
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) HubOption {
	return func(h *Hub) { h.policy = p }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(logger pslog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithHubClock sets the clock used for backoff sleeps.
func WithHubClock(c clock.Clock) HubOption {
	return func(h *Hub) {
		if c != nil {
			h.clock = c
		}
	}
}

// NewHub builds a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{policy: DefaultRetryPolicy(), clock: clock.Real{}}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	normalizeRetryPolicy(&h.policy)
	h.logger = loggingutil.WithSubsystem(h.logger, "client.hub")
	return h
}

// Policy returns the effective retry policy.
func (h *Hub) Policy() RetryPolicy { return h.policy }

// CallWithRetry invokes call against hosts in order until one succeeds.
// Only transport failures and 503 responses move on to the next host; any
// other error is returned immediately. When every host failed in every
// round the error wraps ErrHostsExhausted and the last failure.
func CallWithRetry[T any](ctx context.Context, h *Hub, hosts []topology.Host, call func(context.Context, topology.Host) (T, error)) (T, error) {
	var zero T
	if len(hosts) == 0 {
		return zero, ErrNoHosts
	}
	if h == nil {
		h = NewHub()
	}
	var lastErr error
	delay := h.policy.BaseDelay
	for round := 1; round <= h.policy.Rounds; round++ {
		for i, host := range hosts {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			h.logger.Trace("client.hub.attempt", "host", host.Name, "endpoint", host.Endpoint, "round", round, "index", i)
			v, err := call(ctx, host)
			if err == nil {
				if round > 1 || i > 0 {
					h.logger.Debug("client.hub.recovered", "host", host.Name, "round", round, "index", i)
				}
				return v, nil
			}
			if !retryable(ctx, err) {
				return zero, err
			}
			h.logger.Debug("client.hub.failover", "host", host.Name, "round", round, "error", err)
			lastErr = err
		}
		if round == h.policy.Rounds {
			break
		}
		pause := h.policy.pause(delay, retryAfterFromError(lastErr))
		h.logger.Debug("client.hub.backoff", "round", round, "delay", pause, "error", lastErr)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-h.clock.After(pause):
		}
		delay = h.policy.next(delay)
	}
	names := make([]string, len(hosts))
	for i, host := range hosts {
		names[i] = host.Name
	}
	err := fmt.Errorf("%w (attempted %s over %d rounds): %w", ErrHostsExhausted, strings.Join(names, ","), h.policy.Rounds, lastErr)
	h.logger.Warn("client.hub.exhausted", "hosts", names, "error", lastErr)
	return zero, err
}

func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
