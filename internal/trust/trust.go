// Package trust computes the self-assessed trust level a server reports with
// every transaction result and checks against transaction requirements.
package trust

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"pkt.systems/lockgov/internal/clock"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/pslog"
)

// Assessor reports a trust level in the range 0..1.
type Assessor interface {
	TrustLevel(ctx context.Context) float64
}

// Fixed is an Assessor that always reports the same level.
type Fixed float64

// TrustLevel returns f clamped to 0..1.
func (f Fixed) TrustLevel(context.Context) float64 {
	return clamp(float64(f))
}

// DefaultSampleTTL is how long a host sample is reused.
const DefaultSampleTTL = 5 * time.Second

// unknownLevel is reported when the host has never been sampled successfully.
const unknownLevel = 0.5

// Sampler returns a utilisation percentage (0..100).
type Sampler func(ctx context.Context) (float64, error)

// HostPressure derives trust from host CPU and memory pressure: the busier
// the host, the lower the trust. Samples are cached for TTL.
type HostPressure struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	logger  pslog.Logger
	cpu     Sampler
	memory  Sampler
	level   float64
	sampled time.Time
	valid   bool
}

// Option customises a HostPressure assessor.
type Option func(*HostPressure)

// WithClock overrides the clock used for sample caching.
func WithClock(c clock.Clock) Option {
	return func(h *HostPressure) { h.clock = c }
}

// WithTTL overrides DefaultSampleTTL.
func WithTTL(ttl time.Duration) Option {
	return func(h *HostPressure) { h.ttl = ttl }
}

// WithLogger sets the logger used for sampling failures.
func WithLogger(l pslog.Logger) Option {
	return func(h *HostPressure) { h.logger = l }
}

// WithSamplers replaces the gopsutil samplers, mainly for tests.
func WithSamplers(cpuSampler, memSampler Sampler) Option {
	return func(h *HostPressure) {
		h.cpu = cpuSampler
		h.memory = memSampler
	}
}

// NewHostPressure builds a host-pressure assessor backed by gopsutil.
func NewHostPressure(opts ...Option) *HostPressure {
	h := &HostPressure{
		clock:  clock.Real{},
		ttl:    DefaultSampleTTL,
		cpu:    cpuPercent,
		memory: memPercent,
		level:  unknownLevel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = loggingutil.WithSubsystem(h.logger, "trust.host")
	return h
}

// TrustLevel returns 1 - max(cpu%, mem%)/100, sampled at most once per TTL.
// A failed sample keeps the previous level.
func (h *HostPressure) TrustLevel(ctx context.Context) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	if h.valid && now.Sub(h.sampled) < h.ttl {
		return h.level
	}
	cpuPct, err := h.cpu(ctx)
	if err != nil {
		h.logger.Warn("trust.sample.cpu_failed", "error", err)
		return h.level
	}
	memPct, err := h.memory(ctx)
	if err != nil {
		h.logger.Warn("trust.sample.mem_failed", "error", err)
		return h.level
	}
	h.level = clamp(1 - max(cpuPct, memPct)/100)
	h.sampled = now
	h.valid = true
	h.logger.Trace("trust.sample", "cpu_percent", cpuPct, "mem_percent", memPct, "level", h.level)
	return h.level
}

func cpuPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	return values[0], nil
}

func memPercent(ctx context.Context) (float64, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
