package core

import (
	"time"

	"pkt.systems/lockgov/internal/clock"
	"pkt.systems/lockgov/internal/trust"
	"pkt.systems/pslog"
)

// Config captures the dependencies and behavioural knobs of the lock engine.
// It is transport agnostic.
type Config struct {
	// Host is the name reported as ServerHost in every result.
	Host   string
	Logger pslog.Logger
	Clock  clock.Clock
	// Trust reports the server's self-assessed trust level.
	Trust trust.Assessor

	// DefaultSessionMaxAge expires idle sessions whose data carries no max age.
	DefaultSessionMaxAge time.Duration
	// MaxSessionMaxAge caps the max age a client may request. Zero disables
	// the cap.
	MaxSessionMaxAge time.Duration
}

// ShutdownState exposes the server's current shutdown posture.
type ShutdownState struct {
	Draining bool
}
