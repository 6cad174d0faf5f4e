package core

import (
	"context"
	"time"

	"pkt.systems/lockgov/api"
)

// DefaultSweeperInterval is how often RunSweeper reclaims idle sessions and
// expired variables.
const DefaultSweeperInterval = 10 * time.Second

// SweepResult reports what a sweep reclaimed.
type SweepResult struct {
	Sessions  int
	Variables int
}

// SweepExpired ends sessions idle past their max age and removes variable
// instances whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) SweepResult {
	now := s.clock.Now()
	var res SweepResult
	for _, id := range s.sessions.expired(now) {
		if !s.sessions.removeIfExpired(id, now) {
			continue
		}
		res.Sessions++
		res.Variables += s.purgeSession(id)
		s.metrics.recordSessionEnded(ctx, "expired")
		s.logger.Info("lock.session.expired", "session", id.String())
	}
	nowUnix := now.Unix()
	expiredVars := 0
	for _, ns := range s.registry.all() {
		ns.exec.Lock()
		expiredVars += ns.purge(func(v api.Variable) bool { return expired(v, nowUnix) })
		ns.exec.Unlock()
	}
	s.sessions.pruneEnded(now)
	s.metrics.recordVarsExpired(ctx, expiredVars)
	res.Variables += expiredVars
	if res.Sessions > 0 || res.Variables > 0 {
		s.logger.Debug("lock.sweep.done", "sessions", res.Sessions, "variables", res.Variables)
	}
	return res
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweeperInterval
	}
	s.logger.Debug("lock.sweeper.start", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("lock.sweeper.stop")
			return
		case <-s.clock.After(interval):
			s.SweepExpired(ctx)
		}
	}
}
