package core

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/lockgov/api"
)

type sessionState struct {
	data     api.LockSessionData
	maxAge   time.Duration
	created  time.Time
	lastSeen time.Time
}

// minEndedRetention bounds how long an ended session ID stays refused.
const minEndedRetention = 10 * time.Minute

var errSessionEnded = errors.New("session has ended")

// sessions is the registry of live lock sessions keyed by LockSessionID.String.
// Ended sessions leave a tombstone so a late request cannot bring them back
// while their variables are being purged.
type sessions struct {
	defaultMaxAge time.Duration
	maxMaxAge     time.Duration

	mu    sync.Mutex
	byKey map[string]*sessionState
	ended map[string]time.Time
}

func newSessions(defaultMaxAge, maxMaxAge time.Duration) *sessions {
	return &sessions{
		defaultMaxAge: defaultMaxAge,
		maxMaxAge:     maxMaxAge,
		byKey:         make(map[string]*sessionState),
		ended:         make(map[string]time.Time),
	}
}

// touch registers data (if new) and records activity at now. It reports
// whether the session was newly registered, and fails with errSessionEnded
// for sessions that were ended or expired.
func (s *sessions) touch(data api.LockSessionData, now time.Time) (bool, error) {
	key := data.ID.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.ended[key]; gone {
		return false, errSessionEnded
	}
	st, ok := s.byKey[key]
	if !ok {
		st = &sessionState{created: now}
		s.byKey[key] = st
	}
	st.data = data
	st.maxAge = s.effectiveMaxAge(data.MaxAgeSec)
	st.lastSeen = now
	return !ok, nil
}

func (s *sessions) effectiveMaxAge(sec int64) time.Duration {
	age := s.defaultMaxAge
	if sec > 0 {
		age = time.Duration(sec) * time.Second
	}
	if s.maxMaxAge > 0 && age > s.maxMaxAge {
		age = s.maxMaxAge
	}
	return age
}

// remove ends the session at now and reports whether it was registered.
func (s *sessions) remove(id api.LockSessionID, now time.Time) bool {
	key := id.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	delete(s.byKey, key)
	s.ended[key] = now
	return ok
}

// removeIfExpired ends the session only if it is still idle past its max age
// at now. Activity recorded after the caller listed it keeps it alive.
func (s *sessions) removeIfExpired(id api.LockSessionID, now time.Time) bool {
	key := id.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byKey[key]
	if !ok || !st.expiredAt(now) {
		return false
	}
	delete(s.byKey, key)
	s.ended[key] = now
	return true
}

func (st *sessionState) expiredAt(now time.Time) bool {
	return st.maxAge > 0 && now.Sub(st.lastSeen) > st.maxAge
}

// expired returns the sessions idle for longer than their max age.
func (s *sessions) expired(now time.Time) []api.LockSessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.LockSessionID
	for _, st := range s.byKey {
		if st.expiredAt(now) {
			out = append(out, st.data.ID)
		}
	}
	return out
}

// pruneEnded forgets tombstones older than the retention window and returns
// how many remain.
func (s *sessions) pruneEnded(now time.Time) int {
	retention := max(s.defaultMaxAge, s.maxMaxAge, minEndedRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.ended {
		if now.Sub(at) > retention {
			delete(s.ended, key)
		}
	}
	return len(s.ended)
}

func (s *sessions) known(id api.LockSessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[id.String()]
	return ok
}

func (s *sessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}
