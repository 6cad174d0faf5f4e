package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/lang"
	"pkt.systems/lockgov/topology"
)

var (
	// ErrNoZoneGovernors is returned when no primary governor serves a path.
	ErrNoZoneGovernors = errors.New("lockgov: no zone governors found")
	// ErrZoneGovernorSetup is returned when failover governors do not mirror
	// the primaries.
	ErrZoneGovernorSetup = errors.New("lockgov: zone governor setup mismatch")
)

// leakEndTimeout bounds the best-effort EndLockSession issued for a session
// that was collected without Close.
const leakEndTimeout = 10 * time.Second

// SessionSetupError reports why a session could not be created for Path.
type SessionSetupError struct {
	Path string
	Err  error
}

func (e *SessionSetupError) Error() string {
	return fmt.Sprintf("lockgov: session setup for %q: %v", e.Path, e.Err)
}

func (e *SessionSetupError) Unwrap() error { return e.Err }

// ShardHasher lets a sharding key supply its own hash.
type ShardHasher interface {
	ShardHash() uint32
}

// ShardHash hashes a sharding key. Integers hash to their own value (64-bit
// values fold their halves together), ShardHasher values supply their own
// and everything else is murmur3 over its string form, so hashes are stable
// across processes.
func ShardHash(key any) (uint32, error) {
	switch v := key.(type) {
	case nil:
		return 0, &lang.ArgumentError{Member: "shardingID", Reason: "is required"}
	case ShardHasher:
		return v.ShardHash(), nil
	case int8:
		return uint32(int32(v)), nil
	case int16:
		return uint32(int32(v)), nil
	case int32:
		return uint32(v), nil
	case uint8:
		return uint32(v), nil
	case uint16:
		return uint32(v), nil
	case uint32:
		return v, nil
	case int:
		return fold64(uint64(v)), nil
	case int64:
		return fold64(uint64(v)), nil
	case uint:
		return fold64(uint64(v)), nil
	case uint64:
		return fold64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return murmur3.Sum32([]byte(v)), nil
	case []byte:
		return murmur3.Sum32(v), nil
	case float64:
		return murmur3.Sum32([]byte(strconv.FormatFloat(v, 'g', -1, 64))), nil
	case fmt.Stringer:
		return murmur3.Sum32([]byte(v.String())), nil
	default:
		return murmur3.Sum32([]byte(fmt.Sprintf("%v", v))), nil
	}
}

func fold64(v uint64) uint32 {
	return uint32(v) ^ uint32(v>>32)
}

// shardIndex maps hash onto n buckets.
func shardIndex(hash uint32, n int) int {
	return int(hash&math.MaxInt32) % n
}

type sessionConfig struct {
	description     string
	maxAge          time.Duration
	transcendNOC    bool
	iAmZoneGovernor bool
}

// SessionOption customises NewSession.
type SessionOption func(*sessionConfig)

// WithDescription labels the session on the server.
func WithDescription(description string) SessionOption {
	return func(c *sessionConfig) { c.description = description }
}

// WithMaxAge bounds how long the session may stay idle on the server.
func WithMaxAge(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.maxAge = d }
}

// WithTranscendNOC lets governor resolution cross NOC boundaries.
func WithTranscendNOC() SessionOption {
	return func(c *sessionConfig) { c.transcendNOC = true }
}

// AsZoneGovernor resolves governors for a caller that is itself a zone
// governor, starting at the parent zone.
func AsZoneGovernor() SessionOption {
	return func(c *sessionConfig) { c.iAmZoneGovernor = true }
}

// Session binds a client to the governor pair that serves one shard of a
// region path. Build it once and reuse it for every transaction sharing the
// shard key; release it with Close exactly once.
type Session struct {
	mgr        *Manager
	path       string
	shardingID any
	hash       uint32
	primary    topology.Host
	secondary  *topology.Host
	data       api.LockSessionData

	closed  *atomic.Bool
	cleanup runtime.Cleanup
}

// NewSession resolves the governors for path and picks the pair serving
// shardingID. Construction is deterministic for a fixed topology.
func NewSession(ctx context.Context, mgr *Manager, resolver topology.Resolver, path string, shardingID any, opts ...SessionOption) (*Session, error) {
	if mgr == nil {
		return nil, &lang.ArgumentError{Member: "manager", Reason: "is required"}
	}
	if resolver == nil {
		return nil, &lang.ArgumentError{Member: "resolver", Reason: "is required"}
	}
	if strings.TrimSpace(path) == "" {
		return nil, &lang.ArgumentError{Member: "path", Reason: "is required"}
	}
	var cfg sessionConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	hash, err := ShardHash(shardingID)
	if err != nil {
		return nil, err
	}
	setupErr := func(err error) error { return &SessionSetupError{Path: path, Err: err} }

	query := topology.Query{Path: path, IAmZoneGovernor: cfg.iAmZoneGovernor, TranscendNOC: cfg.transcendNOC}
	query.Filter = topology.Primary
	primaries, err := resolver.NearestParentZoneGovernors(ctx, query)
	if err != nil {
		return nil, setupErr(err)
	}
	if len(primaries) == 0 {
		return nil, setupErr(ErrNoZoneGovernors)
	}
	query.Filter = topology.Failover
	failovers, err := resolver.NearestParentZoneGovernors(ctx, query)
	if err != nil {
		return nil, setupErr(err)
	}
	if len(failovers) > 0 {
		if len(failovers) != len(primaries) {
			return nil, setupErr(fmt.Errorf("%w: %d primary and %d failover governors", ErrZoneGovernorSetup, len(primaries), len(failovers)))
		}
		if !resolver.IsLogicallyTheSame(primaries[0].RegionPath, failovers[0].RegionPath) {
			return nil, setupErr(fmt.Errorf("%w: primaries in %q, failovers in %q", ErrZoneGovernorSetup, primaries[0].RegionPath, failovers[0].RegionPath))
		}
	}

	id, err := api.NewLockSessionID(mgr.ClientHost())
	if err != nil {
		return nil, err
	}
	idx := shardIndex(hash, len(primaries))
	s := &Session{
		mgr:        mgr,
		path:       path,
		shardingID: shardingID,
		hash:       hash,
		primary:    primaries[idx],
		data: api.LockSessionData{
			ID:          id,
			Description: cfg.description,
			MaxAgeSec:   int64(cfg.maxAge / time.Second),
		},
		closed: new(atomic.Bool),
	}
	if len(failovers) > 0 {
		secondary := failovers[idx]
		s.secondary = &secondary
	}
	mgr.logger.Debug("client.session.created", "session", id.String(), "path", path, "primary", s.primary.Name, "failover", s.secondary != nil)
	s.cleanup = runtime.AddCleanup(s, endLeakedSession, leakedSession{
		mgr:    mgr,
		hosts:  s.ServerHosts(),
		id:     id,
		closed: s.closed,
	})
	return s, nil
}

type leakedSession struct {
	mgr    *Manager
	hosts  []topology.Host
	id     api.LockSessionID
	closed *atomic.Bool
}

func endLeakedSession(l leakedSession) {
	if l.closed.Load() {
		return
	}
	l.mgr.logger.Error("client.session.leaked", "session", l.id.String())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), leakEndTimeout)
		defer cancel()
		_, _ = l.mgr.endLockSession(ctx, l.hosts, l.id)
	}()
}

// ID returns the session identity.
func (s *Session) ID() api.LockSessionID { return s.data.ID }

// Data returns the session descriptor sent with every call.
func (s *Session) Data() api.LockSessionData { return s.data }

// Path returns the region path the session was resolved for.
func (s *Session) Path() string { return s.path }

// ShardingID returns the caller-supplied shard key.
func (s *Session) ShardingID() any { return s.shardingID }

// ShardingHash returns the hash of the shard key.
func (s *Session) ShardingHash() uint32 { return s.hash }

// Primary returns the primary governor.
func (s *Session) Primary() topology.Host { return s.primary }

// Secondary returns the failover governor, if one was assigned.
func (s *Session) Secondary() (topology.Host, bool) {
	if s.secondary == nil {
		return topology.Host{}, false
	}
	return *s.secondary, true
}

// ServerHosts lists the primary, then the secondary if one was assigned.
func (s *Session) ServerHosts() []topology.Host {
	hosts := []topology.Host{s.primary}
	if s.secondary != nil {
		hosts = append(hosts, *s.secondary)
	}
	return hosts
}

// Closed reports whether the session was released, through Close or
// Manager.EndLockSession.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close ends the session on the server. It must be called exactly once;
// subsequent calls return ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	_, err := s.release(ctx, s.mgr)
	return err
}

// release is the single teardown path: only the first caller ends the
// session on the server.
func (s *Session) release(ctx context.Context, mgr *Manager) (bool, error) {
	if !s.closed.CompareAndSwap(false, true) {
		return false, ErrSessionClosed
	}
	s.cleanup.Stop()
	return mgr.endLockSession(ctx, s.ServerHosts(), s.data.ID)
}
