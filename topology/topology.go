// Package topology models the zone-governor layout of a lockgov cluster and
// resolves which governors are authoritative for a region path.
//
// A topology is a set of zones addressed by slash-separated region paths
// ("/world/us/east"). Each zone may host zero or more governors, some of
// which are designated failover. Resolution walks from a region path towards
// the root and returns the governors of the nearest zone that has any.
package topology

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// ErrUnknownZone is returned when a zone reference cannot be resolved.
var ErrUnknownZone = errors.New("topology: unknown zone")

// Host is a zone governor.
type Host struct {
	// Name identifies the governor. Names are unique within a topology.
	Name string `yaml:"name" json:"name"`
	// Endpoint is the base URL of the governor's lockgov server.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// RegionPath is the zone the governor is authoritative for.
	RegionPath string `yaml:"-" json:"region_path"`
	// Failover marks the governor as a secondary for its zone.
	Failover bool `yaml:"failover" json:"failover"`
}

// Zone is one node of the region tree.
type Zone struct {
	Path string `yaml:"path"`
	// NOC marks a network operations centre boundary. Resolution does not
	// walk above a NOC zone unless asked to.
	NOC bool `yaml:"noc"`
	// Aliases are additional paths that refer to the same logical zone.
	Aliases   []string `yaml:"aliases"`
	Governors []Host   `yaml:"governors"`
}

// Query selects governors for a region path.
type Query struct {
	Path string
	// IAmZoneGovernor starts the search at the parent of Path, as a governor
	// is never its own authority.
	IAmZoneGovernor bool
	// Filter restricts candidate hosts. Nil accepts every host.
	Filter func(Host) bool
	// TranscendNOC continues the search above NOC boundaries.
	TranscendNOC bool
}

// Resolver resolves zone governors. Implementations must be safe for
// concurrent use.
type Resolver interface {
	// NearestParentZoneGovernors returns the governors of the nearest zone at
	// or above q.Path holding at least one host accepted by q.Filter. The
	// result is sorted by name. An empty result is not an error.
	NearestParentZoneGovernors(ctx context.Context, q Query) ([]Host, error)
	// IsLogicallyTheSame reports whether two region paths name the same zone.
	IsLogicallyTheSame(zoneA, zoneB string) bool
}

// Primary accepts non-failover governors.
func Primary(h Host) bool { return !h.Failover }

// Failover accepts failover governors.
func Failover(h Host) bool { return h.Failover }

// NormalizePath cleans a region path: lowercased, a single leading slash, no
// trailing or repeated slashes. The root is "/".
func NormalizePath(p string) string {
	parts := lo.Filter(strings.Split(strings.ToLower(strings.TrimSpace(p)), "/"), func(s string, _ int) bool {
		return strings.TrimSpace(s) != ""
	})
	return "/" + strings.Join(parts, "/")
}

func parentPath(p string) (string, bool) {
	if p == "/" {
		return "", false
	}
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/", true
	}
	return p[:idx], true
}

// Topology is an immutable, indexed set of zones.
type Topology struct {
	zones     map[string]*Zone
	canonical map[string]string
}

// New indexes zones. Paths and aliases must be unique, and governor names
// must be unique across the topology.
func New(zones []Zone) (*Topology, error) {
	t := &Topology{
		zones:     make(map[string]*Zone, len(zones)),
		canonical: make(map[string]string),
	}
	names := make(map[string]string)
	for i := range zones {
		z := zones[i]
		z.Path = NormalizePath(z.Path)
		if _, dup := t.canonical[z.Path]; dup {
			return nil, fmt.Errorf("topology: duplicate zone %q", z.Path)
		}
		z.Aliases = lo.Map(z.Aliases, func(a string, _ int) string { return NormalizePath(a) })
		z.Governors = slices.Clone(z.Governors)
		for j := range z.Governors {
			g := &z.Governors[j]
			g.Name = strings.TrimSpace(g.Name)
			if g.Name == "" {
				return nil, fmt.Errorf("topology: zone %q has a governor without a name", z.Path)
			}
			if g.Endpoint == "" {
				return nil, fmt.Errorf("topology: governor %q has no endpoint", g.Name)
			}
			if prev, dup := names[g.Name]; dup {
				return nil, fmt.Errorf("topology: governor %q listed in %q and %q", g.Name, prev, z.Path)
			}
			names[g.Name] = z.Path
			g.RegionPath = z.Path
		}
		t.zones[z.Path] = &z
		t.canonical[z.Path] = z.Path
		for _, alias := range z.Aliases {
			if _, dup := t.canonical[alias]; dup {
				return nil, fmt.Errorf("topology: alias %q of %q already in use", alias, z.Path)
			}
			t.canonical[alias] = z.Path
		}
	}
	return t, nil
}

// Zones returns the number of zones.
func (t *Topology) Zones() int { return len(t.zones) }

// Canonical maps a path or alias to the zone path. Paths that name no zone
// are returned normalized.
func (t *Topology) Canonical(p string) string {
	p = NormalizePath(p)
	if c, ok := t.canonical[p]; ok {
		return c
	}
	return p
}

// NearestParentZoneGovernors implements Resolver.
func (t *Topology) NearestParentZoneGovernors(ctx context.Context, q Query) ([]Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := q.Filter
	if filter == nil {
		filter = func(Host) bool { return true }
	}
	current := t.Canonical(q.Path)
	if q.IAmZoneGovernor {
		parent, ok := parentPath(current)
		if !ok {
			return nil, nil
		}
		current = t.Canonical(parent)
	}
	for {
		zone, ok := t.zones[current]
		if ok {
			hosts := lo.Filter(zone.Governors, func(h Host, _ int) bool { return filter(h) })
			if len(hosts) > 0 {
				slices.SortFunc(hosts, func(a, b Host) int { return strings.Compare(a.Name, b.Name) })
				return hosts, nil
			}
			if zone.NOC && !q.TranscendNOC {
				return nil, nil
			}
		}
		parent, more := parentPath(current)
		if !more {
			return nil, nil
		}
		current = t.Canonical(parent)
	}
}

// IsLogicallyTheSame implements Resolver.
func (t *Topology) IsLogicallyTheSame(zoneA, zoneB string) bool {
	return t.Canonical(zoneA) == t.Canonical(zoneB)
}

// Hosts returns every governor in the topology sorted by name.
func (t *Topology) Hosts() []Host {
	var out []Host
	for _, z := range t.zones {
		out = append(out, z.Governors...)
	}
	slices.SortFunc(out, func(a, b Host) int { return strings.Compare(a.Name, b.Name) })
	return out
}
