package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/pslog"
)

// Document is the YAML layout of a topology file:
//
//	zones:
//	  - path: /world
//	    noc: true
//	    governors:
//	      - name: gov-world-1
//	        endpoint: http://10.0.0.1:9441
//	  - path: /world/us
//	    aliases: [/world/usa]
//	    governors:
//	      - name: gov-us-1
//	        endpoint: http://10.0.1.1:9441
//	      - name: gov-us-1b
//	        endpoint: http://10.0.1.2:9441
//	        failover: true
type Document struct {
	Zones []Zone `yaml:"zones"`
}

// Parse decodes a topology document.
func Parse(data []byte) (*Topology, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("topology: decode: %w", err)
	}
	if len(doc.Zones) == 0 {
		return nil, errors.New("topology: no zones defined")
	}
	return New(doc.Zones)
}

// FileOption customises a FileResolver.
type FileOption func(*FileResolver)

// WithLogger sets the resolver logger.
func WithLogger(logger pslog.Logger) FileOption {
	return func(r *FileResolver) { r.logger = logger }
}

// WithoutWatch disables reloading on file change.
func WithoutWatch() FileOption {
	return func(r *FileResolver) { r.watch = false }
}

// FileResolver serves a topology loaded from a YAML file and reloads it when
// the file changes. A reload that fails to parse keeps the previous
// topology.
type FileResolver struct {
	path   string
	logger pslog.Logger
	watch  bool

	current atomic.Pointer[Topology]
	loads   singleflight.Group

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

var _ Resolver = (*FileResolver)(nil)

// NewFileResolver loads path and, unless disabled, watches it for changes
// until Close.
func NewFileResolver(path string, opts ...FileOption) (*FileResolver, error) {
	r := &FileResolver{
		path:  filepath.Clean(path),
		watch: true,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = loggingutil.WithSubsystem(r.logger, "topology.file")
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	if !r.watch {
		close(r.done)
		return r, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("topology: create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("topology: watch %q: %w", filepath.Dir(r.path), err)
	}
	r.watcher = watcher
	go r.run()
	return r, nil
}

// Reload re-reads the file. Concurrent callers share one read.
func (r *FileResolver) Reload() (*Topology, error) {
	v, err, _ := r.loads.Do("load", func() (any, error) {
		return r.load()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Topology), nil
}

func (r *FileResolver) load() (*Topology, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %q: %w", r.path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, err
	}
	r.current.Store(t)
	r.logger.Info("topology.loaded", "path", r.path, "zones", t.Zones())
	return t, nil
}

// Current returns the active topology.
func (r *FileResolver) Current() *Topology {
	return r.current.Load()
}

// NearestParentZoneGovernors implements Resolver.
func (r *FileResolver) NearestParentZoneGovernors(ctx context.Context, q Query) ([]Host, error) {
	return r.Current().NearestParentZoneGovernors(ctx, q)
}

// IsLogicallyTheSame implements Resolver.
func (r *FileResolver) IsLogicallyTheSame(zoneA, zoneB string) bool {
	return r.Current().IsLogicallyTheSame(zoneA, zoneB)
}

// Close stops watching the file.
func (r *FileResolver) Close() error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		<-r.done
	})
	return err
}

func (r *FileResolver) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if _, err := r.load(); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					r.logger.Debug("topology.reload.pending", "path", r.path)
					continue
				}
				r.logger.Warn("topology.reload.failed", "path", r.path, "error", err)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("topology.watch.error", "error", err)
		}
	}
}
