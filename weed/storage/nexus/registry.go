package nexus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/util/reactor"
)

// Registry maps nexus identities to live nexuses. Each nexus gets its own
// reactor from the registry.
type Registry struct {
	mu      sync.RWMutex
	nexuses map[string]*Nexus
	opts    Options
}

// NewRegistry returns an empty registry whose nexuses default to opts.
func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		nexuses: map[string]*Nexus{},
		opts:    opts,
	}
}

// Options are the defaults handed to every nexus created here.
func (r *Registry) Options() Options {
	return r.opts
}

// Create builds and registers a nexus. Creates are serialized so two calls
// cannot claim the same uuid or name.
func (r *Registry) Create(ctx context.Context, co CreateOptions) (*Nexus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nexuses {
		if (co.UUID != "" && n.uuid == co.UUID) || (co.Name != "" && n.name == co.Name) {
			return nil, fmt.Errorf("%w: nexus %s", ErrExists, n.name)
		}
	}
	label := co.Name
	if label == "" {
		label = co.UUID
	}
	rt := reactor.New("nexus-"+label, r.opts.ReactorDepth)
	n, err := Create(ctx, co, r.opts, rt)
	if err != nil {
		rt.Stop()
		return nil, err
	}
	n.registry = r
	r.nexuses[n.uuid] = n
	r.updateGaugeLocked()
	return n, nil
}

// Lookup finds a nexus by uuid or name.
func (r *Registry) Lookup(id string) (*Nexus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.nexuses[id]; ok {
		return n, nil
	}
	for _, n := range r.nexuses {
		if n.name == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: nexus %s", ErrNotFound, id)
}

// List returns every nexus ordered by name.
func (r *Registry) List() []*Nexus {
	r.mu.RLock()
	out := make([]*Nexus, 0, len(r.nexuses))
	for _, n := range r.nexuses {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].name < out[j].name
	})
	return out
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nexuses, id)
	r.updateGaugeLocked()
}

func (r *Registry) updateGaugeLocked() {
	counts := map[State]int{}
	for _, n := range r.nexuses {
		counts[n.State()]++
	}
	for s := NexusOpen; s <= NexusShutdown; s++ {
		stats.NexusGauge.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Shutdown stops all rebuilds and destroys every nexus.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, n := range r.List() {
		if err := n.stopRebuilds(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.Destroy(ctx); err != nil && !errors.Is(err, ErrShutdown) {
			errs = append(errs, fmt.Errorf("destroy %s: %w", n.name, err))
		}
	}
	if len(errs) > 0 {
		glog.Errorf("registry shutdown: %v", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (n *Nexus) stopRebuilds(ctx context.Context) error {
	var ids []string
	if err := n.exec(func() {
		for _, c := range n.children {
			if c.job != nil {
				ids = append(ids, c.id)
			}
		}
	}); err != nil {
		return nil
	}
	for _, id := range ids {
		if err := n.StopRebuild(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}
