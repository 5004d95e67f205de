// Package registry tracks the live set of execution hosts: registration,
// periodic health sweeps, purging of silent nodes and drain bookkeeping.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/event"
	"github.com/openfleet/openfleet/internal/core/fleet"
	"github.com/openfleet/openfleet/internal/core/host"
)

const minSweepBatch = 10

// Options tunes the registry loops.
type Options struct {
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	PurgeInterval       time.Duration
	// SweepWorkers bounds concurrent probe batches.
	SweepWorkers int
}

// Registry is the authority on host membership. The fleet model holds the
// node snapshots; the registry holds the live host handles and keeps the two
// consistent through probes and events.
type Registry struct {
	model fleet.Model
	bus   event.Bus
	opts  Options

	mu     sync.RWMutex
	hosts  map[fleet.NodeID]host.Host
	unsubs []func()

	sweeps atomic.Int64
	probes atomic.Int64
}

func New(model fleet.Model, bus event.Bus, opts Options) *Registry {
	if opts.SweepWorkers <= 0 {
		opts.SweepWorkers = 4
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 30 * time.Second
	}

	r := &Registry{
		model: model,
		bus:   bus,
		opts:  opts,
		hosts: make(map[fleet.NodeID]host.Host),
	}
	r.listen()
	return r
}

func (r *Registry) listen() {
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(event.NodeHeartbeat, func(_ context.Context, ev event.Event) error {
			payload, ok := ev.Payload.(event.NodeEvent)
			if !ok || payload.Status == nil {
				return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Type)
			}
			// A heartbeat from a node the model never met registers it.
			if r.knows(payload.Status.NodeID) {
				r.model.Touch(*payload.Status)
			} else {
				r.model.Add(*payload.Status)
			}
			return nil
		}),
		r.bus.Subscribe(event.NodeAdded, func(_ context.Context, ev event.Event) error {
			if payload, ok := ev.Payload.(event.NodeEvent); ok && payload.Status != nil {
				r.model.Add(*payload.Status)
			}
			return nil
		}),
		r.bus.Subscribe(event.NodeRemoved, func(_ context.Context, ev event.Event) error {
			if payload, ok := ev.Payload.(event.NodeEvent); ok {
				id := fleet.NodeID(payload.NodeID)
				r.mu.Lock()
				delete(r.hosts, id)
				r.mu.Unlock()
				r.model.Remove(id)
			}
			return nil
		}),
		r.bus.Subscribe(event.NodeDrainStarted, func(_ context.Context, ev event.Event) error {
			if payload, ok := ev.Payload.(event.NodeEvent); ok {
				r.model.SetAvailability(fleet.NodeID(payload.NodeID), fleet.Draining)
			}
			return nil
		}),
		r.bus.Subscribe(event.NodeDrainComplete, func(_ context.Context, ev event.Event) error {
			if payload, ok := ev.Payload.(event.NodeEvent); ok {
				r.Remove(fleet.NodeID(payload.NodeID))
			}
			return nil
		}),
		r.bus.Subscribe(event.NodeRestarted, func(_ context.Context, ev event.Event) error {
			if payload, ok := ev.Payload.(event.NodeEvent); ok {
				r.Remove(fleet.NodeID(payload.NodeID))
			}
			return nil
		}),
		r.bus.Subscribe(event.SessionClosed, func(_ context.Context, ev event.Event) error {
			if payload, ok := ev.Payload.(event.SessionEvent); ok {
				r.model.Release(payload.SessionID)
			}
			return nil
		}),
	)
}

func (r *Registry) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// Add registers the host and makes it schedulable immediately.
func (r *Registry) Add(h host.Host) {
	r.mu.Lock()
	r.hosts[h.ID()] = h
	r.mu.Unlock()

	status := h.Status()
	r.model.Add(status)

	log.Info().
		Str("node_id", string(h.ID())).
		Str("node_uri", h.ExternalURI()).
		Int("slots", len(status.Slots)).
		Msg("node registered")

	r.bus.Publish(context.Background(), event.Event{
		Type:    event.NodeAdded,
		Payload: event.NodeEvent{NodeID: string(h.ID()), ExternalURI: h.ExternalURI(), Status: &status},
	})
}

func (r *Registry) Remove(id fleet.NodeID) {
	r.mu.Lock()
	h, ok := r.hosts[id]
	delete(r.hosts, id)
	r.mu.Unlock()

	r.model.Remove(id)
	if ok {
		log.Info().Str("node_id", string(id)).Msg("node removed")
		r.bus.Publish(context.Background(), event.Event{
			Type:    event.NodeRemoved,
			Payload: event.NodeEvent{NodeID: string(id), ExternalURI: h.ExternalURI()},
		})
	}
}

// Drain asks the host to stop admitting sessions. The node is removed later,
// when its drain-complete event arrives; Drain does not wait for it.
func (r *Registry) Drain(id fleet.NodeID) error {
	r.mu.RLock()
	h, ok := r.hosts[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	h.Drain()
	r.model.SetAvailability(id, fleet.Draining)
	return nil
}

// Host resolves a live host handle by node id.
func (r *Registry) Host(id fleet.NodeID) (host.Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[id]
	return h, ok
}

// Snapshot is the read-only view of every known node.
func (r *Registry) Snapshot() []fleet.NodeStatus {
	return r.model.Snapshot()
}

func (r *Registry) knows(id fleet.NodeID) bool {
	for _, status := range r.model.Snapshot() {
		if status.NodeID == id {
			return true
		}
	}
	return false
}

// UpNodes snapshots the nodes currently marked UP.
func (r *Registry) UpNodes() []fleet.NodeStatus {
	var up []fleet.NodeStatus
	for _, status := range r.model.Snapshot() {
		if status.Availability == fleet.Up {
			up = append(up, status)
		}
	}
	return up
}

// AvailableNodes snapshots UP nodes that still have session headroom.
func (r *Registry) AvailableNodes() []fleet.NodeStatus {
	var available []fleet.NodeStatus
	for _, status := range r.model.Snapshot() {
		if status.Availability == fleet.Up && status.HasCapacity() {
			available = append(available, status)
		}
	}
	return available
}

// HasCapability reports whether any UP node, regardless of current load,
// advertises a slot for the capabilities. DOWN and draining nodes do not
// count: a request only they could serve is unsupported, not busy.
func (r *Registry) HasCapability(caps capability.Set, m capability.Matcher) bool {
	for _, status := range r.model.Snapshot() {
		if status.Availability != fleet.Up {
			continue
		}
		if status.HasCapability(caps, m) {
			return true
		}
	}
	return false
}

// Stats is a point-in-time summary of the fleet.
type Stats struct {
	UpNodes     int
	DownNodes   int
	Draining    int
	ActiveSlots int
	IdleSlots   int
	Sweeps      int64
	Probes      int64
}

func (r *Registry) Stats() Stats {
	stats := Stats{Sweeps: r.sweeps.Load(), Probes: r.probes.Load()}
	for _, status := range r.model.Snapshot() {
		switch status.Availability {
		case fleet.Up:
			stats.UpNodes++
		case fleet.Down:
			stats.DownNodes++
		case fleet.Draining:
			stats.Draining++
		}
		active := status.ActiveSessions()
		stats.ActiveSlots += active
		stats.IdleSlots += len(status.Slots) - active
	}
	return stats
}

// Run drives the health sweep and purge loops until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	healthTicker := time.NewTicker(r.opts.HealthCheckInterval)
	purgeTicker := time.NewTicker(r.opts.PurgeInterval)
	defer healthTicker.Stop()
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			r.sweep(ctx)
		case <-purgeTicker.C:
			r.purge(ctx)
		}
	}
}

// sweep probes every registered host. Hosts are split into batches of
// max(10, total/10); batches run on a bounded pool so a large fleet cannot
// spawn an unbounded probe burst, while probes inside a batch run in
// parallel.
func (r *Registry) sweep(ctx context.Context) {
	r.mu.RLock()
	hosts := make([]host.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.mu.RUnlock()

	if len(hosts) == 0 {
		return
	}
	r.sweeps.Add(1)

	batchSize := len(hosts) / 10
	if batchSize < minSweepBatch {
		batchSize = minSweepBatch
	}

	sem := make(chan struct{}, r.opts.SweepWorkers)
	var wg sync.WaitGroup
	for start := 0; start < len(hosts); start += batchSize {
		end := start + batchSize
		if end > len(hosts) {
			end = len(hosts)
		}
		batch := hosts[start:end]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			var inner sync.WaitGroup
			for _, h := range batch {
				inner.Add(1)
				go func() {
					defer inner.Done()
					r.probe(ctx, h)
				}()
			}
			inner.Wait()
		}()
	}
	wg.Wait()
}

// probe runs one health check and records the result. A panicking or hung
// probe marks the node DOWN instead of taking the sweep down with it.
func (r *Registry) probe(ctx context.Context, h host.Host) {
	r.probes.Add(1)

	ctx, cancel := context.WithTimeout(ctx, r.opts.HealthCheckTimeout)
	defer cancel()

	// The check runs on its own goroutine so a probe that ignores ctx still
	// resolves to DOWN at the deadline instead of blocking the sweep.
	done := make(chan fleet.HealthResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fleet.HealthResult{
					Availability: fleet.Down,
					Message:      fmt.Sprintf("health check panicked: %v", rec),
				}
			}
		}()
		done <- h.HealthCheck(ctx)
	}()

	var result fleet.HealthResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = fleet.HealthResult{
			Availability: fleet.Down,
			Message:      fmt.Sprintf("health check did not finish within %s", r.opts.HealthCheckTimeout),
		}
	}

	if result.Availability == "" {
		result = fleet.HealthResult{Availability: fleet.Down, Message: "health check returned no availability"}
	}

	if result.Availability != fleet.Up {
		log.Warn().
			Str("node_id", string(h.ID())).
			Str("availability", string(result.Availability)).
			Str("reason", result.Message).
			Msg("node unhealthy")
	}

	r.model.SetAvailability(h.ID(), result.Availability)
	r.model.UpdateHealthCheckCount(h.ID(), result.Availability)
}

// purge drops nodes that stopped heartbeating and announces each removal.
func (r *Registry) purge(ctx context.Context) {
	for _, status := range r.model.PurgeDeadNodes() {
		status := status
		r.mu.Lock()
		delete(r.hosts, status.NodeID)
		r.mu.Unlock()

		log.Warn().
			Str("node_id", string(status.NodeID)).
			Str("node_uri", status.ExternalURI).
			Msg("purging dead node")

		r.bus.Publish(ctx, event.Event{
			Type:    event.NodeRemoved,
			Payload: event.NodeEvent{NodeID: string(status.NodeID), ExternalURI: status.ExternalURI, Status: &status},
		})
	}
}
