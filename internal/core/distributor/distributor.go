// Package distributor assigns new-session requests to slots across the
// fleet and retries the ones that only failed for want of free capacity.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/event"
	"github.com/openfleet/openfleet/internal/core/fleet"
	"github.com/openfleet/openfleet/internal/core/host"
	"github.com/openfleet/openfleet/internal/core/registry"
	"github.com/openfleet/openfleet/internal/core/sessionindex"
)

// SessionRequest carries every capability set the caller would accept, in
// preference order.
type SessionRequest struct {
	RequestID          string
	Alternatives       []capability.Set
	DownstreamDialects []string
	Metadata           map[string]string
}

type Distributor struct {
	model    fleet.Model
	registry *registry.Registry
	index    *sessionindex.Index
	matcher  capability.Matcher
	selector SlotSelector
	bus      event.Bus

	// mu serializes selection+reservation so two schedulers cannot rank the
	// same snapshot and fight over the same slots. Session start-up happens
	// outside it.
	mu sync.Mutex
}

func New(model fleet.Model, reg *registry.Registry, index *sessionindex.Index, matcher capability.Matcher, selector SlotSelector, bus event.Bus) *Distributor {
	if selector == nil {
		selector = GreedySelector{}
	}
	return &Distributor{
		model:    model,
		registry: reg,
		index:    index,
		matcher:  matcher,
		selector: selector,
		bus:      bus,
	}
}

// NewSession tries each capability alternative in order until one yields a
// session. The error is retryable when at least one alternative failed for
// a transient reason and none failed terminally after it.
func (d *Distributor) NewSession(ctx context.Context, req *SessionRequest) (*fleet.Session, error) {
	if req == nil || len(req.Alternatives) == 0 {
		return nil, fmt.Errorf("request carries no capability alternatives")
	}

	var lastErr error
	retryable := false

	for _, caps := range req.Alternatives {
		if !d.registry.HasCapability(caps, d.matcher) {
			lastErr = fleet.Retryablef("no node currently supports %s", caps)
			retryable = true
			continue
		}

		slotID, ok := d.reserveSlot(caps)
		if !ok {
			lastErr = fleet.Retryablef("all slots matching %s are busy", caps)
			retryable = true
			continue
		}

		sess, err := d.startSession(ctx, slotID, caps, req)
		if err != nil {
			d.model.SetSession(slotID, nil)
			lastErr = err
			if fleet.IsRetryable(err) {
				retryable = true
			}
			log.Debug().Err(err).
				Str("slot_id", slotID.String()).
				Str("request_id", req.RequestID).
				Msg("session start failed, trying next alternative")
			continue
		}

		d.index.Add(*sess)
		d.model.SetSession(slotID, sess)
		return sess, nil
	}

	if retryable {
		return nil, fleet.Retryable(lastErr)
	}
	return nil, lastErr
}

// reserveSlot ranks candidates and reserves the first free one. Candidates
// lost to a concurrent caller are simply skipped.
func (d *Distributor) reserveSlot(caps capability.Set) (fleet.SlotID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes := d.registry.AvailableNodes()
	for _, slotID := range d.selector.Select(nodes, caps, d.matcher) {
		if d.model.Reserve(slotID) {
			return slotID, true
		}
	}
	return fleet.SlotID{}, false
}

func (d *Distributor) startSession(ctx context.Context, slotID fleet.SlotID, caps capability.Set, req *SessionRequest) (*fleet.Session, error) {
	h, ok := d.registry.Host(slotID.Node)
	if !ok {
		return nil, fleet.Retryablef("node %s vanished between reservation and start", slotID.Node)
	}

	return h.NewSession(ctx, host.NewSessionRequest{
		RequestID:          req.RequestID,
		Capabilities:       caps,
		DownstreamDialects: req.DownstreamDialects,
		Metadata:           req.Metadata,
	})
}

// StopSession routes a stop to the session's host and drops the index entry.
func (d *Distributor) StopSession(ctx context.Context, sessionID string) error {
	sess, err := d.index.Get(sessionID)
	if err != nil {
		return err
	}

	var target host.Host
	for _, status := range d.model.Snapshot() {
		if status.ExternalURI != sess.HostURI {
			continue
		}
		if h, ok := d.registry.Host(status.NodeID); ok {
			target = h
		}
		break
	}
	if target == nil {
		d.index.Remove(sessionID)
		d.model.Release(sessionID)
		return fmt.Errorf("%w: host %s for session %s is gone", fleet.ErrSessionNotFound, sess.HostURI, sessionID)
	}

	if err := target.Stop(ctx, sessionID); err != nil && !errors.Is(err, fleet.ErrSessionNotFound) {
		return err
	}
	d.index.Remove(sessionID)
	d.model.Release(sessionID)
	return nil
}
