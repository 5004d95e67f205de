package host

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/event"
	"github.com/openfleet/openfleet/internal/core/fleet"
	"github.com/openfleet/openfleet/internal/core/scratch"
)

const terminateGracePeriod = 10 * time.Second

// HealthCheckFunc probes the host. Implementations must not panic the
// caller: the default reports the host's own availability.
type HealthCheckFunc func(ctx context.Context) fleet.HealthResult

// Options configures a LocalHost.
type Options struct {
	URI                string
	MaxSessions        int
	SessionTimeout     time.Duration
	HeartbeatPeriod    time.Duration
	DrainAfterSessions int
	ManagedDownloads   bool
	ScratchDir         string
	Version            string
	HealthCheck        HealthCheckFunc
}

// LocalHost manages a fixed list of session slots in-process.
//
// Two locks exist: the drain lock (read-held on every admission, write-held
// only while initiating a drain) and the slot lock (a brief critical section
// around find-and-reserve). The drain lock is always acquired before any
// fleet-model mutation a caller performs with the returned session, never
// the reverse.
type LocalHost struct {
	id              fleet.NodeID
	uri             string
	maxSessions     int
	sessionTimeout  time.Duration
	heartbeatPeriod time.Duration
	version         string

	drainAfter int
	budget     atomic.Int64

	managedDownloads bool

	matcher capability.Matcher
	bus     event.Bus
	scratch *scratch.Manager
	health  HealthCheckFunc

	admission sync.RWMutex

	slotMu sync.Mutex
	slots  []*sessionSlot

	sessions *ttlcache.Cache[string, *sessionSlot]

	draining      atomic.Bool
	drainComplete sync.Once
	teardowns     sync.WaitGroup

	// drainMu orders session accounting against the drain transition so an
	// eviction racing a drain is either counted in pending or decrements it,
	// never neither. Holders never touch the session cache.
	drainMu sync.Mutex
	active  int
	pending int
}

func NewLocalHost(bus event.Bus, matcher capability.Matcher, opts Options, slots []SlotConfig) (*LocalHost, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("host needs at least one slot")
	}
	if opts.MaxSessions <= 0 || opts.MaxSessions > len(slots) {
		opts.MaxSessions = len(slots)
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = time.Minute
	}

	var sm *scratch.Manager
	if opts.ManagedDownloads {
		var err error
		sm, err = scratch.NewManager(opts.ScratchDir)
		if err != nil {
			return nil, err
		}
	}

	h := &LocalHost{
		id:               fleet.NewNodeID(),
		uri:              opts.URI,
		maxSessions:      opts.MaxSessions,
		sessionTimeout:   opts.SessionTimeout,
		heartbeatPeriod:  opts.HeartbeatPeriod,
		version:          opts.Version,
		drainAfter:       opts.DrainAfterSessions,
		managedDownloads: opts.ManagedDownloads,
		matcher:          matcher,
		bus:              bus,
		scratch:          sm,
		health:           opts.HealthCheck,
	}
	h.budget.Store(int64(opts.DrainAfterSessions))

	for i, sc := range slots {
		h.slots = append(h.slots, &sessionSlot{
			id:         fleet.SlotID{Node: h.id, ID: fmt.Sprintf("slot-%d", i)},
			stereotype: sc.Stereotype,
			factory:    sc.Factory,
		})
	}

	h.sessions = ttlcache.New[string, *sessionSlot](
		ttlcache.WithTTL[string, *sessionSlot](opts.SessionTimeout),
	)
	h.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *sessionSlot]) {
		h.cleanupSession(item.Key(), item.Value(), reason == ttlcache.EvictionReasonExpired)
	})

	if h.health == nil {
		h.health = func(context.Context) fleet.HealthResult {
			status := h.Status()
			return fleet.HealthResult{
				Availability: status.Availability,
				Message:      fmt.Sprintf("%s is %s", h.uri, status.Availability),
			}
		}
	}

	return h, nil
}

func (h *LocalHost) ID() fleet.NodeID    { return h.id }
func (h *LocalHost) ExternalURI() string { return h.uri }

// Run starts the eviction loop and the heartbeat, and tears every session
// down when ctx ends.
func (h *LocalHost) Run(ctx context.Context) {
	go h.sessions.Start()

	ticker := time.NewTicker(h.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("node_id", string(h.id)).Msg("stopping host, closing all sessions")
			h.sessions.DeleteAll()
			h.sessions.Stop()
			h.teardowns.Wait()
			return
		case <-ticker.C:
			status := h.Status()
			h.bus.Publish(ctx, event.Event{
				Type:    event.NodeHeartbeat,
				Payload: event.NodeEvent{NodeID: string(h.id), ExternalURI: h.uri, Status: &status},
			})
		}
	}
}

func (h *LocalHost) NewSession(ctx context.Context, req NewSessionRequest) (*fleet.Session, error) {
	sess, err := h.newSession(ctx, req)
	// The budget check runs after the admission read-lock is released so the
	// drain it may trigger can take the write lock.
	h.checkBudget()
	return sess, err
}

func (h *LocalHost) newSession(ctx context.Context, req NewSessionRequest) (*fleet.Session, error) {
	h.admission.RLock()
	defer h.admission.RUnlock()

	if h.sessions.Len() >= h.maxSessions {
		return nil, fleet.Retryablef("max session count %d reached", h.maxSessions)
	}
	if h.draining.Load() {
		return nil, fleet.Retryablef("node is draining, cannot accept new sessions")
	}

	slot := h.reserveMatching(req.Capabilities)
	if slot == nil {
		return nil, fmt.Errorf("no slot matched the requested capabilities")
	}

	if h.drainAfter > 0 {
		if h.budget.Add(-1) < 0 {
			slot.release()
			return nil, fleet.Retryablef("drain-after session budget (%d) exhausted", h.drainAfter)
		}
	}

	caps := req.Capabilities
	scratchOwner := ""
	if h.managedDownloads && caps.Bool(capability.KeyDownloadsEnabled) {
		scratchOwner = uuid.NewString()
		dir, err := h.scratch.Create(scratchOwner, "downloads")
		if err != nil {
			slot.release()
			return nil, fmt.Errorf("allocate downloads directory: %w", err)
		}
		if _, err := h.scratch.Create(scratchOwner, "uploads"); err != nil {
			slot.release()
			h.scratch.Remove(scratchOwner)
			return nil, fmt.Errorf("allocate upload staging directory: %w", err)
		}
		caps = withDownloadsDir(caps, dir)
		req.Capabilities = caps
	}

	sess, err := slot.factory.Create(ctx, req)
	if err != nil {
		slot.release()
		if scratchOwner != "" {
			h.scratch.Remove(scratchOwner)
		}
		return nil, fmt.Errorf("start session: %w", err)
	}

	slot.bind(sess, scratchOwner)
	h.drainMu.Lock()
	h.active++
	h.drainMu.Unlock()
	h.sessions.Set(sess.ID(), slot, ttlcache.DefaultTTL)

	log.Info().
		Str("node_id", string(h.id)).
		Str("session_id", sess.ID()).
		Str("slot_id", slot.id.String()).
		Msg("session created")

	return &fleet.Session{
		ID:           sess.ID(),
		HostURI:      h.uri,
		Stereotype:   slot.stereotype,
		Capabilities: caps.Merge(sess.Capabilities()),
		StartedAt:    sess.StartedAt(),
	}, nil
}

// reserveMatching is the atomic find-first-matching-and-reserve step. The
// slot lock is held only for the scan so two concurrent requests cannot
// claim the same slot.
func (h *LocalHost) reserveMatching(caps capability.Set) *sessionSlot {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()

	for _, slot := range h.slots {
		if !slot.isAvailable() || !slot.matches(caps, h.matcher) {
			continue
		}
		slot.reserve()
		return slot
	}
	return nil
}

func (h *LocalHost) Stop(_ context.Context, sessionID string) error {
	if !h.sessions.Has(sessionID) {
		return fmt.Errorf("%w: %s", fleet.ErrSessionNotFound, sessionID)
	}
	// Deleting runs the eviction callback, which does the actual teardown.
	h.sessions.Delete(sessionID)
	return nil
}

// cleanupSession runs on every eviction: timeout expiry, explicit stop and
// shutdown. For expired sessions the browser is still alive, so a graceful
// terminate is attempted before the forced stop. The eviction callback runs
// under the cache's own lock, so the blocking process teardown is handed to
// a goroutine; slot release and drain accounting stay synchronous.
func (h *LocalHost) cleanupSession(sessionID string, slot *sessionSlot, expired bool) {
	sess, scratchOwner := slot.clear()

	if sess != nil {
		h.teardowns.Add(1)
		go func() {
			defer h.teardowns.Done()
			if expired {
				log.Info().Str("session_id", sessionID).Msg("session timed out, stopping")
				ctx, cancel := context.WithTimeout(context.Background(), terminateGracePeriod)
				if err := sess.Terminate(ctx); err != nil {
					log.Warn().Err(err).Str("session_id", sessionID).Msg("graceful terminate failed, killing")
				}
				cancel()
			}
			sess.Kill()
			if scratchOwner != "" {
				h.scratch.Remove(scratchOwner)
			}
		}()
	} else if scratchOwner != "" {
		h.scratch.Remove(scratchOwner)
	}

	h.bus.Publish(context.Background(), event.Event{
		Type:    event.SessionClosed,
		Payload: event.SessionEvent{SessionID: sessionID, HostURI: h.uri},
	})

	fire := false
	h.drainMu.Lock()
	h.active--
	if h.draining.Load() {
		h.pending--
		fire = h.pending <= 0
	}
	h.drainMu.Unlock()
	if fire {
		h.emitDrainComplete()
	}
}

func (h *LocalHost) Drain() {
	h.admission.Lock()
	defer h.admission.Unlock()
	h.drainLocked()
}

func (h *LocalHost) drainLocked() {
	if h.draining.Load() {
		return
	}

	// Expired entries must not count towards the pending total or the
	// drain-complete signal would never fire.
	h.sessions.DeleteExpired()

	// Snapshot and flag flip share drainMu with the eviction accounting, so
	// every live session is either in the snapshot or decrements pending.
	h.drainMu.Lock()
	h.pending = h.active
	count := h.pending
	h.draining.Store(true)
	h.drainMu.Unlock()
	h.bus.Publish(context.Background(), event.Event{
		Type:    event.NodeDrainStarted,
		Payload: event.NodeEvent{NodeID: string(h.id), ExternalURI: h.uri},
	})

	if count == 0 {
		h.emitDrainComplete()
		return
	}
	log.Info().Str("node_id", string(h.id)).Int("pending", count).Msg("draining, waiting for sessions to finish")
}

func (h *LocalHost) emitDrainComplete() {
	h.drainComplete.Do(func() {
		log.Info().Str("node_id", string(h.id)).Msg("node drain complete")
		h.bus.Publish(context.Background(), event.Event{
			Type:    event.NodeDrainComplete,
			Payload: event.NodeEvent{NodeID: string(h.id), ExternalURI: h.uri},
		})
	})
}

// checkBudget initiates a self-drain once the configured session budget is
// used up. TryLock: if another admission holds the read lock it will run the
// same check when it finishes, so there is nothing to wait for.
func (h *LocalHost) checkBudget() {
	if h.drainAfter <= 0 || h.draining.Load() {
		return
	}
	if h.budget.Load() > 0 {
		return
	}
	if !h.admission.TryLock() {
		return
	}
	defer h.admission.Unlock()
	log.Info().Str("node_id", string(h.id)).Int("budget", h.drainAfter).Msg("session budget reached, draining node")
	h.drainLocked()
}

func (h *LocalHost) IsDraining() bool { return h.draining.Load() }

func (h *LocalHost) HealthCheck(ctx context.Context) (result fleet.HealthResult) {
	defer func() {
		if r := recover(); r != nil {
			result = fleet.HealthResult{
				Availability: fleet.Down,
				Message:      fmt.Sprintf("health check panicked: %v", r),
			}
		}
	}()
	return h.health(ctx)
}

func (h *LocalHost) Status() fleet.NodeStatus {
	slots := make([]fleet.Slot, 0, len(h.slots))
	for _, s := range h.slots {
		slots = append(slots, s.snapshot(h.uri))
	}

	availability := fleet.Up
	if h.draining.Load() {
		availability = fleet.Draining
	}

	return fleet.NodeStatus{
		NodeID:          h.id,
		ExternalURI:     h.uri,
		MaxSessions:     h.maxSessions,
		Slots:           slots,
		Availability:    availability,
		HeartbeatPeriod: h.heartbeatPeriod,
		SessionTimeout:  h.sessionTimeout,
		Version:         h.version,
		OS: fleet.OSInfo{
			Name: runtime.GOOS,
			Arch: runtime.GOARCH,
		},
	}
}

// SessionCount is the number of live sessions, reservations excluded.
func (h *LocalHost) SessionCount() int { return h.sessions.Len() }

// IsSessionOwner reports whether this host currently owns the session.
func (h *LocalHost) IsSessionOwner(sessionID string) bool { return h.sessions.Has(sessionID) }
