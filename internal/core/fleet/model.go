package fleet

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Model is the authoritative fleet state store. One in-memory implementation
// exists; the interface keeps the door open for an externally backed store.
//
// Mutations never return errors: failures (unknown node, occupied slot) are
// resolved locally with a boolean or a no-op so no error ever crosses the
// lock boundary.
type Model interface {
	// Add registers a new node snapshot. Re-adding a known node refreshes it.
	Add(status NodeStatus)
	// Refresh replaces a node's snapshot wholesale.
	Refresh(status NodeStatus)
	// Touch bumps the node's liveness clock and picks up an availability
	// change if the heartbeat reports one.
	Touch(status NodeStatus)
	Remove(id NodeID)
	// PurgeDeadNodes removes nodes whose last contact exceeds the staleness
	// window and returns their final snapshots.
	PurgeDeadNodes() []NodeStatus
	SetAvailability(id NodeID, availability Availability)
	// UpdateHealthCheckCount tracks consecutive failed probes for staleness
	// decisions.
	UpdateHealthCheckCount(id NodeID, availability Availability)
	// Reserve atomically claims a free slot. It returns false when the slot
	// is occupied, already reserved, or unknown.
	Reserve(id SlotID) bool
	// Release frees the slot owning the given session. Releasing an unknown
	// or already-released session is a no-op.
	Release(sessionID string)
	// SetSession binds a session to a reserved slot, or clears the slot when
	// session is nil.
	SetSession(id SlotID, session *Session)
	Snapshot() []NodeStatus
}

type nodeRecord struct {
	status       NodeStatus
	lastSeen     time.Time
	failedChecks int
}

// MemoryModel is the single production Model: a map of immutable node
// snapshots guarded by one reader/writer lock. Snapshot readers proceed
// concurrently; all mutations serialize through the writer lock.
type MemoryModel struct {
	mu        sync.RWMutex
	nodes     map[NodeID]*nodeRecord
	staleness time.Duration
	now       func() time.Time
}

func NewMemoryModel(staleness time.Duration) *MemoryModel {
	return &MemoryModel{
		nodes:     make(map[NodeID]*nodeRecord),
		staleness: staleness,
		now:       time.Now,
	}
}

func (m *MemoryModel) Add(status NodeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[status.NodeID] = &nodeRecord{status: cloneStatus(status), lastSeen: m.now()}
}

func (m *MemoryModel) Refresh(status NodeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[status.NodeID]
	if !ok {
		return
	}
	rec.status = cloneStatus(status)
	rec.lastSeen = m.now()
}

func (m *MemoryModel) Touch(status NodeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[status.NodeID]
	if !ok {
		return
	}
	rec.lastSeen = m.now()
	if rec.status.Availability != status.Availability {
		next := rec.status
		next.Availability = status.Availability
		rec.status = next
	}
}

func (m *MemoryModel) Remove(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
}

func (m *MemoryModel) PurgeDeadNodes() []NodeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []NodeStatus
	now := m.now()
	for id, rec := range m.nodes {
		window := m.staleness
		if hb := rec.status.HeartbeatPeriod * 2; hb > window {
			window = hb
		}
		if now.Sub(rec.lastSeen) > window {
			log.Warn().
				Str("node_id", string(id)).
				Dur("last_seen_ago", now.Sub(rec.lastSeen)).
				Int("failed_checks", rec.failedChecks).
				Msg("purging stale node")
			removed = append(removed, rec.status)
			delete(m.nodes, id)
		}
	}
	return removed
}

func (m *MemoryModel) SetAvailability(id NodeID, availability Availability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[id]
	if !ok {
		return
	}
	if rec.status.Availability == availability {
		return
	}
	// Draining is terminal until the node is removed; a health probe coming
	// back UP must not resurrect a draining node.
	if rec.status.Availability == Draining {
		return
	}
	next := rec.status
	next.Availability = availability
	rec.status = next
}

func (m *MemoryModel) UpdateHealthCheckCount(id NodeID, availability Availability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[id]
	if !ok {
		return
	}
	if availability == Down {
		rec.failedChecks++
		return
	}
	rec.failedChecks = 0
	rec.lastSeen = m.now()
}

func (m *MemoryModel) Reserve(id SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.nodes[id.Node]
	if !ok {
		return false
	}
	reserved := Session{ID: ReservedSessionID, HostURI: rec.status.ExternalURI, StartedAt: m.now()}

	return amendSlot(rec, id, func(s Slot) (Slot, bool) {
		if s.Session != nil {
			return s, false
		}
		s.Session = &reserved
		return s, true
	})
}

func (m *MemoryModel) Release(sessionID string) {
	if sessionID == "" || sessionID == ReservedSessionID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.nodes {
		for i, s := range rec.status.Slots {
			if s.Session == nil || s.Session.ID != sessionID {
				continue
			}
			amendSlot(rec, rec.status.Slots[i].ID, func(s Slot) (Slot, bool) {
				s.Session = nil
				return s, true
			})
			return
		}
	}
}

func (m *MemoryModel) SetSession(id SlotID, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.nodes[id.Node]
	if !ok {
		return
	}
	amendSlot(rec, id, func(s Slot) (Slot, bool) {
		s.Session = session
		if session != nil {
			s.LastStarted = session.StartedAt
		}
		return s, true
	})
}

func (m *MemoryModel) Snapshot() []NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeStatus, 0, len(m.nodes))
	for _, rec := range m.nodes {
		out = append(out, rec.status)
	}
	return out
}

// amendSlot rebuilds the node's status with one slot rewritten, preserving
// the replace-never-mutate contract of NodeStatus. It reports whether the
// rewrite was applied.
func amendSlot(rec *nodeRecord, id SlotID, fn func(Slot) (Slot, bool)) bool {
	for i, s := range rec.status.Slots {
		if s.ID != id {
			continue
		}
		next, ok := fn(s)
		if !ok {
			return false
		}
		slots := make([]Slot, len(rec.status.Slots))
		copy(slots, rec.status.Slots)
		slots[i] = next

		status := rec.status
		status.Slots = slots
		rec.status = status
		return true
	}
	return false
}

// cloneStatus deep-copies the slot slice so the stored snapshot cannot be
// mutated through the caller's slice.
func cloneStatus(status NodeStatus) NodeStatus {
	slots := make([]Slot, len(status.Slots))
	copy(slots, status.Slots)
	status.Slots = slots
	return status
}
