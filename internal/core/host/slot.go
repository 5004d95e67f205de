package host

import (
	"sync"
	"time"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/fleet"
)

// SlotConfig declares one session slot: the capability template it
// advertises and the factory that starts sessions for it.
type SlotConfig struct {
	Stereotype capability.Set
	Factory    SessionFactory
}

// sessionSlot is one unit of session capacity. Its state machine is
// AVAILABLE -> RESERVED -> BOUND -> AVAILABLE, with RESERVED -> AVAILABLE on
// factory failure. Reservation itself happens under the host's slot lock;
// the slot's own mutex guards binding and teardown.
type sessionSlot struct {
	id         fleet.SlotID
	stereotype capability.Set
	factory    SessionFactory

	mu           sync.Mutex
	reserved     bool
	session      ActiveSession
	scratchOwner string
	lastStarted  time.Time
}

func (s *sessionSlot) isAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.reserved && s.session == nil
}

func (s *sessionSlot) matches(caps capability.Set, m capability.Matcher) bool {
	return m.Matches(s.stereotype, caps) && s.factory.Supports(caps)
}

func (s *sessionSlot) reserve() {
	s.mu.Lock()
	s.reserved = true
	s.mu.Unlock()
}

// release returns a reserved slot to the pool without binding.
func (s *sessionSlot) release() {
	s.mu.Lock()
	s.reserved = false
	s.mu.Unlock()
}

func (s *sessionSlot) bind(sess ActiveSession, scratchOwner string) {
	s.mu.Lock()
	s.session = sess
	s.scratchOwner = scratchOwner
	s.lastStarted = sess.StartedAt()
	s.mu.Unlock()
}

// clear tears the binding down and frees the slot, returning what was bound
// so the caller can finish cleanup outside the slot lock.
func (s *sessionSlot) clear() (ActiveSession, string) {
	s.mu.Lock()
	sess, owner := s.session, s.scratchOwner
	s.session = nil
	s.scratchOwner = ""
	s.reserved = false
	s.mu.Unlock()
	return sess, owner
}

// snapshot renders the slot for a NodeStatus.
func (s *sessionSlot) snapshot(hostURI string) fleet.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := fleet.Slot{
		ID:          s.id,
		Stereotype:  s.stereotype,
		LastStarted: s.lastStarted,
	}
	if s.session != nil {
		out.Session = &fleet.Session{
			ID:           s.session.ID(),
			HostURI:      hostURI,
			Stereotype:   s.stereotype,
			Capabilities: s.session.Capabilities(),
			StartedAt:    s.session.StartedAt(),
		}
	}
	return out
}
