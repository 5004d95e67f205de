// Package sessionindex maps live session ids to their owning host so
// follow-up commands can be routed without consulting the full fleet model.
package sessionindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openfleet/openfleet/internal/core/event"
	"github.com/openfleet/openfleet/internal/core/fleet"
)

// Index is the id -> session lookup table. A secondary index by host URI
// makes node-loss cleanup a single batch removal instead of a full scan.
type Index struct {
	mu     sync.RWMutex
	byID   map[string]fleet.Session
	byURI  map[string]map[string]struct{}
	unsubs []func()
}

func New() *Index {
	return &Index{
		byID:  make(map[string]fleet.Session),
		byURI: make(map[string]map[string]struct{}),
	}
}

// Listen wires the index to the event bus: closed sessions drop their entry,
// removed or restarted nodes drop every session they hosted.
func (i *Index) Listen(bus event.Bus) {
	i.unsubs = append(i.unsubs,
		bus.Subscribe(event.SessionClosed, func(_ context.Context, ev event.Event) error {
			payload, ok := ev.Payload.(event.SessionEvent)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Type)
			}
			i.Remove(payload.SessionID)
			return nil
		}),
		bus.Subscribe(event.NodeRemoved, i.onNodeGone),
		bus.Subscribe(event.NodeRestarted, i.onNodeGone),
	)
}

func (i *Index) Close() {
	for _, unsub := range i.unsubs {
		unsub()
	}
	i.unsubs = nil
}

func (i *Index) onNodeGone(_ context.Context, ev event.Event) error {
	payload, ok := ev.Payload.(event.NodeEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Type)
	}
	removed := i.RemoveByURI(payload.ExternalURI)
	if removed > 0 {
		log.Info().
			Str("node_uri", payload.ExternalURI).
			Int("sessions", removed).
			Msg("dropped sessions of lost node")
	}
	return nil
}

func (i *Index) Add(sess fleet.Session) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.byID[sess.ID] = sess
	ids, ok := i.byURI[sess.HostURI]
	if !ok {
		ids = make(map[string]struct{})
		i.byURI[sess.HostURI] = ids
	}
	ids[sess.ID] = struct{}{}
}

func (i *Index) Get(sessionID string) (fleet.Session, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	sess, ok := i.byID[sessionID]
	if !ok {
		return fleet.Session{}, fmt.Errorf("%w: %s", fleet.ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// HostURI resolves the host serving the session.
func (i *Index) HostURI(sessionID string) (string, error) {
	sess, err := i.Get(sessionID)
	if err != nil {
		return "", err
	}
	return sess.HostURI, nil
}

func (i *Index) Remove(sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removeLocked(sessionID)
}

func (i *Index) removeLocked(sessionID string) {
	sess, ok := i.byID[sessionID]
	if !ok {
		return
	}
	delete(i.byID, sessionID)
	if ids, ok := i.byURI[sess.HostURI]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(i.byURI, sess.HostURI)
		}
	}
}

// RemoveByURI drops every session hosted at uri and reports how many.
func (i *Index) RemoveByURI(uri string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	ids, ok := i.byURI[uri]
	if !ok {
		return 0
	}
	removed := len(ids)
	for id := range ids {
		delete(i.byID, id)
	}
	delete(i.byURI, uri)
	return removed
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byID)
}
