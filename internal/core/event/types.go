package event

import (
	"time"

	"github.com/openfleet/openfleet/internal/core/fleet"
)

type Type string

const (
	// Node lifecycle
	NodeAdded         Type = "node.added"
	NodeRemoved       Type = "node.removed"
	NodeRestarted     Type = "node.restarted"
	NodeHeartbeat     Type = "node.heartbeat"
	NodeDrainStarted  Type = "node.drain_started"
	NodeDrainComplete Type = "node.drain_complete"

	// Session lifecycle
	SessionClosed Type = "session.closed"
)

type Event struct {
	Type      Type
	Timestamp time.Time
	Payload   any
}

// NodeEvent accompanies node lifecycle events. Status carries the node's
// last known snapshot where one is available; for NodeRestarted it is the
// snapshot from before the restart.
type NodeEvent struct {
	NodeID      string
	ExternalURI string
	Status      *fleet.NodeStatus
}

// SessionEvent accompanies SessionClosed.
type SessionEvent struct {
	SessionID string
	HostURI   string
}
