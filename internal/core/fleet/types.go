// Package fleet holds the authoritative in-memory model of the node fleet:
// which nodes exist, which slots they advertise, and which slots are
// occupied. All state flows through the Model interface; callers never hold
// mutable references to internal node or slot collections.
package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfleet/openfleet/internal/core/capability"
)

type NodeID string

func NewNodeID() NodeID { return NodeID(uuid.NewString()) }

// SlotID identifies a single session slot. It embeds the owning node so a
// reserved slot can always be routed back to its host.
type SlotID struct {
	Node NodeID
	ID   string
}

func (s SlotID) String() string { return fmt.Sprintf("%s/%s", s.Node, s.ID) }

type Availability string

const (
	Up       Availability = "UP"
	Down     Availability = "DOWN"
	Draining Availability = "DRAINING"
)

// ReservedSessionID marks a slot that has been claimed by an in-flight
// session creation but not yet bound to a real session.
const ReservedSessionID = "reserved"

// Session is an immutable record of a running browser session.
type Session struct {
	ID           string
	HostURI      string
	Stereotype   capability.Set
	Capabilities capability.Set
	StartedAt    time.Time
}

// Slot is one unit of concurrent-session capacity on a node.
// Session is nil exactly when the slot is free.
type Slot struct {
	ID          SlotID
	Stereotype  capability.Set
	LastStarted time.Time
	Session     *Session
}

func (s Slot) IsSupporting(caps capability.Set, m capability.Matcher) bool {
	return m.Matches(s.Stereotype, caps)
}

type OSInfo struct {
	Name    string
	Arch    string
	Version string
}

// HealthResult is the outcome of probing a node. Probe failures are
// normalized into a Down result with a diagnostic message, never an error.
type HealthResult struct {
	Availability Availability
	Message      string
}

// NodeStatus is an immutable snapshot of a node. The model never mutates a
// stored status in place; every change replaces the node's entry.
type NodeStatus struct {
	NodeID          NodeID
	ExternalURI     string
	MaxSessions     int
	Slots           []Slot
	Availability    Availability
	HeartbeatPeriod time.Duration
	SessionTimeout  time.Duration
	Version         string
	OS              OSInfo
}

// ActiveSessions counts occupied slots, reservations included.
func (n NodeStatus) ActiveSessions() int {
	count := 0
	for _, s := range n.Slots {
		if s.Session != nil {
			count++
		}
	}
	return count
}

// HasCapacity reports whether at least one more session fits on the node.
func (n NodeStatus) HasCapacity() bool {
	active := n.ActiveSessions()
	return active < len(n.Slots) && active < n.MaxSessions
}

// HasCapability reports whether any slot, busy or not, could ever serve the
// capabilities. Used to distinguish "busy" from "unsupported".
func (n NodeStatus) HasCapability(caps capability.Set, m capability.Matcher) bool {
	for _, s := range n.Slots {
		if s.IsSupporting(caps, m) {
			return true
		}
	}
	return false
}

// CanServe reports whether a free slot matching the capabilities exists and
// the node still has session headroom.
func (n NodeStatus) CanServe(caps capability.Set, m capability.Matcher) bool {
	if !n.HasCapacity() {
		return false
	}
	for _, s := range n.Slots {
		if s.Session == nil && s.IsSupporting(caps, m) {
			return true
		}
	}
	return false
}

// Load is the utilization ratio of the node in percent.
func (n NodeStatus) Load() float64 {
	if n.MaxSessions == 0 {
		return 100
	}
	return float64(n.ActiveSessions()) / float64(n.MaxSessions) * 100
}

// LastSessionCreated is the most recent slot start time across the node.
func (n NodeStatus) LastSessionCreated() time.Time {
	var last time.Time
	for _, s := range n.Slots {
		if s.LastStarted.After(last) {
			last = s.LastStarted
		}
	}
	return last
}

// BrowserVersion is the stereotype browser version of the first slot; nodes
// usually advertise a homogeneous version and the selector only uses this as
// a final tie-break.
func (n NodeStatus) BrowserVersion() string {
	if len(n.Slots) == 0 {
		return ""
	}
	return n.Slots[0].Stereotype.BrowserVersion()
}
