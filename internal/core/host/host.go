// Package host implements the per-node session slot lifecycle: reservation,
// delegated session start, timeout eviction and graceful draining.
package host

import (
	"context"
	"time"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/fleet"
)

// Host is the wire boundary the scheduling core requires from an execution
// host. LocalHost is the in-process implementation; a remote transport would
// satisfy the same interface.
type Host interface {
	ID() fleet.NodeID
	ExternalURI() string
	// NewSession starts a session for a single capability set. Failures are
	// classified: retryable (capacity, draining, budget) via
	// fleet.RetryableError, everything else terminal.
	NewSession(ctx context.Context, req NewSessionRequest) (*fleet.Session, error)
	// Stop evicts the session. Unknown ids yield fleet.ErrSessionNotFound.
	Stop(ctx context.Context, sessionID string) error
	// HealthCheck never returns an error: failures are normalized to a Down
	// result with a diagnostic message.
	HealthCheck(ctx context.Context) fleet.HealthResult
	Status() fleet.NodeStatus
	// Drain stops admitting sessions and emits a drain-complete event once
	// the running ones finish. It does not wait for them.
	Drain()
	IsDraining() bool
}

// NewSessionRequest asks a host to start one session for one capability set.
// The distributor unrolls a client request's alternatives into these.
type NewSessionRequest struct {
	RequestID    string
	Capabilities capability.Set
	// DownstreamDialects names the protocol dialects the requesting client
	// speaks; passed through to the session factory.
	DownstreamDialects []string
	Metadata           map[string]string
}

// ActiveSession is a running browser session as seen by its owning slot.
type ActiveSession interface {
	ID() string
	URI() string
	Capabilities() capability.Set
	StartedAt() time.Time
	// Terminate asks the session to shut down gracefully.
	Terminate(ctx context.Context) error
	// Kill stops the session immediately. Never fails; best effort.
	Kill()
}

// SessionFactory launches sessions for one stereotype. Browser-specific
// driver adapters live behind this interface.
type SessionFactory interface {
	// Supports lets a factory veto capabilities its driver cannot handle
	// even when the stereotype matches.
	Supports(caps capability.Set) bool
	Create(ctx context.Context, req NewSessionRequest) (ActiveSession, error)
}
