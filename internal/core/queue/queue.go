// Package queue holds new-session requests that could not be served on
// arrival. Callers block on Add until the retry poller completes their
// request or the per-request timeout expires.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/fleet"
)

var ErrRequestTimedOut = errors.New("new session request timed out while queued")

// Result resolves one queued request: either a created session or the error
// that finally killed it.
type Result struct {
	Session *fleet.Session
	Err     error
}

// Request is one client's ask for a session, carrying every capability
// alternative the client would accept.
type Request struct {
	ID           string
	Alternatives []capability.Set
	Enqueued     time.Time

	deadline time.Time
	result   chan Result
	resolved atomic.Bool
}

// Expired reports whether the caller's wait deadline has passed.
func (r *Request) Expired(now time.Time) bool {
	return now.After(r.deadline)
}

// resolve delivers the result exactly once. Returns false when a previous
// resolution (usually the timeout) already won.
func (r *Request) resolve(res Result) bool {
	if !r.resolved.CompareAndSwap(false, true) {
		return false
	}
	r.result <- res
	return true
}

type Options struct {
	// RequestTimeout bounds how long a caller waits in the queue.
	RequestTimeout time.Duration
	// MaxSize refuses new requests beyond this depth. Zero means unbounded.
	MaxSize int
	// SweepInterval is how often expired entries are reaped.
	SweepInterval time.Duration
}

// Queue is a FIFO of pending requests with a retry-to-front escape hatch.
type Queue struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	pending []*Request
	byID    map[string]*Request
}

func New(opts Options) *Queue {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &Queue{
		opts: opts,
		now:  time.Now,
		byID: make(map[string]*Request),
	}
}

// Add enqueues the alternatives and blocks until the request is completed,
// its timeout fires, or ctx ends. The request stays completable by id for
// the whole wait.
func (q *Queue) Add(ctx context.Context, alternatives []capability.Set) (Result, error) {
	if len(alternatives) == 0 {
		return Result{}, fmt.Errorf("no capability alternatives given")
	}

	now := q.now()
	req := &Request{
		ID:           uuid.NewString(),
		Alternatives: alternatives,
		Enqueued:     now,
		deadline:     now.Add(q.opts.RequestTimeout),
		result:       make(chan Result, 1),
	}

	q.mu.Lock()
	if q.opts.MaxSize > 0 && len(q.pending) >= q.opts.MaxSize {
		q.mu.Unlock()
		return Result{}, fleet.Retryablef("session queue is full (%d)", q.opts.MaxSize)
	}
	q.pending = append(q.pending, req)
	q.byID[req.ID] = req
	q.mu.Unlock()

	timer := time.NewTimer(q.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res, res.Err
	case <-timer.C:
		res := q.abandon(req, ErrRequestTimedOut)
		return res, res.Err
	case <-ctx.Done():
		res := q.abandon(req, ctx.Err())
		return res, res.Err
	}
}

// abandon resolves the request locally and drops it from the queue. If a
// completion won the race, that result is returned instead so a session
// delivered at the last instant is not discarded.
func (q *Queue) abandon(req *Request, err error) Result {
	q.remove(req.ID)
	if req.resolve(Result{Err: err}) {
		return Result{Err: err}
	}
	return <-req.result
}

// Complete resolves a request by id. Returns false when the caller is
// already gone, so the completer can tear down anything it created.
func (q *Queue) Complete(id string, res Result) bool {
	q.mu.Lock()
	req, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.remove(id)
	return req.resolve(res)
}

// RetryToFront puts a polled request back at the head of the line. Returns
// false when the request expired while it was out for dispatch.
func (q *Queue) RetryToFront(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.resolved.Load() || req.Expired(q.now()) {
		return false
	}
	if _, ok := q.byID[req.ID]; !ok {
		return false
	}
	q.pending = append([]*Request{req}, q.pending...)
	return true
}

// MatchingRequests removes and returns the queued requests that at least one
// of the free stereotypes could serve. Requests nothing free can serve stay
// queued.
func (q *Queue) MatchingRequests(freeStereotypes []capability.Set, m capability.Matcher) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched []*Request
	remaining := q.pending[:0]
	for _, req := range q.pending {
		if requestMatches(req, freeStereotypes, m) {
			matched = append(matched, req)
			continue
		}
		remaining = append(remaining, req)
	}
	q.pending = remaining
	return matched
}

func requestMatches(req *Request, stereotypes []capability.Set, m capability.Matcher) bool {
	for _, alt := range req.Alternatives {
		for _, st := range stereotypes {
			if m.Matches(st, alt) {
				return true
			}
		}
	}
	return false
}

// Contents snapshots the queue without removing anything.
func (q *Queue) Contents() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[id]; !ok {
		return
	}
	delete(q.byID, id)
	for i, req := range q.pending {
		if req.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

// Run reaps expired entries until ctx ends. Abandoned callers normally clean
// up after themselves; the sweep covers entries whose waiters died without
// doing so.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *Queue) sweep() {
	now := q.now()

	q.mu.Lock()
	var expired []*Request
	remaining := q.pending[:0]
	for _, req := range q.pending {
		if req.Expired(now) {
			expired = append(expired, req)
			delete(q.byID, req.ID)
			continue
		}
		remaining = append(remaining, req)
	}
	q.pending = remaining
	q.mu.Unlock()

	for _, req := range expired {
		req.resolve(Result{Err: ErrRequestTimedOut})
		log.Debug().Str("request_id", req.ID).Msg("queued request expired")
	}
}
