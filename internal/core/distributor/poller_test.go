package distributor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/fleet"
	"github.com/openfleet/openfleet/internal/core/queue"
)

func newTestPoller(t *testing.T, f *fixture, q *queue.Queue, opts PollerOptions) *Poller {
	t.Helper()
	return NewPoller(f.dist, q, opts)
}

func TestPollerClampsInterval(t *testing.T) {
	t.Parallel()

	p := NewPoller(newFixture(t).dist, queue.New(queue.Options{}), PollerOptions{Interval: 0})
	if p.opts.Interval < minPollInterval {
		t.Errorf("interval %s below the busy-loop floor", p.opts.Interval)
	}
}

func TestPollerCompletesQueuedRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.reg.Add(newStubHost("n1", 1, capability.Set{capability.KeyBrowserName: "chrome"}))

	q := queue.New(queue.Options{RequestTimeout: 5 * time.Second})
	p := newTestPoller(t, f, q, PollerOptions{})

	done := make(chan queue.Result, 1)
	go func() {
		res, _ := q.Add(context.Background(), []capability.Set{{capability.KeyBrowserName: "chrome"}})
		done <- res
	}()

	waitFor(t, func() bool { return q.Len() == 1 })
	p.tick(context.Background())

	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("queued request failed: %v", res.Err)
		}
		if res.Session == nil || res.Session.HostURI != "http://n1:5555" {
			t.Errorf("unexpected session %+v", res.Session)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never completed")
	}
}

func TestPollerSkipsUnmatchedRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.reg.Add(newStubHost("n1", 1, capability.Set{capability.KeyBrowserName: "chrome"}))

	q := queue.New(queue.Options{RequestTimeout: 5 * time.Second})
	p := newTestPoller(t, f, q, PollerOptions{})

	go q.Add(context.Background(), []capability.Set{{capability.KeyBrowserName: "firefox"}})
	waitFor(t, func() bool { return q.Len() == 1 })

	p.tick(context.Background())
	if got := q.Len(); got != 1 {
		t.Errorf("unservable request pulled from queue, len = %d", got)
	}
}

func TestPollerRejectUnsupported(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.reg.Add(newStubHost("n1", 1, capability.Set{capability.KeyBrowserName: "chrome"}))

	q := queue.New(queue.Options{RequestTimeout: 5 * time.Second})
	p := newTestPoller(t, f, q, PollerOptions{RejectUnsupported: true})

	done := make(chan error, 1)
	go func() {
		_, err := q.Add(context.Background(), []capability.Set{{capability.KeyBrowserName: "firefox"}})
		done <- err
	}()

	waitFor(t, func() bool { return q.Len() == 1 })
	p.tick(context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, fleet.ErrUnsupportedCapabilities) {
			t.Errorf("got %v, want ErrUnsupportedCapabilities", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unsupported request never rejected")
	}
}

func TestPollerRejectsWhenOnlyCapableNodeIsDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := newStubHost("n1", 1, capability.Set{capability.KeyBrowserName: "chrome"})
	f.reg.Add(h)
	f.model.SetAvailability(h.ID(), fleet.Down)

	q := queue.New(queue.Options{RequestTimeout: 5 * time.Second})
	p := newTestPoller(t, f, q, PollerOptions{RejectUnsupported: true})

	done := make(chan error, 1)
	go func() {
		_, err := q.Add(context.Background(), []capability.Set{{capability.KeyBrowserName: "chrome"}})
		done <- err
	}()

	waitFor(t, func() bool { return q.Len() == 1 })
	p.tick(context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, fleet.ErrUnsupportedCapabilities) {
			t.Errorf("got %v, want ErrUnsupportedCapabilities", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request with no UP support never rejected")
	}
}

func TestPollerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := newStubHost("n1", 1, capability.Set{capability.KeyBrowserName: "chrome"})
	h.err = fleet.Retryablef("node momentarily draining")
	f.reg.Add(h)

	q := queue.New(queue.Options{RequestTimeout: 5 * time.Second})
	p := newTestPoller(t, f, q, PollerOptions{})

	done := make(chan queue.Result, 1)
	go func() {
		res, _ := q.Add(context.Background(), []capability.Set{{capability.KeyBrowserName: "chrome"}})
		done <- res
	}()
	waitFor(t, func() bool { return q.Len() == 1 })

	// First tick fails retryably and requeues the request at the front.
	p.tick(context.Background())
	if got := q.Len(); got != 1 {
		t.Fatalf("request not requeued, len = %d", got)
	}

	h.mu.Lock()
	h.err = nil
	h.mu.Unlock()

	p.tick(context.Background())
	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("request failed after capacity freed: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed after retry")
	}
}

func TestPollerTearsDownOrphanedSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := newStubHost("n1", 1, capability.Set{capability.KeyBrowserName: "chrome"})
	f.reg.Add(h)

	q := queue.New(queue.Options{RequestTimeout: 30 * time.Millisecond})
	p := newTestPoller(t, f, q, PollerOptions{})

	go q.Add(context.Background(), []capability.Set{{capability.KeyBrowserName: "chrome"}})
	waitFor(t, func() bool { return q.Len() == 1 })

	// Pull the request out, then let the caller give up before dispatching.
	matched := q.MatchingRequests(
		[]capability.Set{{capability.KeyBrowserName: "chrome"}},
		capability.Default{},
	)
	if len(matched) != 1 {
		t.Fatalf("matched %d requests, want 1", len(matched))
	}
	time.Sleep(60 * time.Millisecond)

	p.dispatch(context.Background(), matched[0])

	h.mu.Lock()
	created, stopped := len(h.sessions), len(h.stopped)
	h.mu.Unlock()
	if created != 1 {
		t.Fatalf("host created %d sessions, want 1", created)
	}
	if stopped != 1 {
		t.Errorf("orphaned session not torn down, stops = %d", stopped)
	}
}

func TestFreeStereotypesDeduplicated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.reg.Add(newStubHost("n1", 3, capability.Set{capability.KeyBrowserName: "chrome"}))
	f.reg.Add(newStubHost("n2", 2, capability.Set{capability.KeyBrowserName: "firefox"}))

	p := newTestPoller(t, f, queue.New(queue.Options{}), PollerOptions{})
	free := p.freeStereotypes()
	if len(free) != 2 {
		t.Errorf("got %d distinct free stereotypes, want 2: %v", len(free), free)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
