package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/fleet"
)

func chrome() []capability.Set {
	return []capability.Set{{capability.KeyBrowserName: "chrome"}}
}

func waitForLen(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached length %d, at %d", n, q.Len())
}

func TestAddBlocksUntilCompleted(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 5 * time.Second})

	done := make(chan Result, 1)
	go func() {
		res, _ := q.Add(context.Background(), chrome())
		done <- res
	}()
	waitForLen(t, q, 1)

	req := q.Contents()[0]
	sess := &fleet.Session{ID: "sess-1", HostURI: "http://n1:5555"}
	if !q.Complete(req.ID, Result{Session: sess}) {
		t.Fatal("Complete returned false for a waiting caller")
	}

	select {
	case res := <-done:
		if res.Session == nil || res.Session.ID != "sess-1" {
			t.Errorf("caller got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("caller never unblocked")
	}
	if q.Len() != 0 {
		t.Errorf("completed request still queued, len = %d", q.Len())
	}
}

func TestAddTimesOut(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 20 * time.Millisecond})

	_, err := q.Add(context.Background(), chrome())
	if !errors.Is(err, ErrRequestTimedOut) {
		t.Errorf("got %v, want ErrRequestTimedOut", err)
	}
	if q.Len() != 0 {
		t.Errorf("timed-out request still queued")
	}
}

func TestAddHonorsContext(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Add(ctx, chrome())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestAddRejectsEmptyAlternatives(t *testing.T) {
	t.Parallel()

	q := New(Options{})
	if _, err := q.Add(context.Background(), nil); err == nil {
		t.Error("expected an error for empty alternatives")
	}
}

func TestAddRespectsMaxSize(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 5 * time.Second, MaxSize: 1})

	go q.Add(context.Background(), chrome())
	waitForLen(t, q, 1)

	_, err := q.Add(context.Background(), chrome())
	if !fleet.IsRetryable(err) {
		t.Errorf("queue-full should be retryable, got %v", err)
	}
}

func TestCompleteUnknownRequest(t *testing.T) {
	t.Parallel()

	q := New(Options{})
	if q.Complete("ghost", Result{}) {
		t.Error("Complete returned true for an unknown request")
	}
}

func TestCompleteAfterCallerGone(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 20 * time.Millisecond})

	errs := make(chan error, 1)
	go func() {
		_, err := q.Add(context.Background(), chrome())
		errs <- err
	}()
	waitForLen(t, q, 1)
	req := q.Contents()[0]

	<-errs // caller timed out

	if q.Complete(req.ID, Result{Session: &fleet.Session{ID: "late"}}) {
		t.Error("Complete returned true after the caller gave up")
	}
}

func TestRetryToFrontPreservesOrder(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 5 * time.Second})

	for i := 0; i < 2; i++ {
		go q.Add(context.Background(), chrome())
	}
	waitForLen(t, q, 2)

	matched := q.MatchingRequests(chrome(), capability.Default{})
	if len(matched) != 2 {
		t.Fatalf("matched %d, want 2", len(matched))
	}

	if !q.RetryToFront(matched[1]) {
		t.Fatal("RetryToFront refused a live request")
	}
	if !q.RetryToFront(matched[0]) {
		t.Fatal("RetryToFront refused a live request")
	}

	contents := q.Contents()
	if contents[0].ID != matched[0].ID {
		t.Errorf("last retried request not at the front")
	}
}

func TestRetryToFrontRefusesExpired(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 20 * time.Millisecond})

	go q.Add(context.Background(), chrome())
	waitForLen(t, q, 1)

	matched := q.MatchingRequests(chrome(), capability.Default{})
	if len(matched) != 1 {
		t.Fatalf("matched %d, want 1", len(matched))
	}
	time.Sleep(40 * time.Millisecond)

	if q.RetryToFront(matched[0]) {
		t.Error("RetryToFront accepted an expired request")
	}
}

func TestMatchingRequestsFiltersOnStereotype(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 5 * time.Second})

	go q.Add(context.Background(), chrome())
	go q.Add(context.Background(), []capability.Set{{capability.KeyBrowserName: "firefox"}})
	waitForLen(t, q, 2)

	matched := q.MatchingRequests(chrome(), capability.Default{})
	if len(matched) != 1 {
		t.Fatalf("matched %d requests, want 1", len(matched))
	}
	if got := matched[0].Alternatives[0].BrowserName(); got != "chrome" {
		t.Errorf("matched browser %q, want chrome", got)
	}
	if q.Len() != 1 {
		t.Errorf("unmatched request removed from queue, len = %d", q.Len())
	}
}

func TestSweepCompletesExpired(t *testing.T) {
	t.Parallel()

	q := New(Options{RequestTimeout: 20 * time.Millisecond})
	clock := time.Now()
	q.now = func() time.Time { return clock }

	go q.Add(context.Background(), chrome())
	waitForLen(t, q, 1)

	clock = clock.Add(time.Minute)
	q.sweep()

	if q.Len() != 0 {
		t.Errorf("expired request survived the sweep, len = %d", q.Len())
	}
}
