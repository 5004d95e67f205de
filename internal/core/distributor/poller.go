package distributor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/fleet"
	"github.com/openfleet/openfleet/internal/core/queue"
)

const minPollInterval = 10 * time.Millisecond

// PollerOptions tunes the retry loop.
type PollerOptions struct {
	// Interval between drain attempts on the queue. Values below 10ms are
	// clamped so a zero config cannot busy-loop.
	Interval time.Duration
	// Workers bounds concurrent dispatches per tick.
	Workers int
	// RejectUnsupported eagerly fails queued requests no UP node could ever
	// serve, instead of letting them sit until timeout.
	RejectUnsupported bool
	// OrphanGrace bounds the graceful teardown of a session whose caller
	// stopped waiting.
	OrphanGrace time.Duration
}

// Poller drains the request queue against free fleet capacity. Requests that
// fail for transient reasons go back to the front of the queue.
type Poller struct {
	dist  *Distributor
	queue *queue.Queue
	opts  PollerOptions
}

func NewPoller(dist *Distributor, q *queue.Queue, opts PollerOptions) *Poller {
	if opts.Interval < minPollInterval {
		opts.Interval = minPollInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = 10 * time.Second
	}
	return &Poller{dist: dist, queue: q, opts: opts}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	free := p.freeStereotypes()

	if p.opts.RejectUnsupported {
		p.rejectUnsupported()
	}
	if len(free) == 0 {
		return
	}

	matched := p.queue.MatchingRequests(free, p.dist.matcher)
	if len(matched) == 0 {
		return
	}

	sem := make(chan struct{}, p.opts.Workers)
	var wg sync.WaitGroup
	for _, req := range matched {
		req := req
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.dispatch(ctx, req)
		}()
	}
	wg.Wait()
}

// freeStereotypes collects the distinct stereotypes that have at least one
// free slot right now, deduplicated on the canonical capability key.
func (p *Poller) freeStereotypes() []capability.Set {
	seen := make(map[string]struct{})
	var free []capability.Set
	for _, node := range p.dist.registry.AvailableNodes() {
		for _, slot := range node.Slots {
			if slot.Session != nil {
				continue
			}
			key := slot.Stereotype.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			free = append(free, slot.Stereotype)
		}
	}
	return free
}

func (p *Poller) dispatch(ctx context.Context, req *queue.Request) {
	sess, err := p.dist.NewSession(ctx, &SessionRequest{
		RequestID:    req.ID,
		Alternatives: req.Alternatives,
	})

	switch {
	case err == nil:
		if !p.queue.Complete(req.ID, queue.Result{Session: sess}) {
			p.teardownOrphan(sess)
		}
	case fleet.IsRetryable(err):
		if !p.queue.RetryToFront(req) {
			p.queue.Complete(req.ID, queue.Result{Err: err})
		}
	default:
		p.queue.Complete(req.ID, queue.Result{Err: err})
	}
}

// teardownOrphan stops a session whose caller gave up while it was being
// created, so the browser does not leak.
func (p *Poller) teardownOrphan(sess *fleet.Session) {
	log.Info().
		Str("session_id", sess.ID).
		Str("host_uri", sess.HostURI).
		Msg("caller gone, tearing down orphaned session")

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.OrphanGrace)
	defer cancel()
	if err := p.dist.StopSession(ctx, sess.ID); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("orphan teardown failed")
	}
}

// rejectUnsupported fails every queued request that no UP node, busy or
// idle, advertises capacity for. Busy-but-capable requests keep waiting.
func (p *Poller) rejectUnsupported() {
	for _, req := range p.queue.Contents() {
		supported := false
		for _, alt := range req.Alternatives {
			if p.dist.registry.HasCapability(alt, p.dist.matcher) {
				supported = true
				break
			}
		}
		if !supported {
			p.queue.Complete(req.ID, queue.Result{
				Err: fleet.ErrUnsupportedCapabilities,
			})
		}
	}
}
