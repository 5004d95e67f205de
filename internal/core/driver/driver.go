// Package driver starts and supervises one browser driver process per
// session. It is the concrete session factory the node binaries wire into
// their slots.
package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/host"
)

// Config describes the driver binary behind one stereotype.
type Config struct {
	// Binary is the driver executable, e.g. chromedriver.
	Binary string
	// Args are passed to every launch.
	Args []string
	// ReadyGrace is how long a fresh process gets before it is considered
	// started. Drivers without a probe endpoint are given this fixed grace.
	ReadyGrace time.Duration
	// BaseURI is the address sessions report for routing.
	BaseURI string
}

// Factory launches a driver process per session.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("driver binary not configured")
	}
	if cfg.ReadyGrace <= 0 {
		cfg.ReadyGrace = 2 * time.Second
	}
	return &Factory{cfg: cfg}, nil
}

// Supports vetoes nothing beyond what the stereotype match already decided;
// a single driver binary serves every capability its stereotype advertises.
func (f *Factory) Supports(capability.Set) bool { return true }

func (f *Factory) Create(ctx context.Context, req host.NewSessionRequest) (host.ActiveSession, error) {
	// A dedicated context keeps the driver alive past the request: the
	// session's own Stop path handles shutdown.
	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, f.cfg.Binary, f.cfg.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Info().
		Str("bin", f.cfg.Binary).
		Str("request_id", req.RequestID).
		Msg("starting driver process")

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", f.cfg.Binary, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		cancel()
		return nil, fmt.Errorf("%s exited during startup: %w", f.cfg.Binary, err)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		cancel()
		return nil, ctx.Err()
	case <-time.After(f.cfg.ReadyGrace):
	}

	return &processSession{
		id:        uuid.NewString(),
		uri:       f.cfg.BaseURI,
		caps:      req.Capabilities.Clone(),
		startedAt: time.Now(),
		cmd:       cmd,
		cancel:    cancel,
		exited:    exited,
	}, nil
}

// processSession is a live session backed by one driver process.
type processSession struct {
	id        string
	uri       string
	caps      capability.Set
	startedAt time.Time

	cmd    *exec.Cmd
	cancel context.CancelFunc
	exited chan error
}

func (s *processSession) ID() string                   { return s.id }
func (s *processSession) URI() string                  { return s.uri }
func (s *processSession) Capabilities() capability.Set { return s.caps }
func (s *processSession) StartedAt() time.Time         { return s.startedAt }

// Terminate sends SIGTERM and waits for the process to exit within ctx.
func (s *processSession) Terminate(ctx context.Context) error {
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		if strings.Contains(err.Error(), "already finished") {
			return nil
		}
		return fmt.Errorf("signal driver: %w", err)
	}

	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("driver did not exit in time: %w", ctx.Err())
	}
}

// Kill stops the process immediately and reaps it.
func (s *processSession) Kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cancel()
	select {
	case <-s.exited:
	case <-time.After(time.Second):
	}
}
