package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/openfleet/openfleet/internal/config"
	"github.com/openfleet/openfleet/internal/core/capability"
	"github.com/openfleet/openfleet/internal/core/distributor"
	"github.com/openfleet/openfleet/internal/core/event"
	"github.com/openfleet/openfleet/internal/core/fleet"
	"github.com/openfleet/openfleet/internal/core/queue"
	"github.com/openfleet/openfleet/internal/core/registry"
	"github.com/openfleet/openfleet/internal/core/sessionindex"
)

func controllerCmd() *cli.Command {
	return &cli.Command{
		Name:  "controller",
		Usage: "Run the fleet controller (scheduler + embedded local node)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runController(ctx, cfg)
		},
	}
}

func runController(ctx context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	matcher := capability.Default{}
	model := fleet.NewMemoryModel(cfg.Controller.NodeStaleness)

	index := sessionindex.New()
	index.Listen(bus)
	defer index.Close()

	reg := registry.New(model, bus, registry.Options{
		HealthCheckInterval: cfg.Controller.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Controller.HealthCheckTimeout,
		PurgeInterval:       cfg.Controller.PurgeInterval,
	})
	defer reg.Close()

	q := queue.New(queue.Options{
		RequestTimeout: cfg.Controller.SessionRequestTimeout,
		MaxSize:        cfg.Controller.QueueMaxSize,
	})

	dist := distributor.New(model, reg, index, matcher, distributor.GreedySelector{}, bus)
	poller := distributor.NewPoller(dist, q, distributor.PollerOptions{
		Interval:          cfg.Controller.RetryInterval,
		Workers:           cfg.Controller.NewSessionThreads,
		RejectUnsupported: cfg.Controller.RejectUnsupported,
	})

	// The controller embeds one local node when slots are configured; a
	// node-only deployment uses the node command instead.
	if len(cfg.Node.Slots) > 0 {
		localHost, err := buildLocalHost(bus, matcher, cfg.Node)
		if err != nil {
			return fmt.Errorf("build local node: %w", err)
		}
		reg.Add(localHost)
		go localHost.Run(ctx)
	}

	go reg.Run(ctx)
	go q.Run(ctx)
	go poller.Run(ctx)

	log.Info().
		Int("nodes", len(reg.UpNodes())).
		Msg("controller started")

	<-ctx.Done()
	log.Info().Msg("controller shutting down")
	return nil
}
