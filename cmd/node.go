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
	"github.com/openfleet/openfleet/internal/core/driver"
	"github.com/openfleet/openfleet/internal/core/event"
	"github.com/openfleet/openfleet/internal/core/host"
)

func nodeCmd() *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "Run a standalone execution node",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runNode(ctx, cfg)
		},
	}
}

func runNode(ctx context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if len(cfg.Node.Slots) == 0 {
		return fmt.Errorf("node has no slots configured")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Heartbeats go to the in-process bus; a remote registration feed would
	// subscribe here and forward them to the controller.
	bus := event.NewBus()

	localHost, err := buildLocalHost(bus, capability.Default{}, cfg.Node)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	log.Info().
		Str("node_id", string(localHost.ID())).
		Str("node_uri", localHost.ExternalURI()).
		Int("slots", len(cfg.Node.Slots)).
		Msg("node started")

	localHost.Run(ctx)
	return nil
}

// buildLocalHost expands the configured slot entries into concrete slots
// backed by driver-process factories.
func buildLocalHost(bus event.Bus, matcher capability.Matcher, cfg config.NodeConfig) (*host.LocalHost, error) {
	var slots []host.SlotConfig
	for _, sc := range cfg.Slots {
		factory, err := driver.NewFactory(driver.Config{
			Binary:     sc.Driver.Binary,
			Args:       sc.Driver.Args,
			ReadyGrace: sc.Driver.ReadyGrace,
			BaseURI:    sc.Driver.BaseURI,
		})
		if err != nil {
			return nil, err
		}
		for i := 0; i < sc.Count; i++ {
			slots = append(slots, host.SlotConfig{
				Stereotype: capability.Set(sc.Stereotype),
				Factory:    factory,
			})
		}
	}

	return host.NewLocalHost(bus, matcher, host.Options{
		URI:                cfg.URI,
		MaxSessions:        cfg.MaxSessions,
		SessionTimeout:     cfg.SessionTimeout,
		HeartbeatPeriod:    cfg.HeartbeatPeriod,
		DrainAfterSessions: cfg.DrainAfterSessions,
		ManagedDownloads:   cfg.ManagedDownloads,
		ScratchDir:         cfg.ScratchDir,
		Version:            version,
	}, slots)
}
