package cmd

import (
	"github.com/urfave/cli/v3"
)

var version = "dev"

func App() *cli.Command {
	return &cli.Command{
		Name:    "openfleet",
		Version: version,
		Usage:   "Browser automation fleet manager. Schedule sessions across a fleet of driver nodes.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("OPENFLEET_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("OPENFLEET_LOGGING_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			controllerCmd(),
			nodeCmd(),
		},
	}
}
