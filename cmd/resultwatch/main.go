package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/urfave/cli/v3"

	"resultwatch/internal/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func build() string {
	v, c := version, commit
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c = s.Value
				}
			}
		}
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return fmt.Sprintf("%s (%s)", v, c)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	flags := &Flags{}
	app := &cli.Command{
		Name:      "resultwatch",
		Usage:     "Email new athletic.net results to a subscriber",
		UsageText: "resultwatch [global options] command [command options]",
		Description: `resultwatch fetches the results of the watched athletes, compares them with
the stored state and emails every new or changed result exactly once per change.

Run 'resultwatch init' once to seed the state without sending anything, then
either call 'resultwatch check' from a scheduler or run 'resultwatch serve'.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a JSON or YAML config file (optional)",
				Sources:     cli.EnvVars("RESULTWATCH_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (trace, debug, info, warn, error)",
				Sources:     cli.EnvVars("RESULTWATCH_LOG_LEVEL"),
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "dotenv file loaded before reading the environment",
				Sources:     cli.EnvVars("RESULTWATCH_ENV_FILE"),
				Value:       ".env",
				Destination: &flags.EnvFile,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := config.LoadDotEnv(flags.EnvFile); err != nil {
				return ctx, fmt.Errorf("load %s: %w", flags.EnvFile, err)
			}
			return ctx, nil
		},
	}

	app = NewCheckCmd(flags).Register(app)
	app = NewInitCmd(flags).Register(app)
	app = NewServeCmd(flags).Register(app)
	app = NewStateCmd(flags).Register(app)
	app = NewTestEmailCmd(flags).Register(app)

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		code := 1
		if ec, ok := err.(cli.ExitCoder); ok {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}
