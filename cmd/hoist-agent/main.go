// Package main provides the Hoist agent: a worker process that registers
// with the server, polls for assignments and executes job steps.
package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/hoistci/hoist/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "hoist-agent",
		EnableShellCompletion: true,
		Usage:                 "Start an execution agent for a Hoist server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Base URL of the Hoist server",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("HOIST_SERVER_URL"),
			},
			&cli.StringSliceFlag{
				Name:     "label",
				Aliases:  []string{"l"},
				Usage:    "Capability labels to register with (repeatable)",
				Required: true,
				Sources:  cli.EnvVars("HOIST_LABELS"),
			},
			&cli.DurationFlag{
				Name:    "lease-duration",
				Usage:   "Requested lease duration",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("HOIST_LEASE_DURATION"),
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Usage:   "Interval between lease renewals",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("HOIST_HEARTBEAT_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Interval between assignment polls while idle",
				Value:   2 * time.Second,
				Sources: cli.EnvVars("HOIST_POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "workdir",
				Usage:   "Working directory for step execution",
				Value:   ".",
				Sources: cli.EnvVars("HOIST_WORKDIR"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("hoist-agent")

			agent := NewAgent(logger, Config{
				ServerURL:         command.String("server-url"),
				Labels:            command.StringSlice("label"),
				LeaseDuration:     command.Duration("lease-duration"),
				HeartbeatInterval: command.Duration("heartbeat-interval"),
				PollInterval:      command.Duration("poll-interval"),
				WorkDir:           command.String("workdir"),
			})

			return agent.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
