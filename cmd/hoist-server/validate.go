package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	cli "github.com/urfave/cli/v3"

	"github.com/hoistci/hoist/pkg/compiler"
	"github.com/hoistci/hoist/pkg/log"
)

// NewValidateCommand compiles pipeline documents without starting the
// server, reporting graph and schema problems.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate pipeline documents",
		ArgsUsage: "FILE [FILE...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("validate")

			files := command.Args().Slice()
			if len(files) == 0 {
				return fmt.Errorf("no pipeline files given")
			}

			pipelineCompiler := compiler.New(logger)
			failed := 0

			for _, file := range files {
				source, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}

				pipeline, err := pipelineCompiler.CompilePipeline(source)
				if err != nil {
					fmt.Printf("%s: INVALID\n  %v\n", file, err)

					failed++

					continue
				}

				jobs := make([]string, 0, len(pipeline.Jobs))
				for _, job := range pipeline.Jobs {
					jobs = append(jobs, job.ID)
				}

				slices.Sort(jobs)
				fmt.Printf("%s: OK (%d jobs: %v)\n", file, len(jobs), jobs)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d pipelines invalid", failed, len(files))
			}

			return nil
		},
	}
}
