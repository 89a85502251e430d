package main

import (
	"fmt"
	"strconv"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/hoistci/hoist/pkg/scheduler"
)

// parseSchedulerConfig builds admission control config from the
// --max-running and --max-running-per-label flags.
func parseSchedulerConfig(command *cli.Command) (scheduler.Config, error) {
	config := scheduler.Config{
		DefaultMaxRunning:  command.Int("max-running"),
		MaxRunningPerLabel: make(map[string]int),
	}

	for _, pair := range command.StringSlice("max-running-per-label") {
		label, limitStr, found := strings.Cut(pair, "=")
		if !found || label == "" {
			return scheduler.Config{}, fmt.Errorf("invalid label cap %q, expected label=limit", pair)
		}

		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return scheduler.Config{}, fmt.Errorf("invalid label cap %q, expected label=limit", pair)
		}

		config.MaxRunningPerLabel[label] = limit
	}

	return config, nil
}
