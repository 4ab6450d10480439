package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livereview/lrmaint/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "lrmaint",
		Usage:   "Database partition maintenance and diff position tracing for LiveReview",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			cmd.ConfigCommand(),
			cmd.PartitionsCommand(),
			cmd.TraceCommand(),
			cmd.WorkerCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
