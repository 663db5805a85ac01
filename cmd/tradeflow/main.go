package main

import (
	"context"
	"fmt"
	"os"

	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/fatih/color"
	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	app := &app{}
	return &cli.Command{
		Name:                  "tradeflow",
		Usage:                 "Gather, analyze and trade a symbol with human approval for risky orders",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML or TOML config file",
				Sources: cli.EnvVars("TRADEFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "Checkpoint store (memory, file, postgres, redis)",
			},
			&cli.StringFlag{
				Name:  "storage-path",
				Usage: "Directory of the file checkpoint store",
			},
			&cli.StringFlag{
				Name:  "records",
				Usage: "Directory to write tool call records to",
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write tool call metrics in Prometheus text format to this file on exit",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print results as JSON",
			},
		},
		Before: app.setup,
		After:  app.close,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run the pipeline for a symbol",
				ArgsUsage: "SYMBOL",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "pattern",
						Aliases: []string{"p"},
						Usage:   "DATA_ONLY, DATA_ANALYSIS or FULL_WORKFLOW",
						Value:   "FULL_WORKFLOW",
					},
					&cli.FloatFlag{
						Name:  "budget",
						Usage: "Capital available for the order",
					},
					&cli.StringFlag{
						Name:  "run-id",
						Usage: "Run id to use instead of a generated one",
					},
				},
				Action: app.run,
			},
			{
				Name:   "pending",
				Usage:  "List approval requests waiting for a response",
				Action: app.pending,
			},
			{
				Name:      "approve",
				Usage:     "Approve a pending order",
				ArgsUsage: "REQUEST_ID",
				Flags:     responseFlags(),
				Action:    app.respond(risk.Approve),
			},
			{
				Name:      "reject",
				Usage:     "Reject a pending order and cancel its run",
				ArgsUsage: "REQUEST_ID",
				Flags:     responseFlags(),
				Action:    app.respond(risk.Reject),
			},
			{
				Name:      "modify",
				Usage:     "Approve a pending order with a different quantity or price",
				ArgsUsage: "REQUEST_ID",
				Flags: append(responseFlags(),
					&cli.FloatFlag{
						Name:     "quantity",
						Usage:    "New order quantity",
						Required: true,
					},
					&cli.FloatFlag{
						Name:  "price",
						Usage: "New limit price (defaults to the proposed price)",
					},
				),
				Action: app.respond(risk.Modify),
			},
			{
				Name:   "runs",
				Usage:  "List stored runs",
				Action: app.runs,
			},
			{
				Name:      "inspect",
				Usage:     "Show the latest checkpoint of a run",
				ArgsUsage: "RUN_ID",
				Action:    app.inspect,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a run",
				ArgsUsage: "RUN_ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Why the run is cancelled", Value: "cancelled by operator"},
				},
				Action: app.cancel,
			},
		},
	}
}

func responseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "actor",
			Usage:   "Who is answering",
			Sources: cli.EnvVars("USER"),
		},
		&cli.StringFlag{
			Name:  "comment",
			Usage: "Note stored with the response",
		},
	}
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	if cmd.NArg() != 1 {
		return "", fmt.Errorf("%s requires exactly one %s argument", cmd.Name, name)
	}
	return cmd.Args().First(), nil
}
