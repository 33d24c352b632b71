package main

import (
	"io"

	cli "github.com/urfave/cli/v3"
)

// newApp builds the command tree. out receives command output.
func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:                  "pipeline",
		Usage:                 "Define, execute and inspect resumable protocol runs",
		EnableShellCompletion: true,
		Writer:                out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("PIPELINE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "db-driver",
				Usage: "Store driver (sqlite, mysql, postgres, memory)",
			},
			&cli.StringFlag{
				Name:  "db-dsn",
				Usage: "Store DSN, or the database path for sqlite",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write logs to this rotating file",
			},
		},
		Commands: []*cli.Command{
			newRunsCommand(),
			newRunCommand(),
			newStepsRunnerCommand(),
			newServeCommand(),
			newProtocolsCommand(),
		},
	}
}

// globalArgs returns the global flags that were set explicitly, so a child
// process started for a run sees the same configuration.
func globalArgs(cmd *cli.Command) []string {
	var args []string
	for _, name := range []string{"config", "db-driver", "db-dsn", "log-level", "log-format", "log-file"} {
		if cmd.IsSet(name) {
			args = append(args, "--"+name, cmd.String(name))
		}
	}
	return args
}
