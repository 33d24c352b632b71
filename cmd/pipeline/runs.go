package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/store"
)

func newRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Manage runs",
		Commands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List runs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "group", Usage: "Only runs in this group"},
					&cli.StringFlag{Name: "protocol", Usage: "Only runs of this protocol"},
					&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
				},
				Action: withRuntime(listRuns),
			},
			{
				Name:      "show",
				Usage:     "Show a run and its steps",
				ArgsUsage: "<run-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
				},
				Action: withRuntime(showRun),
			},
			{
				Name:  "create",
				Usage: "Create a run",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "protocol", Value: "yaml", Usage: "Protocol defining the run's steps"},
					&cli.StringFlag{Name: "name", Required: true, Usage: "Run name, unique per protocol"},
					&cli.StringFlag{Name: "script", Usage: "Protocol input, e.g. the YAML pipeline file"},
					&cli.StringFlag{Name: "comment", Usage: "Free text"},
					&cli.StringFlag{Name: "group", Usage: "Group label"},
				},
				Action: withRuntime(createRun),
			},
			{
				Name:      "copy",
				Usage:     "Copy a run's definition into a new run",
				ArgsUsage: "<run-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Name of the copy (default \"<name> (copy)\")"},
				},
				Action: withRuntime(copyRun),
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete a run and its steps",
				ArgsUsage: "<run-id>",
				Action:    withRuntime(deleteRun),
			},
			{
				Name:      "stop",
				Usage:     "Abort a run and terminate its process",
				ArgsUsage: "<run-id>",
				Action:    withRuntime(stopRun),
			},
		},
	}
}

func listRuns(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	runs, err := rt.sched.ListRuns(ctx, store.RunFilter{
		Group:    cmd.String("group"),
		Protocol: cmd.String("protocol"),
	})
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		if runs == nil {
			runs = []store.Run{}
		}
		return writeJSON(cmd.Root().Writer, runs)
	}

	tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROTOCOL\tNAME\tSTATE\tPROGRESS\tGROUP\tPID")
	for _, r := range runs {
		done, total, err := rt.sched.Progress(ctx, r.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%d\n",
			r.ID, r.Protocol, r.Name, r.State, done, total, r.Group, r.PID)
	}
	return tw.Flush()
}

type stepView struct {
	ID          int64           `json:"id"`
	Command     string          `json:"command"`
	Params      json.RawMessage `json:"params,omitempty"`
	VerifyFiles []string        `json:"verify_files,omitempty"`
	ParentID    int64           `json:"parent_id,omitempty"`
	MainLoop    bool            `json:"main_loop"`
	Iteration   int             `json:"iteration"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func showRun(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	id, err := runIDArg(cmd)
	if err != nil {
		return err
	}
	run, err := rt.sched.GetRun(ctx, id)
	if err != nil {
		return err
	}
	steps, err := rt.sched.Steps(ctx, id)
	if err != nil {
		return err
	}

	views := make([]stepView, 0, len(steps))
	for _, s := range steps {
		files, err := pipeline.DecodeVerifyFiles(s.VerifyFiles)
		if err != nil {
			return err
		}
		views = append(views, stepView{
			ID:          s.ID,
			Command:     s.Command,
			Params:      json.RawMessage(s.Params),
			VerifyFiles: files,
			ParentID:    s.ParentID,
			MainLoop:    s.MainLoop,
			Iteration:   s.Iteration,
			StartedAt:   s.StartedAt,
			FinishedAt:  s.FinishedAt,
		})
	}

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		return writeJSON(out, struct {
			Run   store.Run  `json:"run"`
			Steps []stepView `json:"steps"`
		}{run, views})
	}

	fmt.Fprintf(out, "Run %d: %s (%s)\n", run.ID, run.Name, run.Protocol)
	fmt.Fprintf(out, "State:   %s\n", run.State)
	if run.Script != "" {
		fmt.Fprintf(out, "Script:  %s\n", run.Script)
	}
	if run.Group != "" {
		fmt.Fprintf(out, "Group:   %s\n", run.Group)
	}
	if run.Comment != "" {
		fmt.Fprintf(out, "Comment: %s\n", run.Comment)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTEP\tCOMMAND\tLANE\tPARENT\tSTATUS")
	for _, v := range views {
		lane := "gap"
		if v.MainLoop {
			lane = "main"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", v.ID, v.Command, lane, v.ParentID, stepStatus(v))
	}
	return tw.Flush()
}

func stepStatus(v stepView) string {
	switch {
	case v.FinishedAt != nil:
		return "finished"
	case v.StartedAt != nil:
		return "started"
	default:
		return "pending"
	}
}

func createRun(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	run, err := rt.sched.CreateRun(ctx, pipeline.RunSpec{
		Protocol: cmd.String("protocol"),
		Name:     cmd.String("name"),
		Script:   cmd.String("script"),
		Comment:  cmd.String("comment"),
		Group:    cmd.String("group"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Root().Writer, run.ID)
	return nil
}

func copyRun(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	id, err := runIDArg(cmd)
	if err != nil {
		return err
	}
	run, err := rt.sched.CopyRun(ctx, id, cmd.String("name"))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Root().Writer, run.ID)
	return nil
}

func deleteRun(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	id, err := runIDArg(cmd)
	if err != nil {
		return err
	}
	return rt.sched.DeleteRun(ctx, id)
}

func stopRun(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	id, err := runIDArg(cmd)
	if err != nil {
		return err
	}
	return rt.sched.StopRun(ctx, id)
}

func newProtocolsCommand() *cli.Command {
	return &cli.Command{
		Name:  "protocols",
		Usage: "List protocols and step commands",
		Action: withRuntime(func(_ context.Context, cmd *cli.Command, rt *runtime) error {
			out := cmd.Root().Writer
			fmt.Fprintln(out, "Protocols:")
			for _, name := range rt.sched.Protocols().Names() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out, "Commands:")
			for _, name := range rt.sched.Registry().Commands() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		}),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
