package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"

	"github.com/dshills/pipeline-go/internal/api"
	"github.com/dshills/pipeline-go/pipeline"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Define and execute a run",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "restart", Usage: "Discard recorded steps and execute everything again"},
			&cli.IntFlag{Name: "threads", Value: -1, Usage: "Gap workers beside the main loop (default from config)"},
			&cli.BoolFlag{Name: "background", Usage: "Execute in a detached process and return immediately"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address while running"},
		},
		Action: withRuntime(runRun),
	}
}

func runRun(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	id, err := runIDArg(cmd)
	if err != nil {
		return err
	}

	threads := int(cmd.Int("threads"))
	if threads < 0 {
		threads = rt.cfg.Scheduler.Threads
	}
	mode := pipeline.ModeResume
	if cmd.Bool("restart") {
		mode = pipeline.ModeRestart
	}

	if cmd.Bool("background") {
		runArgs := []string{"--threads", strconv.Itoa(threads)}
		if mode == pipeline.ModeRestart {
			runArgs = append(runArgs, "--restart")
		}
		q := &pipeline.ExecQueue{Args: globalArgs(cmd), RunArgs: runArgs}
		if err := rt.sched.Enqueue(ctx, id, q); err != nil {
			return err
		}
		run, err := rt.sched.GetRun(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.Root().Writer, "run %d launched in process %d\n", run.ID, run.PID)
		return nil
	}

	addr := cmd.String("metrics-addr")
	if addr == "" {
		addr = rt.cfg.HTTP.MetricsAddr
	}
	if addr != "" {
		srv := serveMetrics(rt, addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = rt.sched.Launch(ctx, id, pipeline.LaunchOptions{Mode: mode, Threads: threads})
	if err != nil {
		return err
	}
	done, total, err := rt.sched.Progress(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "run %d finished: %d/%d steps\n", id, done, total)
	return nil
}

// serveMetrics exposes the runtime's metric registry until the returned
// server is shut down.
func serveMetrics(rt *runtime, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	rt.logger.Info("serving metrics", "addr", addr)
	return srv
}

func newStepsRunnerCommand() *cli.Command {
	return &cli.Command{
		Name:      "steps-runner",
		Usage:     "Execute gap steps of a started run from another process or host",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "worker-id", Usage: "Worker id (auto-generated if not provided)"},
			&cli.IntFlag{Name: "threads", Value: 1, Usage: "Workers in this process"},
		},
		Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			id, err := runIDArg(cmd)
			if err != nil {
				return err
			}
			threads := int(cmd.Int("threads"))
			if threads < 1 {
				return errors.New("--threads must be at least 1")
			}
			if threads == 1 {
				return rt.sched.NewGapWorker(id, cmd.String("worker-id")).Run(ctx)
			}
			return rt.sched.RunGapWorkers(ctx, id, threads)
		}),
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default from config)"},
		},
		Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			addr := cmd.String("addr")
			if addr == "" {
				addr = rt.cfg.HTTP.Addr
			}

			h := api.NewHandlers(rt.sched, api.Options{
				Queue:    &pipeline.ExecQueue{Args: globalArgs(cmd), Output: os.Stderr},
				Gatherer: rt.registry,
				Logger:   rt.logger,
			})
			app := api.NewApp(h)

			errCh := make(chan error, 1)
			go func() { errCh <- app.Listen(addr) }()
			rt.logger.InfoContext(ctx, "serving API", "addr", addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return app.ShutdownWithContext(shutdownCtx)
			}
		}),
	}
}
