package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"

	"github.com/dshills/pipeline-go/internal/config"
	"github.com/dshills/pipeline-go/internal/handlers"
	"github.com/dshills/pipeline-go/internal/log"
	"github.com/dshills/pipeline-go/internal/tracing"
	"github.com/dshills/pipeline-go/internal/wake"
	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/emit"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// runtime holds everything a command needs to talk to the store.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	sched    *pipeline.Scheduler
	registry *prometheus.Registry
	closers  []func() error
}

// loadConfig reads the configuration file and environment, then applies the
// global flags that were set.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"db-driver":  &cfg.Store.Driver,
		"db-dsn":     &cfg.Store.DSN,
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
		"log-file":   &cfg.Log.File,
	}
	for name, field := range overrides {
		if cmd.IsSet(name) {
			*field = cmd.String(name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup opens the store and builds a scheduler with the builtin handlers
// and protocols.
func setup(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, logCloser := log.Setup(cfg.Log.Level, cfg.Log.Format, log.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	rt.closers = append(rt.closers, logCloser.Close)

	if err := rt.init(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(ctx context.Context) error {
	cfg := rt.cfg

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	rt.store = st
	rt.closers = append(rt.closers, st.Close)

	reg := pipeline.NewRegistry()
	if err := handlers.RegisterBuiltins(reg); err != nil {
		return err
	}
	protocols := pipeline.NewProtocolRegistry()
	if err := handlers.RegisterProtocols(protocols); err != nil {
		return err
	}

	var emitter emit.Emitter = emit.NewLogEmitter(rt.logger, slog.LevelDebug)
	if cfg.Tracing.Enabled {
		provider, err := tracing.Setup(ctx, tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			return provider.Shutdown(context.WithoutCancel(ctx))
		})
		emitter = emit.MultiEmitter{emitter, emit.NewOTelEmitter(provider.Tracer("pipeline"))}
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(rt.logger),
		pipeline.WithEmitter(emitter),
		pipeline.WithMetrics(pipeline.NewPrometheusMetrics(rt.registry)),
		pipeline.WithProtocols(protocols),
		pipeline.WithPollInterval(cfg.Scheduler.PollInterval),
		pipeline.WithClaimRetry(cfg.ClaimRetry()),
		pipeline.WithSupervisor(pipeline.NewSupervisor(cfg.Scheduler.TerminateGrace, rt.logger)),
	}
	if cfg.Redis.Addr != "" {
		waker, err := wake.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, wake.Options{
			Fallback: cfg.Scheduler.PollInterval,
			Logger:   rt.logger,
		})
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, waker.Close)
		opts = append(opts, pipeline.WithWaker(waker))
	}

	sched, err := pipeline.New(st, reg, opts...)
	if err != nil {
		return err
	}
	rt.sched = sched
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && !errors.Is(err, store.ErrClosed) {
			rt.logger.Error("failed to release resource", "error", err)
		}
	}
}

// withRuntime adapts an action that needs a runtime.
func withRuntime(fn func(ctx context.Context, cmd *cli.Command, rt *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		rt, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, cmd, rt)
	}
}

// runIDArg parses the first positional argument as a run id.
func runIDArg(cmd *cli.Command) (int64, error) {
	if cmd.Args().Len() < 1 {
		return 0, errors.New("missing run id")
	}
	id, err := strconv.ParseInt(cmd.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", cmd.Args().First())
	}
	return id, nil
}
