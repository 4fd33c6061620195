// Package serve implements `conduit serve`, which runs pipelines on their
// `every` interval until interrupted.
package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/internal/engine"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/metrics"
)

type options struct {
	watchPlugins bool
	every        time.Duration
}

// NewCmd creates the `conduit serve` command.
func NewCmd(global *app.Options) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "serve [PIPELINE...]",
		Short: "Run pipelines on their schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return execute(ctx, cmd, global, o, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().BoolVar(&o.watchPlugins, "watch-plugins", false, "Refresh the registry between runs when plugin files change")
	cmd.Flags().DurationVar(&o.every, "every", 0, "Interval for pipelines that declare none (default: skip them)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().Duration("shutdown-grace", 0, "Time allowed for in-flight runs after a signal (default from settings: 10s)")
	return cmd
}

func execute(ctx context.Context, cmd *cobra.Command, global *app.Options, o options, names []string) error {
	env, err := app.Setup(ctx, cmd, global, true)
	if err != nil {
		return err
	}
	pipelines, err := env.Doc.Select(names...)
	if err != nil {
		return app.ConfigError(err)
	}
	sched, err := newScheduler(env, pipelines, o.every)
	if err != nil {
		return app.ConfigError(err)
	}

	collector := metrics.New()
	sched.engine = engine.New(env.Log, engine.LogObserver{Logger: env.Log}, collector)

	if addr := env.Settings.Serve.MetricsAddr; addr != "" {
		srv := metricsServer(addr, collector)
		go func() {
			env.Log.Infow("Metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.Log.Errorw("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if o.watchPlugins && env.Registry.Root() != "" {
		go func() {
			if err := env.Registry.Watch(ctx, sched.markStale); err != nil {
				env.Log.Warnw("Plugin watch stopped", "error", err)
			}
		}()
	}

	return sched.serve(ctx, env.Settings.Serve.ShutdownGrace)
}

func metricsServer(addr string, c *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}
