package run

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/internal/chain"
	"github.com/flarebyte/conduit/internal/config"
	"github.com/flarebyte/conduit/internal/engine"
)

type options struct {
	failOnChange bool
	progress     bool
	interval     time.Duration
}

// NewCmd creates the `conduit run` command.
func NewCmd(global *app.Options) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "run [PIPELINE...]",
		Short: "Run pipelines once (default: every enabled pipeline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return execute(ctx, cmd, global, o, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().BoolVar(&o.failOnChange, "fail-on-change", false, "Exit with code 2 when diff events were emitted")
	cmd.Flags().BoolVar(&o.progress, "progress", false, "Print per-stage counters to stderr while running")
	cmd.Flags().DurationVar(&o.interval, "progress-interval", 500*time.Millisecond, "Interval between progress lines")
	cmd.Flags().Int("parallel", 0, "Pipelines run concurrently (default from settings: run.max_parallel)")
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

	drift := newDriftObserver()
	observers := []engine.Observer{engine.LogObserver{Logger: env.Log}, drift}
	if o.progress {
		p := newProgressReporter(cmd.ErrOrStderr(), o.interval)
		observers = append(observers, p)
		p.start()
		defer p.stop()
	}
	eng := engine.New(env.Log, observers...)

	outcomes := eng.RunAll(ctx, jobs(env, pipelines), env.Settings.Run.MaxParallel)

	if err := writeSummaries(cmd.OutOrStdout(), outcomes, drift); err != nil {
		return err
	}
	return evaluateRunExit(outcomes, drift.total(), o.failOnChange)
}

func jobs(env *app.Env, pipelines []config.Pipeline) []engine.Job {
	b := env.Builder()
	out := make([]engine.Job, len(pipelines))
	for i, p := range pipelines {
		out[i] = engine.Job{
			Pipeline: p.Name,
			Build:    func() (*chain.Chain, error) { return b.Build(p) },
		}
	}
	return out
}

type summary struct {
	Pipeline   string              `json:"pipeline"`
	RunID      string              `json:"run_id,omitempty"`
	OK         bool                `json:"ok"`
	DurationMs int64               `json:"duration_ms"`
	Changes    int                 `json:"changes"`
	Stages     []engine.StageStats `json:"stages,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// writeSummaries prints one JSON line per pipeline, in document order.
func writeSummaries(w io.Writer, outcomes []engine.Outcome, drift *driftObserver) error {
	enc := json.NewEncoder(w)
	for _, o := range outcomes {
		s := summary{
			Pipeline:   o.Pipeline,
			RunID:      o.Result.RunID,
			OK:         o.Err == nil,
			DurationMs: o.Result.Duration.Milliseconds(),
			Changes:    drift.changes(o.Result.RunID),
			Stages:     o.Result.Stages,
		}
		if o.Err != nil {
			s.Error = o.Err.Error()
		}
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}
