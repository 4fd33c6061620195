package serve

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/internal/chain"
	"github.com/flarebyte/conduit/internal/config"
	"github.com/flarebyte/conduit/internal/engine"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/logger"
)

// scheduler runs every scheduled pipeline in its own loop. Runs of one
// pipeline never overlap; a registry refresh waits until no chain is being
// built or run.
type scheduler struct {
	log     *zap.SugaredLogger
	builder *chain.Builder
	engine  *engine.Engine
	refresh func(ctx context.Context) error
	jobs    []scheduled

	gate  sync.RWMutex
	stale atomic.Bool
	wg    sync.WaitGroup
}

type scheduled struct {
	pipeline config.Pipeline
	every    time.Duration
}

func newScheduler(env *app.Env, pipelines []config.Pipeline, fallback time.Duration) (*scheduler, error) {
	s := &scheduler{
		log:     logger.OrNop(env.Log),
		builder: env.Builder(),
		refresh: func(ctx context.Context) error {
			_, err := env.Registry.Refresh(ctx)
			return err
		},
	}
	for _, p := range pipelines {
		every := p.Every
		if every <= 0 {
			every = fallback
		}
		if every <= 0 {
			s.log.Warnw("Pipeline has no schedule, skipped", "pipeline", p.Name)
			continue
		}
		s.jobs = append(s.jobs, scheduled{pipeline: p, every: every})
	}
	if len(s.jobs) == 0 {
		return nil, errors.Mark(errors.New("no scheduled pipelines: set every on a pipeline or pass --every"), errors.ErrInvalidConfig)
	}
	return s, nil
}

// markStale requests a registry refresh before the next run.
func (s *scheduler) markStale() {
	s.stale.Store(true)
}

// serve blocks until ctx is done, then waits up to grace for in-flight runs
// to tear down.
func (s *scheduler) serve(ctx context.Context, grace time.Duration) error {
	for _, j := range s.jobs {
		s.log.Infow("Pipeline scheduled", "pipeline", j.pipeline.Name, "every", j.every)
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	<-ctx.Done()
	s.log.Infow("Shutting down", "grace", grace)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return errors.Newf("runs still active after %s", grace)
	}
}

func (s *scheduler) loop(ctx context.Context, j scheduled) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()
	for {
		s.runOnce(ctx, j.pipeline)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *scheduler) runOnce(ctx context.Context, p config.Pipeline) {
	if ctx.Err() != nil {
		return
	}
	s.refreshIfStale(ctx)

	s.gate.RLock()
	defer s.gate.RUnlock()
	c, err := s.builder.Build(p)
	if err != nil {
		s.log.Errorw("Pipeline build failed", "pipeline", p.Name, "error", err)
		return
	}
	// Failures are reported by the observers.
	_, _ = s.engine.Run(ctx, c)
}

func (s *scheduler) refreshIfStale(ctx context.Context) {
	if !s.stale.Load() {
		return
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	if !s.stale.CompareAndSwap(true, false) {
		return
	}
	if err := s.refresh(ctx); err != nil {
		s.log.Errorw("Plugin registry refresh failed", "error", err)
	}
}
