package engine

import (
	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/logger"
)

// RunInfo identifies a run for observers.
type RunInfo struct {
	RunID    string
	Pipeline string
	Keys     []string
}

// Observer receives the lifecycle of every run. Callbacks run on the
// goroutine driving the run and must not block.
type Observer interface {
	OnRunStart(run RunInfo)
	// OnItem is called for every item stage emits.
	OnItem(run RunInfo, stage int, v any)
	// OnEvent receives the item.Event values stages yield; events are not
	// passed downstream.
	OnEvent(run RunInfo, ev item.Event)
	OnRunEnd(run RunInfo, res Result, err error)
}

type multi []Observer

func (m multi) OnRunStart(run RunInfo) {
	for _, o := range m {
		o.OnRunStart(run)
	}
}

func (m multi) OnItem(run RunInfo, stage int, v any) {
	for _, o := range m {
		o.OnItem(run, stage, v)
	}
}

func (m multi) OnEvent(run RunInfo, ev item.Event) {
	for _, o := range m {
		o.OnEvent(run, ev)
	}
}

func (m multi) OnRunEnd(run RunInfo, res Result, err error) {
	for _, o := range m {
		o.OnRunEnd(run, res, err)
	}
}

// LogObserver logs run boundaries and stage events.
type LogObserver struct {
	Logger *zap.SugaredLogger
}

var _ Observer = LogObserver{}

func (o LogObserver) OnRunStart(run RunInfo) {
	logger.OrNop(o.Logger).Infow("Pipeline run started",
		"pipeline", run.Pipeline,
		"run_id", run.RunID,
		"stages", len(run.Keys),
	)
}

func (o LogObserver) OnItem(RunInfo, int, any) {}

func (o LogObserver) OnEvent(run RunInfo, ev item.Event) {
	kv := []any{"pipeline", run.Pipeline, "run_id", run.RunID, "source", ev.Source}
	for k, v := range ev.Metadata {
		kv = append(kv, k, v)
	}
	log := logger.OrNop(o.Logger)
	switch ev.Level {
	case item.LevelDebug:
		log.Debugw(ev.Message, kv...)
	case item.LevelWarn:
		log.Warnw(ev.Message, kv...)
	case item.LevelError:
		log.Errorw(ev.Message, kv...)
	default:
		log.Infow(ev.Message, kv...)
	}
}

func (o LogObserver) OnRunEnd(run RunInfo, res Result, err error) {
	log := logger.OrNop(o.Logger)
	kv := []any{
		"pipeline", run.Pipeline,
		"run_id", run.RunID,
		"duration", res.Duration,
	}
	if n := len(res.Stages); n > 0 {
		kv = append(kv, "produced", res.Stages[0].Out, "emitted", res.Stages[n-1].Out)
	}
	if err != nil {
		log.Errorw("Pipeline run failed", append(kv, "error", err)...)
		return
	}
	log.Infow("Pipeline run finished", kv...)
}
