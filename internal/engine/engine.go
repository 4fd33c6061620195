// Package engine drives built chains.
//
// A run composes the stages lazily: stage k transforms the stream produced
// by stage k-1, the first stage receives a single item.Seed, and the engine
// pulls the last stream until it is exhausted. Nothing is buffered between
// stages, so a slow consumer throttles its producers. Resource stages are
// opened in chain order before the first pull and closed in reverse order
// on every exit path, cancellation and panics included.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/chain"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/logger"
	"github.com/flarebyte/conduit/internal/stage"
)

// StageStats counts the items a stage received and emitted in one run.
type StageStats struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
	In    int    `json:"in"`
	Out   int    `json:"out"`
}

// Result describes a finished run, successful or not.
type Result struct {
	RunID    string        `json:"run_id"`
	Pipeline string        `json:"pipeline"`
	Stages   []StageStats  `json:"stages"`
	Duration time.Duration `json:"duration"`
}

// Engine runs chains. It is safe for concurrent use; each Run owns its chain.
type Engine struct {
	log       *zap.SugaredLogger
	observers multi
	newRunID  func() string
}

// New creates an engine reporting to the given observers.
func New(log *zap.SugaredLogger, observers ...Observer) *Engine {
	return &Engine{
		log:       logger.OrNop(log),
		observers: multi(observers),
		newRunID:  uuid.NewString,
	}
}

type run struct {
	info RunInfo
	t    tracker
	err  error
}

func (r *run) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Run drives c to completion. A chain is single use: its stages carry the
// state of this run. The returned error is a *StageError for stage
// failures, or the context error when ctx was cancelled.
func (e *Engine) Run(ctx context.Context, c *chain.Chain) (res Result, err error) {
	r := &run{info: RunInfo{RunID: e.newRunID(), Pipeline: c.Pipeline, Keys: c.Keys()}}
	r.t.stats = make([]StageStats, len(c.Links))
	for i, l := range c.Links {
		r.t.stats[i] = StageStats{Index: i, Key: l.Key}
	}
	ctx = stage.WithRunID(ctx, r.info.RunID)
	log := e.log.With("pipeline", c.Pipeline, "run_id", r.info.RunID)
	start := time.Now()
	e.observers.OnRunStart(r.info)

	defer func() {
		err = errors.CombineErrors(err, e.teardown(ctx, r, c))
		res = Result{
			RunID:    r.info.RunID,
			Pipeline: c.Pipeline,
			Stages:   r.t.stats,
			Duration: time.Since(start),
		}
		e.observers.OnRunEnd(r.info, res, err)
	}()
	defer func() {
		if p := recover(); p != nil {
			err = e.panicked(r, c, p)
			log.Errorw("Stage panicked", "stage_index", r.t.current, "panic", p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return res, err
	}

	for i, l := range c.Links {
		rs, ok := l.Stage.(stage.Resource)
		if !ok {
			continue
		}
		r.t.current = i
		if err := rs.Open(ctx); err != nil {
			return res, &StageError{Pipeline: c.Pipeline, Index: i, Key: l.Key, Item: -1, Err: errors.Wrap(err, "open")}
		}
	}

	var s item.Stream = item.SeedStream()
	if len(c.Links) > 0 {
		r.t.stats[0].In = 1
	}
	for i, l := range c.Links {
		r.t.current = i
		s = e.guard(ctx, r, i, l, l.Stage.Transform(ctx, s))
	}
	for _, serr := range s {
		if serr != nil {
			r.fail(serr)
			break
		}
	}
	r.t.current = len(c.Links)

	if r.err != nil {
		return res, r.err
	}
	return res, ctx.Err()
}

// teardown closes every resource stage in reverse order, including those
// never opened because an earlier open failed or ctx was already done.
// Closing ignores the cancellation of ctx.
func (e *Engine) teardown(ctx context.Context, r *run, c *chain.Chain) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for i := len(c.Links) - 1; i >= 0; i-- {
		l := c.Links[i]
		rs, ok := l.Stage.(stage.Resource)
		if !ok {
			continue
		}
		if cerr := safeClose(ctx, rs); cerr != nil {
			e.log.Warnw("Closing stage failed", "pipeline", r.info.Pipeline, "stage_index", i, "stage", l.Key, "error", cerr)
			err = errors.CombineErrors(err, &StageError{
				Pipeline: r.info.Pipeline,
				Index:    i,
				Key:      l.Key,
				Item:     -1,
				Err:      errors.Wrap(cerr, "close"),
			})
		}
	}
	return err
}

func safeClose(ctx context.Context, rs stage.Resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("panic: %v", p)
		}
	}()
	return rs.Close(ctx)
}

func (e *Engine) panicked(r *run, c *chain.Chain, p any) error {
	idx := r.t.current
	perr := errors.Newf("panic: %v", p)
	if idx < 0 || idx >= len(c.Links) {
		return errors.Wrapf(perr, "pipeline %s", c.Pipeline)
	}
	return &StageError{
		Pipeline: c.Pipeline,
		Index:    idx,
		Key:      c.Links[idx].Key,
		Item:     r.lastReceived(idx),
		Err:      perr,
	}
}
