// Package diff provides the change-detection stages. Each tracked ParsedItem
// is compared with the state persisted by the previous runs and classified
// as new, changed or unchanged; ReconcilingDiffer also reports entities that
// disappeared from the batch.
package diff

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/entity"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
	"github.com/flarebyte/conduit/internal/store"
)

// DefaultTolerance is the largest value difference still treated as unchanged.
const DefaultTolerance = 0.001

// Fields added to the content of every diff event.
const (
	FieldChange          = "change"
	FieldOldValue        = "old_value"
	FieldNewValue        = "new_value"
	FieldDelta           = "delta"
	FieldPreviousDate    = "previous_date"
	FieldEventTimestamp  = "event_timestamp"
	FieldRemovalDetected = "removal_detected"
)

// Config holds the kwargs of both diff stages.
type Config struct {
	DBPath        string        `mapstructure:"db_path"`
	Topics        []entity.Spec `mapstructure:"topics"`
	Tolerance     float64       `mapstructure:"tolerance"`
	Passthrough   bool          `mapstructure:"passthrough"`
	AbsentValue   float64       `mapstructure:"absent_value"`
	UpdateState   bool          `mapstructure:"update_state"`
	RecordHistory bool          `mapstructure:"record_history"`
}

// DefaultConfig returns the defaults applied before kwargs are decoded.
func DefaultConfig() Config {
	return Config{
		Tolerance:     DefaultTolerance,
		UpdateState:   true,
		RecordHistory: true,
	}
}

// ParseConfig decodes and validates kwargs.
func ParseConfig(opts stage.Options) (Config, error) {
	if err := opts.Require("db_path", "topics"); err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := opts.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Tolerance < 0 || math.IsNaN(c.Tolerance) {
		return errors.Mark(errors.Newf("tolerance must be >= 0, got %v", c.Tolerance), errors.ErrInvalidConfig)
	}
	if len(c.Topics) == 0 {
		return errors.Mark(errors.New("at least one topic is required"), errors.ErrInvalidConfig)
	}
	for i, t := range c.Topics {
		n, err := t.Normalize()
		if err != nil {
			return errors.Wrapf(err, "topics[%d]", i)
		}
		c.Topics[i] = n
	}
	return nil
}

// Differ is the baseline change-detection stage. It emits at most one diff
// event per entity per run; unchanged items are dropped unless passthrough
// is set, untracked items always pass through.
type Differ struct {
	stage.Passthrough

	cfg    Config
	specs  map[string]entity.Spec
	byKind map[string]entity.Spec
	path   string
	st     store.Store
	owned  bool
	log    *zap.SugaredLogger
}

// New builds a Differ from kwargs. The store is opened by Open.
func New(opts stage.Options, deps stage.Deps) (*Differ, error) {
	cfg, err := ParseConfig(opts)
	if err != nil {
		return nil, err
	}
	d := newDiffer(cfg, deps.Log())
	d.path = deps.Path(cfg.DBPath)
	return d, nil
}

// NewWithStore builds a Differ over an existing store, which the caller
// keeps ownership of.
func NewWithStore(cfg Config, st store.Store, log *zap.SugaredLogger) (*Differ, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := newDiffer(cfg, log)
	d.st = st
	return d, nil
}

func newDiffer(cfg Config, log *zap.SugaredLogger) *Differ {
	d := &Differ{
		cfg:    cfg,
		specs:  make(map[string]entity.Spec, len(cfg.Topics)),
		byKind: make(map[string]entity.Spec, len(cfg.Topics)),
		log:    log,
	}
	if d.log == nil {
		d.log = zap.NewNop().Sugar()
	}
	for _, s := range cfg.Topics {
		d.specs[s.Topic] = s
		if _, ok := d.byKind[s.Kind]; !ok {
			d.byKind[s.Kind] = s
		}
	}
	return d
}

func (d *Differ) Accepts() []item.Kind { return []item.Kind{item.KindParsed, item.KindAny} }
func (d *Differ) Emits() []item.Kind   { return []item.Kind{item.KindParsed} }

// Open connects the store unless one was injected.
func (d *Differ) Open(ctx context.Context) error {
	if d.st != nil {
		return nil
	}
	st, err := store.Open(d.path, d.log)
	if err != nil {
		return errors.Wrapf(err, "open diff store %s", d.path)
	}
	d.st = st
	d.owned = true
	return nil
}

// Close releases a store opened by Open.
func (d *Differ) Close(ctx context.Context) error {
	if !d.owned || d.st == nil {
		return nil
	}
	err := d.st.Close()
	d.st = nil
	d.owned = false
	return err
}

func (d *Differ) Transform(ctx context.Context, in item.Stream) item.Stream {
	return d.stream(ctx, in, false)
}

// ReconcilingDiffer extends Differ with a removal phase: once the upstream
// is drained, every persisted entity of an observed kind that was not seen
// in the batch is reported with its value forced to the absent value.
type ReconcilingDiffer struct {
	Differ
}

// NewReconciling builds a ReconcilingDiffer from kwargs.
func NewReconciling(opts stage.Options, deps stage.Deps) (*ReconcilingDiffer, error) {
	d, err := New(opts, deps)
	if err != nil {
		return nil, err
	}
	return &ReconcilingDiffer{Differ: *d}, nil
}

func (r *ReconcilingDiffer) Transform(ctx context.Context, in item.Stream) item.Stream {
	return r.stream(ctx, in, true)
}

func (d *Differ) stream(ctx context.Context, in item.Stream, reconcile bool) item.Stream {
	return func(yield func(any, error) bool) {
		if d.st == nil {
			yield(nil, errors.New("diff store is not open"))
			return
		}
		b := d.newBatch(ctx)
		for v, err := range in {
			if err != nil {
				yield(nil, err)
				return
			}
			out, err := b.observe(ctx, v)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, o := range out {
				if !yield(o, nil) {
					return
				}
			}
		}
		if reconcile {
			removals, err := b.removals(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, o := range removals {
				if !yield(o, nil) {
					return
				}
			}
		}
		b.report()
	}
}

func asParsed(v any) (item.ParsedItem, bool) {
	switch p := v.(type) {
	case item.ParsedItem:
		return p, true
	case *item.ParsedItem:
		if p != nil {
			return *p, true
		}
	}
	return item.ParsedItem{}, false
}

// timestamp formats event timestamps.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
