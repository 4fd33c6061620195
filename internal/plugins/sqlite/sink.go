// Package sqlite provides DatabaseSink, a terminal stage that writes tracked
// topics and their diff events to the entity store.
package sqlite

import (
	"context"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/diff"
	"github.com/flarebyte/conduit/internal/entity"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
	"github.com/flarebyte/conduit/internal/store"
)

// Config holds the DatabaseSink kwargs.
type Config struct {
	DBPath        string        `mapstructure:"db_path"`
	Topics        []entity.Spec `mapstructure:"topics"`
	RecordHistory bool          `mapstructure:"record_history"`
}

// DatabaseSink upserts items of tracked topics, applies diff events (upsert
// for new and changed, delete for removed) and ignores everything else. Use
// it after a diff stage configured with update_state: false.
type DatabaseSink struct {
	stage.Terminal

	cfg     Config
	topics  map[string]entity.Spec
	diffs   map[string]entity.Spec
	path    string
	st      store.Store
	owned   bool
	log     *zap.SugaredLogger
	written int
	deleted int
	ignored int
}

func New(opts stage.Options, deps stage.Deps) (*DatabaseSink, error) {
	if err := opts.Require("db_path", "topics"); err != nil {
		return nil, err
	}
	var cfg Config
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	s, err := newSink(cfg, deps.Log())
	if err != nil {
		return nil, err
	}
	s.path = deps.Path(cfg.DBPath)
	return s, nil
}

// NewWithStore builds a sink over a store owned by the caller.
func NewWithStore(cfg Config, st store.Store, log *zap.SugaredLogger) (*DatabaseSink, error) {
	s, err := newSink(cfg, log)
	if err != nil {
		return nil, err
	}
	s.st = st
	return s, nil
}

func newSink(cfg Config, log *zap.SugaredLogger) (*DatabaseSink, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.Mark(errors.New("at least one topic is required"), errors.ErrInvalidConfig)
	}
	s := &DatabaseSink{
		cfg:    cfg,
		topics: map[string]entity.Spec{},
		diffs:  map[string]entity.Spec{},
		log:    log,
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	for i, t := range cfg.Topics {
		n, err := t.Normalize()
		if err != nil {
			return nil, errors.Wrapf(err, "topics[%d]", i)
		}
		s.topics[n.Topic] = n
		s.diffs[n.DiffTopic] = n
	}
	return s, nil
}

func (s *DatabaseSink) Accepts() []item.Kind { return []item.Kind{item.KindParsed, item.KindAny} }
func (s *DatabaseSink) Emits() []item.Kind   { return nil }

func (s *DatabaseSink) Open(context.Context) error {
	if s.st != nil {
		return nil
	}
	st, err := store.Open(s.path, s.log)
	if err != nil {
		return errors.Wrapf(err, "open sink store %s", s.path)
	}
	s.st = st
	s.owned = true
	return nil
}

func (s *DatabaseSink) Close(context.Context) error {
	if !s.owned || s.st == nil {
		return nil
	}
	err := s.st.Close()
	s.st = nil
	s.owned = false
	return err
}

func (s *DatabaseSink) Transform(ctx context.Context, in item.Stream) item.Stream {
	s.written, s.deleted, s.ignored = 0, 0, 0
	drained := stage.Drain(ctx, in, s.handle)
	return func(yield func(any, error) bool) {
		for _, err := range drained {
			if !yield(nil, err) {
				return
			}
		}
		s.log.Infow("Sink batch complete", "written", s.written, "deleted", s.deleted, "ignored", s.ignored)
	}
}

func (s *DatabaseSink) handle(ctx context.Context, v any) error {
	if s.st == nil {
		return errors.New("database sink used before Open")
	}
	p, ok := asParsed(v)
	if !ok {
		s.ignored++
		return nil
	}
	if spec, ok := s.topics[p.Topic]; ok {
		return s.upsert(ctx, spec, p.Content, spec.Value)
	}
	if spec, ok := s.diffs[p.Topic]; ok {
		return s.apply(ctx, spec, p.Content)
	}
	s.ignored++
	s.log.Debugw("No table mapping for topic", "topic", p.Topic)
	return nil
}

func (s *DatabaseSink) upsert(ctx context.Context, spec entity.Spec, c *item.Content, valueField string) error {
	key, ok := spec.KeyOf(c)
	if !ok {
		s.ignored++
		s.log.Warnw("Item has no entity key", "topic", spec.Topic, "key_fields", spec.Key)
		return nil
	}
	raw, _ := c.Get(valueField)
	value, err := number(raw)
	if err != nil {
		return errors.Wrapf(err, "%s %s: field %s", spec.Topic, key, valueField)
	}
	if err := s.st.Upsert(ctx, store.Record{
		Kind:    spec.Kind,
		Key:     key,
		Value:   value,
		Date:    spec.DateOf(c),
		Content: stripDiffFields(c),
	}); err != nil {
		return err
	}
	s.written++
	return nil
}

// apply persists a diff event produced for spec.
func (s *DatabaseSink) apply(ctx context.Context, spec entity.Spec, c *item.Content) error {
	key, ok := spec.KeyOf(c)
	if !ok {
		s.ignored++
		return nil
	}
	change, _ := c.Get(diff.FieldChange)
	if change == string(store.ChangeRemoved) {
		if err := s.st.Delete(ctx, spec.Kind, key); err != nil {
			return err
		}
		s.deleted++
	} else if err := s.upsert(ctx, spec, c, diff.FieldNewValue); err != nil {
		return err
	}
	if !s.cfg.RecordHistory {
		return nil
	}
	h := store.HistoryEntry{Kind: spec.Kind, Key: key, Change: store.Change(entity.Text(change))}
	var err error
	if h.OldValue, err = field(c, diff.FieldOldValue); err != nil {
		return err
	}
	if h.NewValue, err = field(c, diff.FieldNewValue); err != nil {
		return err
	}
	h.Delta = h.NewValue - h.OldValue
	h.Date = spec.DateOf(c)
	if prev, ok := c.Get(diff.FieldPreviousDate); ok && prev != nil {
		h.PreviousDate = entity.Text(prev)
	}
	h.RunID = stage.RunID(ctx)
	return s.st.AppendHistory(ctx, h)
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

func field(c *item.Content, name string) (float64, error) {
	v, _ := c.Get(name)
	f, err := number(v)
	if err != nil {
		return 0, errors.Wrapf(err, "field %s", name)
	}
	return f, nil
}

func number(v any) (float64, error) {
	if v == nil {
		return 0, nil
	}
	return entity.Number(v)
}

var diffFields = []string{
	diff.FieldChange,
	diff.FieldOldValue,
	diff.FieldNewValue,
	diff.FieldDelta,
	diff.FieldPreviousDate,
	diff.FieldEventTimestamp,
	diff.FieldRemovalDetected,
}

func stripDiffFields(c *item.Content) *item.Content {
	out := c.Clone()
	for _, f := range diffFields {
		out.Delete(f)
	}
	return out
}
