// Package filter provides TopicFilter, which keeps or drops parsed items by
// topic.
package filter

import (
	"context"
	"path"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// TopicFilter keeps parsed items whose topic matches one of include (all
// when empty) and none of exclude. Patterns use path.Match syntax, so
// "fi.short.*" matches every short interest topic. Other items pass.
type TopicFilter struct {
	stage.Passthrough
	include []string
	exclude []string
}

func New(opts stage.Options, _ stage.Deps) (*TopicFilter, error) {
	var cfg struct {
		Include []string `mapstructure:"include"`
		Exclude []string `mapstructure:"exclude"`
	}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Include) == 0 && len(cfg.Exclude) == 0 {
		return nil, errors.Mark(errors.New("include or exclude is required"), errors.ErrInvalidConfig)
	}
	for _, p := range append(append([]string{}, cfg.Include...), cfg.Exclude...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "topic pattern %q", p), errors.ErrInvalidConfig)
		}
	}
	return &TopicFilter{include: cfg.Include, exclude: cfg.Exclude}, nil
}

func (f *TopicFilter) Accepts() []item.Kind { return []item.Kind{item.KindAny} }
func (f *TopicFilter) Emits() []item.Kind   { return []item.Kind{item.KindAny} }

func (f *TopicFilter) Transform(ctx context.Context, in item.Stream) item.Stream {
	return stage.Map(ctx, in, func(_ context.Context, v any) ([]any, error) {
		p, ok := v.(item.ParsedItem)
		if !ok || f.keep(p.Topic) {
			return []any{v}, nil
		}
		return nil, nil
	})
}

func (f *TopicFilter) keep(topic string) bool {
	if matchAny(f.exclude, topic) {
		return false
	}
	return len(f.include) == 0 || matchAny(f.include, topic)
}

func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, topic); ok {
			return true
		}
	}
	return false
}
