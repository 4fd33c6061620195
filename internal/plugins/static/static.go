// Package static provides an origin that emits items declared inline in the
// pipeline document. It is mostly useful for fixtures and smoke tests.
package static

import (
	"context"
	"time"

	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// Entry is one declared item.
type Entry struct {
	Topic   string         `mapstructure:"topic"`
	Content map[string]any `mapstructure:"content"`
}

// Items emits the declared entries as ParsedItems, in order, on every run.
type Items struct {
	stage.Origin
	entries []Entry
}

// New builds Items from kwargs: items (required).
func New(opts stage.Options, _ stage.Deps) (*Items, error) {
	if err := opts.Require("items"); err != nil {
		return nil, err
	}
	var cfg struct {
		Items []Entry `mapstructure:"items"`
	}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	return &Items{entries: cfg.Items}, nil
}

func (s *Items) Accepts() []item.Kind { return []item.Kind{item.KindSeed} }
func (s *Items) Emits() []item.Kind   { return []item.Kind{item.KindParsed} }

func (s *Items) Transform(ctx context.Context, _ item.Stream) item.Stream {
	return stage.Originate(ctx, func(ctx context.Context, emit func(any) bool) error {
		now := time.Now().UTC()
		for _, e := range s.entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !emit(item.ParsedItem{Topic: e.Topic, Content: item.ContentFromMap(e.Content), DiscoveredAt: now}) {
				return nil
			}
		}
		return nil
	})
}
