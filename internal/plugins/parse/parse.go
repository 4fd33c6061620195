// Package parse provides transforms that turn RawItem payloads into
// ParsedItems of one topic: JSONParser, CSVParser and YAMLParser.
//
// Only raw items whose source ends with source_suffix (when set) are parsed;
// every other item passes through, so several parsers can share a chain.
package parse

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// Common kwargs of every parser.
type Common struct {
	Topic        string `mapstructure:"topic"`
	SourceSuffix string `mapstructure:"source_suffix"`
	// SkipInvalid logs and drops payloads that fail to parse instead of
	// failing the run.
	SkipInvalid bool `mapstructure:"skip_invalid"`
}

type base struct {
	stage.Passthrough
	cfg Common
	log *zap.SugaredLogger
}

func decode(opts stage.Options, deps stage.Deps, target any, common *Common) (base, error) {
	if err := opts.Require("topic"); err != nil {
		return base{}, err
	}
	if err := opts.Decode(target); err != nil {
		return base{}, err
	}
	return base{cfg: *common, log: deps.Log()}, nil
}

func (b *base) Accepts() []item.Kind { return []item.Kind{item.KindRaw, item.KindAny} }
func (b *base) Emits() []item.Kind   { return []item.Kind{item.KindParsed, item.KindRaw} }

func (b *base) stream(ctx context.Context, in item.Stream, parse func(item.RawItem) ([]*item.Content, error)) item.Stream {
	return stage.Map(ctx, in, func(_ context.Context, v any) ([]any, error) {
		raw, ok := v.(item.RawItem)
		if !ok || !strings.HasSuffix(raw.Source, b.cfg.SourceSuffix) {
			return []any{v}, nil
		}
		records, err := parse(raw)
		if err != nil {
			if b.cfg.SkipInvalid {
				b.log.Warnw("Skipping unparsable payload", "source", raw.Source, "error", err)
				return nil, nil
			}
			return nil, errors.Wrapf(err, "parse %s", raw.Source)
		}
		out := make([]any, 0, len(records))
		for _, c := range records {
			out = append(out, item.ParsedItem{Topic: b.cfg.Topic, Content: c, DiscoveredAt: raw.FetchedAt})
		}
		b.log.Debugw("Payload parsed", "source", raw.Source, "topic", b.cfg.Topic, "records", len(out))
		return out, nil
	})
}

// splitPath turns "data.items" into its segments; "" selects the root.
func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}
