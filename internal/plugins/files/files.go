// Package files provides an origin that reads local files.
package files

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// Reader emits one RawItem per file matching a glob, in lexical order. The
// item source is the source kwarg when set, otherwise the file name.
type Reader struct {
	stage.Origin
	pattern    string
	source     string
	allowEmpty bool
	log        *zap.SugaredLogger
}

// New builds a Reader from kwargs: glob (required), source, allow_empty.
func New(opts stage.Options, deps stage.Deps) (*Reader, error) {
	if err := opts.Require("glob"); err != nil {
		return nil, err
	}
	var cfg struct {
		Glob       string `mapstructure:"glob"`
		Source     string `mapstructure:"source"`
		AllowEmpty bool   `mapstructure:"allow_empty"`
	}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	pattern := deps.Path(cfg.Glob)
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "glob %q", cfg.Glob), errors.ErrInvalidConfig)
	}
	return &Reader{pattern: pattern, source: cfg.Source, allowEmpty: cfg.AllowEmpty, log: deps.Log()}, nil
}

func (r *Reader) Accepts() []item.Kind { return []item.Kind{item.KindSeed} }
func (r *Reader) Emits() []item.Kind   { return []item.Kind{item.KindRaw} }

func (r *Reader) Transform(ctx context.Context, _ item.Stream) item.Stream {
	return stage.Originate(ctx, func(ctx context.Context, emit func(any) bool) error {
		matches, err := filepath.Glob(r.pattern)
		if err != nil {
			return errors.Wrapf(err, "glob %s", r.pattern)
		}
		sort.Strings(matches)
		if len(matches) == 0 && !r.allowEmpty {
			return errors.Newf("no files match %s", r.pattern)
		}
		for _, m := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(m)
			if err != nil {
				return errors.Wrapf(err, "stat %s", m)
			}
			if info.IsDir() {
				continue
			}
			data, err := os.ReadFile(m)
			if err != nil {
				return errors.Wrapf(err, "read %s", m)
			}
			src := r.source
			if src == "" {
				src = filepath.Base(m)
			}
			r.log.Debugw("File read", "path", m, "bytes", len(data))
			if !emit(item.RawItem{Source: src, Payload: data, FetchedAt: time.Now().UTC()}) {
				return nil
			}
		}
		return nil
	})
}
