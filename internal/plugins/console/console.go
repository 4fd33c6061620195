// Package console provides Printer, a terminal stage that writes every item
// it receives as one JSON line.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// Line is the JSON shape of one printed item.
type Line struct {
	Kind item.Kind `json:"kind"`
	Item any       `json:"item"`
}

// Printer writes to stdout, or to the file named by the path kwarg which is
// truncated on Open.
type Printer struct {
	stage.Terminal

	path   string
	out    io.Writer
	file   *os.File
	indent bool
	log    *zap.SugaredLogger
}

func New(opts stage.Options, deps stage.Deps) (*Printer, error) {
	var cfg struct {
		Path   string `mapstructure:"path"`
		Indent bool   `mapstructure:"indent"`
	}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	return &Printer{path: deps.Path(cfg.Path), indent: cfg.Indent, log: deps.Log()}, nil
}

// NewWriter builds a Printer over w.
func NewWriter(w io.Writer) *Printer {
	return &Printer{out: w, log: zap.NewNop().Sugar()}
}

func (p *Printer) Accepts() []item.Kind { return []item.Kind{item.KindAny} }
func (p *Printer) Emits() []item.Kind   { return nil }

func (p *Printer) Open(context.Context) error {
	if p.out != nil || p.path == "" {
		return nil
	}
	f, err := os.Create(p.path)
	if err != nil {
		return errors.Wrapf(err, "create %s", p.path)
	}
	p.file = f
	return nil
}

func (p *Printer) Close(context.Context) error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

func (p *Printer) Transform(ctx context.Context, in item.Stream) item.Stream {
	return func(yield func(any, error) bool) {
		w := bufio.NewWriter(p.writer())
		enc := json.NewEncoder(w)
		if p.indent {
			enc.SetIndent("", "  ")
		}
		n := 0
		for _, err := range stage.Drain(ctx, in, func(_ context.Context, v any) error {
			n++
			return enc.Encode(Line{Kind: item.KindOf(v), Item: v})
		}) {
			w.Flush()
			yield(nil, err)
			return
		}
		if err := w.Flush(); err != nil {
			yield(nil, errors.Wrap(err, "flush output"))
			return
		}
		p.log.Debugw("Printed items", "count", n)
	}
}

func (p *Printer) writer() io.Writer {
	switch {
	case p.out != nil:
		return p.out
	case p.file != nil:
		return p.file
	default:
		return os.Stdout
	}
}
