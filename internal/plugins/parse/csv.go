package parse

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// CSVParser parses delimited text. The header row names the fields unless
// columns is given; skip_rows drops preamble lines before the header.
type CSVParser struct {
	base
	delimiter rune
	skipRows  int
	columns   []string
}

func NewCSV(opts stage.Options, deps stage.Deps) (*CSVParser, error) {
	var cfg struct {
		Common    `mapstructure:",squash"`
		Delimiter string   `mapstructure:"delimiter"`
		SkipRows  int      `mapstructure:"skip_rows"`
		Columns   []string `mapstructure:"columns"`
	}
	cfg.Delimiter = ","
	b, err := decode(opts, deps, &cfg, &cfg.Common)
	if err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(cfg.Delimiter) != 1 || cfg.SkipRows < 0 {
		return nil, errors.Mark(errors.Newf("invalid delimiter %q or skip_rows %d", cfg.Delimiter, cfg.SkipRows), errors.ErrInvalidConfig)
	}
	d, _ := utf8.DecodeRuneInString(cfg.Delimiter)
	return &CSVParser{base: b, delimiter: d, skipRows: cfg.SkipRows, columns: cfg.Columns}, nil
}

func (p *CSVParser) Transform(ctx context.Context, in item.Stream) item.Stream {
	return p.stream(ctx, in, p.parse)
}

func (p *CSVParser) parse(raw item.RawItem) ([]*item.Content, error) {
	payload := bytes.TrimPrefix(raw.Payload, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(payload))
	r.Comma = p.delimiter
	r.FieldsPerRecord = -1

	for i := 0; i < p.skipRows; i++ {
		if _, err := r.Read(); err != nil {
			return nil, errors.Wrapf(err, "skip row %d", i+1)
		}
	}
	header := p.columns
	if len(header) == 0 {
		h, err := r.Read()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read header")
		}
		for i := range h {
			h[i] = strings.TrimSpace(h[i])
		}
		header = h
	}

	var out []*item.Content
	for {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if blank(row) {
			continue
		}
		c := item.NewContent()
		for i, name := range header {
			if name == "" {
				continue
			}
			v := ""
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			c.Set(name, v)
		}
		out = append(out, c)
	}
}

func blank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
