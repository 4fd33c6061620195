package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// JSONParser parses a JSON object or an array of objects. records selects a
// nested array by dotted path, e.g. "data.positions", or by a JSONPath
// expression when it starts with "$", e.g. "$.data[*].rows[*]". Records
// selected by JSONPath keep their fields in key order.
type JSONParser struct {
	base
	records []string
	query   func(context.Context, any) (any, error)
}

func NewJSON(opts stage.Options, deps stage.Deps) (*JSONParser, error) {
	var cfg struct {
		Common  `mapstructure:",squash"`
		Records string `mapstructure:"records"`
	}
	b, err := decode(opts, deps, &cfg, &cfg.Common)
	if err != nil {
		return nil, err
	}
	p := &JSONParser{base: b}
	if strings.HasPrefix(cfg.Records, "$") {
		q, err := jsonpath.New(cfg.Records)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "records %q", cfg.Records), errors.ErrInvalidConfig)
		}
		p.query = q
	} else {
		p.records = splitPath(cfg.Records)
	}
	return p, nil
}

func (p *JSONParser) Transform(ctx context.Context, in item.Stream) item.Stream {
	return p.stream(ctx, in, p.parse)
}

func (p *JSONParser) parse(raw item.RawItem) ([]*item.Content, error) {
	if p.query != nil {
		return p.selectRecords(raw.Payload)
	}
	data := json.RawMessage(raw.Payload)
	for _, seg := range p.records {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, errors.Wrapf(err, "records path segment %q", seg)
		}
		next, ok := obj[seg]
		if !ok {
			return nil, errors.Newf("records path segment %q not found", seg)
		}
		data = next
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, err
		}
		out := make([]*item.Content, 0, len(elems))
		for i, e := range elems {
			c := item.NewContent()
			if err := json.Unmarshal(e, c); err != nil {
				return nil, errors.Wrapf(err, "record %d", i)
			}
			out = append(out, c)
		}
		return out, nil
	}
	c := item.NewContent()
	if err := json.Unmarshal(trimmed, c); err != nil {
		return nil, err
	}
	return []*item.Content{c}, nil
}

func (p *JSONParser) selectRecords(payload []byte) ([]*item.Content, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	val, err := p.query(context.Background(), doc)
	if err != nil {
		return nil, errors.Wrap(err, "records query")
	}
	elems, ok := val.([]any)
	if !ok {
		elems = []any{val}
	}
	out := make([]*item.Content, 0, len(elems))
	for i, e := range elems {
		if _, ok := e.(map[string]any); !ok {
			return nil, errors.Newf("record %d: expected an object, got %T", i, e)
		}
		b, err := json.Marshal(e)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		c := item.NewContent()
		if err := json.Unmarshal(b, c); err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		out = append(out, c)
	}
	return out, nil
}
