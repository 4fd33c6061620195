package parse

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// YAMLParser parses a YAML mapping or a sequence of mappings, keeping the
// document's key order. records selects a nested sequence by dotted path.
type YAMLParser struct {
	base
	records []string
}

func NewYAML(opts stage.Options, deps stage.Deps) (*YAMLParser, error) {
	var cfg struct {
		Common  `mapstructure:",squash"`
		Records string `mapstructure:"records"`
	}
	b, err := decode(opts, deps, &cfg, &cfg.Common)
	if err != nil {
		return nil, err
	}
	return &YAMLParser{base: b, records: splitPath(cfg.Records)}, nil
}

func (p *YAMLParser) Transform(ctx context.Context, in item.Stream) item.Stream {
	return p.stream(ctx, in, p.parse)
}

func (p *YAMLParser) parse(raw item.RawItem) ([]*item.Content, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw.Payload, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return nil, nil
	}
	n := &doc
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, seg := range p.records {
		next := mappingValue(n, seg)
		if next == nil {
			return nil, errors.Newf("records path segment %q not found", seg)
		}
		n = next
	}

	switch n.Kind {
	case yaml.MappingNode:
		c, err := nodeContent(n)
		if err != nil {
			return nil, err
		}
		return []*item.Content{c}, nil
	case yaml.SequenceNode:
		out := make([]*item.Content, 0, len(n.Content))
		for i, e := range n.Content {
			if e.Kind != yaml.MappingNode {
				return nil, errors.Newf("record %d: expected a mapping", i)
			}
			c, err := nodeContent(e)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d", i)
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, errors.Newf("line %d: expected a mapping or a sequence", n.Line)
	}
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// nodeContent converts a mapping in document order; nested values are
// decoded as plain Go values.
func nodeContent(n *yaml.Node) (*item.Content, error) {
	c := item.NewContent()
	for i := 0; i+1 < len(n.Content); i += 2 {
		var v any
		if err := n.Content[i+1].Decode(&v); err != nil {
			return nil, errors.Wrapf(err, "field %s", n.Content[i].Value)
		}
		c.Set(n.Content[i].Value, v)
	}
	return c, nil
}
