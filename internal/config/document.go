// Package config loads pipeline documents and application settings.
//
// A pipeline document is YAML or CUE. Both forms are validated against the
// embedded schema.cue before any stage is resolved, so shape errors carry the
// path of the offending field:
//
//	configVersion: "1"
//	pipelines:
//	  short_interest:
//	    every: 1h
//	    chain:
//	      - class: httpfetch.Fetcher
//	        kwargs: {urls: ["https://example.org/positions.json"]}
//	      - class: parse.JSONParser
//	        kwargs: {topic: positions}
//	      - class: diff.Differ
//	        kwargs: {db_path: state.db, topics: [{topic: positions, key: [issuer, holder], value: pct, date: date}]}
//	      - class: console.Printer
package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/flarebyte/conduit/internal/errors"
)

//go:embed schema.cue
var schemaSource string

// StageSpec is one chain link: a registry key plus its keyword options.
type StageSpec struct {
	Class  string         `json:"class"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Pipeline is a named, ordered chain of stages.
type Pipeline struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Every       time.Duration `json:"every,omitempty"`
	Chain       []StageSpec   `json:"chain"`
}

// Document is a loaded pipeline document.
type Document struct {
	Path          string
	BaseDir       string
	ConfigVersion string
	Pipelines     []Pipeline
}

type rawStage struct {
	Class  string         `yaml:"class" json:"class"`
	Kwargs map[string]any `yaml:"kwargs" json:"kwargs"`
}

type rawPipeline struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Enabled     *bool      `yaml:"enabled" json:"enabled"`
	Every       string     `yaml:"every" json:"every"`
	Chain       []rawStage `yaml:"chain" json:"chain"`
}

// Load reads a .yml, .yaml or .cue pipeline document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	doc, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	doc.Path = abs
	doc.BaseDir = filepath.Dir(abs)
	return doc, nil
}

// Parse decodes a document; the format follows the extension of name.
func Parse(name string, data []byte) (*Document, error) {
	var (
		raws    []namedRaw
		version string
		err     error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml":
		version, raws, err = parseYAML(name, data)
	case ".cue":
		version, raws, err = parseCUE(name, data)
	default:
		return nil, errors.Mark(
			errors.Newf("unsupported config format %q: expected .yml, .yaml or .cue", filepath.Ext(name)),
			errors.ErrInvalidConfig,
		)
	}
	if err != nil {
		return nil, err
	}

	doc := &Document{Path: name, BaseDir: filepath.Dir(name), ConfigVersion: version}
	seen := map[string]bool{}
	for _, nr := range raws {
		if seen[nr.name] {
			return nil, invalid(errors.Newf("duplicate pipeline name %q", nr.name))
		}
		seen[nr.name] = true
		p, err := nr.raw.pipeline(nr.name)
		if err != nil {
			return nil, err
		}
		doc.Pipelines = append(doc.Pipelines, p)
	}
	return doc, nil
}

type namedRaw struct {
	name string
	raw  rawPipeline
}

func (r rawPipeline) pipeline(name string) (Pipeline, error) {
	p := Pipeline{
		Name:        name,
		Description: r.Description,
		Enabled:     r.Enabled == nil || *r.Enabled,
	}
	if r.Every != "" {
		d, err := time.ParseDuration(r.Every)
		if err != nil || d <= 0 {
			return Pipeline{}, invalid(errors.Newf("pipelines.%s.every: invalid interval %q", name, r.Every))
		}
		p.Every = d
	}
	for _, s := range r.Chain {
		kwargs := s.Kwargs
		if kwargs == nil {
			kwargs = map[string]any{}
		}
		p.Chain = append(p.Chain, StageSpec{Class: s.Class, Kwargs: kwargs})
	}
	return p, nil
}

func parseYAML(name string, data []byte) (string, []namedRaw, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return "", nil, invalid(errors.Wrapf(err, "invalid config %s", filepath.Base(name)))
	}
	if generic == nil {
		return "", nil, invalid(errors.Newf("invalid config %s: empty document", filepath.Base(name)))
	}
	ctx := cuecontext.New()
	if err := validate(ctx, ctx.Encode(generic)); err != nil {
		return "", nil, err
	}

	var doc struct {
		ConfigVersion string    `yaml:"configVersion"`
		Pipelines     yaml.Node `yaml:"pipelines"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", nil, invalid(errors.Wrapf(err, "invalid config %s", filepath.Base(name)))
	}
	if err := checkVersion(doc.ConfigVersion, false); err != nil {
		return "", nil, err
	}

	var out []namedRaw
	switch doc.Pipelines.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(doc.Pipelines.Content); i += 2 {
			var rp rawPipeline
			if err := doc.Pipelines.Content[i+1].Decode(&rp); err != nil {
				return "", nil, invalid(errors.Wrapf(err, "pipelines.%s", doc.Pipelines.Content[i].Value))
			}
			out = append(out, namedRaw{name: doc.Pipelines.Content[i].Value, raw: rp})
		}
	case yaml.SequenceNode:
		for i, n := range doc.Pipelines.Content {
			var rp rawPipeline
			if err := n.Decode(&rp); err != nil {
				return "", nil, invalid(errors.Wrapf(err, "pipelines.%d", i))
			}
			out = append(out, namedRaw{name: rp.Name, raw: rp})
		}
	}
	return doc.ConfigVersion, out, nil
}

func parseCUE(name string, data []byte) (string, []namedRaw, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filepath.Base(name)))
	if err := v.Err(); err != nil {
		return "", nil, invalid(errors.Newf("invalid config: %v", err))
	}
	if err := validate(ctx, v); err != nil {
		return "", nil, err
	}

	var version string
	if vv := v.LookupPath(cue.ParsePath("configVersion")); vv.Exists() {
		if err := vv.Decode(&version); err != nil {
			return "", nil, invalid(errors.Newf("invalid value for configVersion: %v", err))
		}
	}
	if err := checkVersion(version, true); err != nil {
		return "", nil, err
	}

	pv := v.LookupPath(cue.ParsePath("pipelines"))
	var out []namedRaw
	switch pv.Kind() {
	case cue.StructKind:
		it, err := pv.Fields()
		if err != nil {
			return "", nil, invalid(errors.Newf("pipelines: %v", err))
		}
		for it.Next() {
			name := it.Selector().Unquoted()
			var rp rawPipeline
			if err := it.Value().Decode(&rp); err != nil {
				return "", nil, invalid(errors.Newf("pipelines.%s: %v", name, err))
			}
			out = append(out, namedRaw{name: name, raw: rp})
		}
	case cue.ListKind:
		it, err := pv.List()
		if err != nil {
			return "", nil, invalid(errors.Newf("pipelines: %v", err))
		}
		for i := 0; it.Next(); i++ {
			var rp rawPipeline
			if err := it.Value().Decode(&rp); err != nil {
				return "", nil, invalid(errors.Newf("pipelines.%d: %v", i, err))
			}
			out = append(out, namedRaw{name: rp.Name, raw: rp})
		}
	}
	return version, out, nil
}

// validate checks v against #Document.
func validate(ctx *cue.Context, v cue.Value) error {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return errors.Wrap(err, "compile pipeline schema")
	}
	doc := schema.LookupPath(cue.ParsePath("#Document")).Unify(v)
	if err := doc.Validate(cue.Concrete(true)); err != nil {
		return invalid(errors.Newf("invalid config: %v", err))
	}
	return nil
}

func invalid(err error) error {
	return errors.Mark(err, errors.ErrInvalidConfig)
}

// Lookup returns the pipeline called name.
func (d *Document) Lookup(name string) (Pipeline, bool) {
	for _, p := range d.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return Pipeline{}, false
}

// Select returns the named pipelines in the given order, or every enabled
// pipeline when names is empty. Naming a disabled pipeline runs it.
func (d *Document) Select(names ...string) ([]Pipeline, error) {
	if len(names) == 0 {
		var out []Pipeline
		for _, p := range d.Pipelines {
			if p.Enabled {
				out = append(out, p)
			}
		}
		return out, nil
	}
	out := make([]Pipeline, 0, len(names))
	for _, n := range names {
		p, ok := d.Lookup(n)
		if !ok {
			known := make([]string, 0, len(d.Pipelines))
			for _, p := range d.Pipelines {
				known = append(known, p.Name)
			}
			return nil, errors.WithHintf(
				errors.Mark(errors.Newf("unknown pipeline %q", n), errors.ErrNotFound),
				"pipelines in %s: %s", filepath.Base(d.Path), strings.Join(known, ", "),
			)
		}
		out = append(out, p)
	}
	return out, nil
}
