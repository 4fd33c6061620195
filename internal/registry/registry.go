// Package registry indexes the stages a pipeline can refer to: builtins
// compiled into the binary and plugin classes discovered under a plugin root.
//
// The index is rebuilt by Refresh and read by Get and List. Refresh must not
// run while chains are being built or executed; callers serialize it (the
// serve command refreshes between runs only).
package registry

import (
	"context"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/logger"
	"github.com/flarebyte/conduit/internal/stage"
)

// Loader turns one plugin source file into stage definitions.
type Loader interface {
	Extensions() []string
	Load(path, namespace string) ([]stage.Definition, error)
}

// Options configure discovery.
type Options struct {
	// Root is the plugin directory; empty disables discovery.
	Root string
	// EngineVersion is checked against the requires constraint of plugin
	// manifests.
	EngineVersion string
	// NoGitignore disables .gitignore filtering.
	NoGitignore bool
	Loaders     []Loader
}

// Report summarizes one Refresh.
type Report struct {
	Root        string           `json:"root"`
	Revision    string           `json:"revision,omitempty"`
	Files       int              `json:"files"`
	Definitions int              `json:"definitions"`
	Failures    []DiscoveryError `json:"failures,omitempty"`
}

// Registry maps stage keys to definitions.
type Registry struct {
	mu       sync.RWMutex
	log      *zap.SugaredLogger
	opts     Options
	builtins []stage.Definition
	index    map[string]stage.Definition
}

// New creates an empty registry.
func New(log *zap.SugaredLogger, opts Options) *Registry {
	return &Registry{
		log:   logger.OrNop(log),
		opts:  opts,
		index: map[string]stage.Definition{},
	}
}

// Provide adds builtin definitions. Builtins survive every Refresh; a
// duplicate builtin key is a programming error.
func (r *Registry) Provide(defs ...stage.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		if d.New == nil {
			return errors.Newf("builtin %s has no factory", d.Key)
		}
		for _, b := range r.builtins {
			if b.Key == d.Key {
				return errors.Newf("builtin %s already registered", d.Key)
			}
		}
		r.builtins = append(r.builtins, d)
		r.index[d.Key] = d
	}
	return nil
}

// Refresh rebuilds the index from the builtins and a fresh scan of the plugin
// root. Files that fail to load are logged, reported and skipped. When two
// definitions share a key the one found later wins.
func (r *Registry) Refresh(ctx context.Context) (Report, error) {
	report := Report{Root: r.opts.Root}

	r.mu.RLock()
	index := make(map[string]stage.Definition, len(r.builtins))
	for _, d := range r.builtins {
		index[d.Key] = d
	}
	r.mu.RUnlock()

	if r.opts.Root != "" {
		if _, err := os.Stat(r.opts.Root); err != nil {
			r.log.Warnw("Plugin root unavailable, using builtins only", "root", r.opts.Root, "error", err)
		} else if err := r.discover(ctx, index, &report); err != nil {
			return report, err
		}
	}

	r.mu.Lock()
	r.index = index
	r.mu.Unlock()

	report.Definitions = len(index)
	r.log.Infow("Plugin registry refreshed",
		"root", report.Root,
		"files", report.Files,
		"definitions", report.Definitions,
		"failures", len(report.Failures),
	)
	return report, nil
}

func (r *Registry) discover(ctx context.Context, index map[string]stage.Definition, report *Report) error {
	byExt := map[string]Loader{}
	for _, l := range r.opts.Loaders {
		for _, ext := range l.Extensions() {
			byExt[ext] = l
		}
	}

	files, walkErrs := findPluginFiles(r.opts.Root, byExt, r.opts.NoGitignore)
	for _, de := range walkErrs {
		r.fail(report, de)
	}
	report.Revision = repositoryRevision(r.opts.Root)

	manifests := map[string]*manifestResult{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "plugin discovery interrupted")
		}
		m, ok := manifests[f.dir]
		if !ok {
			m = r.loadManifest(f.dir)
			manifests[f.dir] = m
		}
		if m.err != nil {
			r.fail(report, DiscoveryError{Path: f.rel, Err: m.err})
			continue
		}
		if !m.manifest.isEnabled() {
			r.log.Debugw("Skipping disabled plugin", "path", f.rel)
			continue
		}

		report.Files++
		defs, err := f.loader.Load(f.path, f.namespace)
		if err != nil {
			r.fail(report, DiscoveryError{Path: f.rel, Err: err})
			continue
		}
		for _, d := range defs {
			d.Revision = report.Revision
			d.Version = m.manifest.Version
			if d.Description == "" {
				d.Description = m.manifest.Description
			}
			if prev, dup := index[d.Key]; dup {
				r.log.Debugw("Plugin definition replaced", "key", d.Key, "previous", prev.Source, "source", d.Source)
			}
			index[d.Key] = d
		}
	}
	return nil
}

func (r *Registry) fail(report *Report, de DiscoveryError) {
	r.log.Errorw("Plugin discovery failed", "path", de.Path, "error", de.Err)
	report.Failures = append(report.Failures, de)
}

// Get returns the definition registered under key.
func (r *Registry) Get(key string) (stage.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.index[key]; ok {
		return d, nil
	}
	keys := make([]string, 0, len(r.index))
	for k := range r.index {
		keys = append(keys, k)
	}
	return stage.Definition{}, &PluginNotFoundError{Key: key, Suggestions: suggest(key, keys)}
}

// List returns every definition sorted by key.
func (r *Registry) List() []stage.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]stage.Definition, 0, len(r.index))
	for _, d := range r.index {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Root returns the configured plugin root.
func (r *Registry) Root() string {
	return r.opts.Root
}
