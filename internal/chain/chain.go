// Package chain turns a configured pipeline into live stage instances.
//
// Build resolves every class against the registry, constructs it with its
// kwargs and checks, best-effort, that the stages fit together: the first
// stage originates items, a terminal stage only closes the chain, and the
// kinds one stage emits intersect the kinds the next accepts. Building never
// pulls an item.
package chain

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/config"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/logger"
	"github.com/flarebyte/conduit/internal/stage"
)

// Resolver looks stage definitions up by key; *registry.Registry
// implements it.
type Resolver interface {
	Get(key string) (stage.Definition, error)
}

// Link is one constructed stage and where it came from.
type Link struct {
	Index int
	Key   string
	Role  stage.Role
	Stage stage.Stage
}

// Chain is a built pipeline, ready to run once.
type Chain struct {
	Pipeline string
	Links    []Link
}

// Keys returns the stage keys in chain order.
func (c *Chain) Keys() []string {
	out := make([]string, len(c.Links))
	for i, l := range c.Links {
		out[i] = l.Key
	}
	return out
}

// Release closes the resource stages of a chain that will not be run.
func (c *Chain) Release(ctx context.Context) error {
	return release(ctx, c.Links)
}

func release(ctx context.Context, links []Link) error {
	var err error
	for i := len(links) - 1; i >= 0; i-- {
		if r, ok := links[i].Stage.(stage.Resource); ok {
			err = errors.CombineErrors(err, r.Close(ctx))
		}
	}
	return err
}

// ConfigurationError reports a pipeline that cannot be built. Index is -1
// when the problem concerns the chain as a whole.
type ConfigurationError struct {
	Pipeline string
	Index    int
	Key      string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("pipeline %s: %v", e.Pipeline, e.Err)
	}
	return fmt.Sprintf("pipeline %s: stage %d (%s): %v", e.Pipeline, e.Index, e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is makes every ConfigurationError match errors.ErrInvalidConfig.
func (e *ConfigurationError) Is(target error) bool {
	return target == errors.ErrInvalidConfig
}

// Builder constructs chains.
type Builder struct {
	Registry Resolver
	Logger   *zap.SugaredLogger
	// BaseDir is handed to stages for resolving relative paths.
	BaseDir string
}

// Build resolves and constructs every stage of p. On failure the stages
// built so far are released and a *ConfigurationError is returned.
func (b *Builder) Build(p config.Pipeline) (*Chain, error) {
	log := logger.OrNop(b.Logger)
	if len(p.Chain) == 0 {
		return nil, &ConfigurationError{Pipeline: p.Name, Index: -1, Err: errors.New("chain has no stages")}
	}

	c := &Chain{Pipeline: p.Name, Links: make([]Link, 0, len(p.Chain))}
	fail := func(i int, key string, err error) (*Chain, error) {
		if rerr := release(context.Background(), c.Links); rerr != nil {
			log.Warnw("Releasing partially built chain failed", "pipeline", p.Name, "error", rerr)
		}
		return nil, &ConfigurationError{Pipeline: p.Name, Index: i, Key: key, Err: err}
	}

	for i, spec := range p.Chain {
		def, err := b.Registry.Get(spec.Class)
		if err != nil {
			return fail(i, spec.Class, err)
		}
		opts := stage.Options(spec.Kwargs)
		if opts == nil {
			opts = stage.Options{}
		}
		s, err := def.New(opts, stage.Deps{
			Logger:   log,
			Pipeline: p.Name,
			Index:    i,
			BaseDir:  b.BaseDir,
		})
		if err != nil {
			return fail(i, spec.Class, err)
		}
		if s == nil {
			return fail(i, spec.Class, errors.New("factory returned no stage"))
		}
		link := Link{Index: i, Key: spec.Class, Role: stage.RoleOf(s), Stage: s}
		c.Links = append(c.Links, link)

		if err := b.check(c.Links, len(p.Chain)); err != nil {
			return fail(i, spec.Class, err)
		}
		if i > 0 && link.Role == stage.RoleOrigin {
			log.Warnw("Origin stage after the head of the chain ignores its upstream",
				"pipeline", p.Name, "stage_index", i, "stage", spec.Class)
		}
	}

	log.Debugw("Chain built", "pipeline", p.Name, "stages", strings.Join(c.Keys(), " -> "))
	return c, nil
}

// check validates the newest link against its position and predecessor.
func (b *Builder) check(links []Link, total int) error {
	i := len(links) - 1
	cur := links[i]
	if i == 0 && cur.Role != stage.RoleOrigin && !accepts(cur.Stage, item.KindSeed) {
		return errors.Newf("first stage must be an origin, %s is a %s stage", cur.Key, cur.Role)
	}
	if cur.Role == stage.RoleTerminal && i != total-1 {
		return errors.Newf("terminal stage %s must be the last stage", cur.Key)
	}
	if i == 0 || cur.Role == stage.RoleOrigin {
		return nil
	}
	prev := links[i-1]
	emits, acc := stage.Emits(prev.Stage), stage.Accepts(cur.Stage)
	if !item.Compatible(emits, acc) {
		return errors.Newf("%s emits %s but %s accepts %s", prev.Key, kinds(emits), cur.Key, kinds(acc))
	}
	return nil
}

func accepts(s stage.Stage, k item.Kind) bool {
	for _, a := range stage.Accepts(s) {
		if a == k {
			return true
		}
	}
	return false
}

func kinds(ks []item.Kind) string {
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = string(k)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
