// Package builtin lists the stages compiled into conduit and assembles the
// default registry.
package builtin

import (
	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/diff"
	"github.com/flarebyte/conduit/internal/luaplugin"
	"github.com/flarebyte/conduit/internal/plugins/console"
	"github.com/flarebyte/conduit/internal/plugins/files"
	"github.com/flarebyte/conduit/internal/plugins/filter"
	"github.com/flarebyte/conduit/internal/plugins/httpfetch"
	"github.com/flarebyte/conduit/internal/plugins/parse"
	"github.com/flarebyte/conduit/internal/plugins/sqlite"
	"github.com/flarebyte/conduit/internal/plugins/static"
	"github.com/flarebyte/conduit/internal/registry"
	"github.com/flarebyte/conduit/internal/stage"
)

// Definitions returns every builtin stage.
func Definitions() []stage.Definition {
	return []stage.Definition{
		stage.Define(static.New).Describe("Emit the items listed in kwargs"),
		stage.Define(files.New).Describe("Read files matching a glob as raw items"),
		stage.Define(httpfetch.New).Describe("Fetch URLs as raw items, rate limited with retries"),
		stage.Define(parse.NewJSON).Describe("Parse JSON raw items into records of a topic"),
		stage.Define(parse.NewCSV).Describe("Parse CSV raw items into records of a topic"),
		stage.Define(parse.NewYAML).Describe("Parse YAML raw items into records of a topic"),
		stage.Define(filter.New).Describe("Keep or drop parsed items by topic pattern"),
		stage.Define(diff.New).Describe("Emit new and changed entities against persisted state"),
		stage.Define(diff.NewReconciling).Describe("Like diff.Differ, also reporting entities that disappeared"),
		stage.Define(sqlite.New).Describe("Persist tracked topics and apply diff events"),
		stage.Define(console.New).Describe("Print every item as a JSON line"),
	}
}

// Register adds the builtin stages to reg.
func Register(reg *registry.Registry) error {
	return reg.Provide(Definitions()...)
}

// NewRegistry returns a registry holding the builtins that discovers Lua
// plugins under root. It is not refreshed yet.
func NewRegistry(log *zap.SugaredLogger, root, engineVersion string, sandbox luaplugin.Sandbox) (*registry.Registry, error) {
	reg := registry.New(log, registry.Options{
		Root:          root,
		EngineVersion: engineVersion,
		Loaders:       []registry.Loader{&luaplugin.Loader{Sandbox: sandbox}},
	})
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
