// Package app assembles what every conduit command needs: settings, the
// logger, the stage registry and the pipeline document.
package app

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/buildinfo"
	"github.com/flarebyte/conduit/internal/chain"
	"github.com/flarebyte/conduit/internal/config"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/logger"
	"github.com/flarebyte/conduit/internal/luaplugin"
	"github.com/flarebyte/conduit/internal/plugins/builtin"
	"github.com/flarebyte/conduit/internal/registry"
)

// Options are the persistent flags of the root command.
type Options struct {
	ConfigPath string
	PluginsDir string
	LogJSON    bool
	Verbose    bool
	// SettingsDir is searched for conduit.toml; empty is the working directory.
	SettingsDir string
}

// Bind registers the persistent flags on fs.
func (o *Options) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigPath, "config", "c", "", "Path to the pipeline document (.yml, .yaml or .cue)")
	fs.StringVar(&o.PluginsDir, "plugins", "", "Plugin root directory (default from settings: plugins)")
	fs.BoolVar(&o.LogJSON, "log-json", false, "Write logs as JSON")
	fs.BoolVar(&o.Verbose, "verbose", false, "Enable debug logs")
}

// settingFlags maps settings keys to the flags that override them. A command
// that lacks a flag keeps the setting.
var settingFlags = map[string]string{
	"plugins_dir":          "plugins",
	"log.json":             "log-json",
	"log.verbose":          "verbose",
	"run.max_parallel":     "parallel",
	"serve.metrics_addr":   "metrics-addr",
	"serve.shutdown_grace": "shutdown-grace",
}

// Env is the state shared by the commands once Setup succeeded.
type Env struct {
	Settings config.Settings
	Log      *zap.SugaredLogger
	Registry *registry.Registry
	Doc      *config.Document
}

// Setup reads settings, initializes the logger, refreshes the registry and,
// when needDoc is set, loads the pipeline document. Flags changed on cmd
// override settings.
func Setup(ctx context.Context, cmd *cobra.Command, opts *Options, needDoc bool) (*Env, error) {
	v := config.NewViper(opts.SettingsDir)
	for key, flag := range settingFlags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "bind flag %s", flag)
			}
		}
	}
	settings, err := config.LoadSettings(v)
	if err != nil {
		return nil, ConfigError(err)
	}
	if err := logger.Initialize(settings.Log.JSON, settings.Log.Verbose); err != nil {
		return nil, errors.Wrap(err, "initialize logger")
	}
	env := &Env{Settings: settings, Log: logger.Logger}

	if needDoc {
		if opts.ConfigPath == "" {
			return nil, ConfigError(errors.Mark(errors.New("missing required flag: --config"), errors.ErrInvalidConfig))
		}
		doc, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, ConfigError(err)
		}
		env.Doc = doc
	}

	reg, err := builtin.NewRegistry(env.Log, settings.PluginsDir, buildinfo.EngineVersion(), luaplugin.Sandbox{})
	if err != nil {
		return nil, err
	}
	report, err := reg.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range report.Failures {
		env.Log.Warnw("Plugin file skipped", "path", f.Path, "error", f.Err)
	}
	env.Registry = reg
	return env, nil
}

// Builder returns a chain builder over the registry, resolving stage paths
// against the document directory.
func (e *Env) Builder() *chain.Builder {
	b := &chain.Builder{Registry: e.Registry, Logger: e.Log}
	if e.Doc != nil {
		b.BaseDir = e.Doc.BaseDir
	}
	return b
}
