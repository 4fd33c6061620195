package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flarebyte/conduit/internal/errors"
)

// SettingsFile is the optional application settings file, looked up in the
// working directory.
const SettingsFile = "conduit.toml"

// Settings are process-wide options. Precedence, lowest first: defaults,
// conduit.toml, CONDUIT_* environment variables, command line flags.
type Settings struct {
	PluginsDir string        `mapstructure:"plugins_dir"`
	Log        LogSettings   `mapstructure:"log"`
	Run        RunSettings   `mapstructure:"run"`
	Serve      ServeSettings `mapstructure:"serve"`
}

type LogSettings struct {
	JSON    bool `mapstructure:"json"`
	Verbose bool `mapstructure:"verbose"`
}

type RunSettings struct {
	MaxParallel int `mapstructure:"max_parallel"`
}

type ServeSettings struct {
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// SetDefaults configures default values for all settings
func SetDefaults(v *viper.Viper) {
	v.SetDefault("plugins_dir", "plugins")
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbose", false)
	v.SetDefault("run.max_parallel", 4)
	v.SetDefault("serve.metrics_addr", "")
	v.SetDefault("serve.shutdown_grace", 10*time.Second)
}

// NewViper returns a viper instance with defaults and environment binding.
// dir is searched for conduit.toml; empty means the working directory.
func NewViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	v.SetConfigName(strings.TrimSuffix(SettingsFile, ".toml"))
	v.SetConfigType("toml")
	if dir == "" {
		dir = "."
	}
	v.AddConfigPath(dir)
	return v
}

// LoadSettings reads the settings file when present and unmarshals v.
func LoadSettings(v *viper.Viper) (Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, errors.Mark(errors.Wrap(err, "failed to read "+SettingsFile), errors.ErrInvalidConfig)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Mark(errors.Wrap(err, "failed to unmarshal settings"), errors.ErrInvalidConfig)
	}
	if s.Run.MaxParallel < 1 {
		s.Run.MaxParallel = 1
	}
	return s, nil
}
