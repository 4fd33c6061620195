package registry

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/flarebyte/conduit/internal/errors"
)

// ManifestFile is the optional per-plugin manifest, read from the directory
// holding the plugin sources.
const ManifestFile = "plugin.toml"

// Manifest describes a plugin directory.
type Manifest struct {
	Enabled     *bool  `toml:"enabled"`
	Version     string `toml:"version"`
	Requires    string `toml:"requires"`
	Description string `toml:"description"`
}

func (m Manifest) isEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type manifestResult struct {
	manifest Manifest
	err      error
}

// loadManifest reads dir/plugin.toml. A missing manifest is an empty one.
func (r *Registry) loadManifest(dir string) *manifestResult {
	p := filepath.Join(dir, ManifestFile)
	var m Manifest
	if _, err := toml.DecodeFile(p, &m); err != nil {
		if os.IsNotExist(err) {
			return &manifestResult{}
		}
		return &manifestResult{err: errors.Wrapf(err, "parse %s", ManifestFile)}
	}
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return &manifestResult{err: errors.Wrapf(err, "%s: invalid version %q", ManifestFile, m.Version)}
		}
	}
	if err := checkRequires(m.Requires, r.opts.EngineVersion); err != nil {
		return &manifestResult{err: err}
	}
	return &manifestResult{manifest: m}
}

// checkRequires verifies the engine version satisfies a semver constraint.
// Development builds without a semantic version skip the check.
func checkRequires(requires, engineVersion string) error {
	if requires == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(requires)
	if err != nil {
		return errors.Wrapf(err, "%s: invalid requires %q", ManifestFile, requires)
	}
	v, err := semver.NewVersion(engineVersion)
	if err != nil {
		return nil
	}
	if !constraint.Check(v) {
		return errors.Newf("plugin requires engine %s, running %s", requires, engineVersion)
	}
	return nil
}
