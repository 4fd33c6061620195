package config

import (
	"strings"

	"github.com/flarebyte/conduit/internal/errors"
)

const CurrentConfigVersion = "1"

var SupportedConfigVersions = []string{CurrentConfigVersion}

func IsSupportedConfigVersion(v string) bool {
	for _, s := range SupportedConfigVersions {
		if v == s {
			return true
		}
	}
	return false
}

func SupportedConfigVersionsCSV() string {
	return strings.Join(SupportedConfigVersions, ", ")
}

// checkVersion accepts an absent version in YAML documents only.
func checkVersion(v string, required bool) error {
	if v == "" {
		if required {
			return errors.Mark(errors.New("missing required field: configVersion"), errors.ErrInvalidConfig)
		}
		return nil
	}
	if !IsSupportedConfigVersion(v) {
		return errors.Mark(
			errors.Newf("unsupported configVersion: %q (supported: %s)", v, SupportedConfigVersionsCSV()),
			errors.ErrInvalidConfig,
		)
	}
	return nil
}
