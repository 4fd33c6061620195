package app

import (
	"github.com/flarebyte/conduit/internal/errors"
)

// Exit codes of the conduit binary.
const (
	ExitSuccess     = 0
	ExitRunFailed   = 1
	ExitDrift       = 2
	ExitConfigError = 3
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }
func (e *ExitError) ExitCode() int { return e.Code }

// ConfigError tags err with ExitConfigError.
func ConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: ExitConfigError, Err: err}
}

// IsConfigError reports whether err stems from an invalid document, an
// unknown pipeline or a chain that could not be built.
func IsConfigError(err error) bool {
	return errors.Is(err, errors.ErrInvalidConfig) || errors.Is(err, errors.ErrNotFound)
}
