package run

import (
	"fmt"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/internal/engine"
)

type runExitError struct {
	code int
	msg  string
}

func (e runExitError) Error() string { return e.msg }
func (e runExitError) ExitCode() int { return e.code }

func countFailures(outcomes []engine.Outcome) (config, exec int) {
	for _, o := range outcomes {
		switch {
		case o.Err == nil:
		case app.IsConfigError(o.Err):
			config++
		default:
			exec++
		}
	}
	return
}

// evaluateRunExit maps outcomes to the process exit: configuration errors
// first, then failed runs, then drift when requested.
func evaluateRunExit(outcomes []engine.Outcome, changes int, failOnChange bool) error {
	config, exec := countFailures(outcomes)
	if config > 0 {
		return runExitError{code: app.ExitConfigError, msg: fmt.Sprintf("%d pipeline(s) could not be built", config)}
	}
	if exec > 0 {
		return runExitError{code: app.ExitRunFailed, msg: fmt.Sprintf("%d of %d pipeline run(s) failed", exec, len(outcomes))}
	}
	if failOnChange && changes > 0 {
		return runExitError{code: app.ExitDrift, msg: fmt.Sprintf("drift detected: %d change(s)", changes)}
	}
	return nil
}
