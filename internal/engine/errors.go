package engine

import (
	"context"
	"fmt"

	"github.com/flarebyte/conduit/internal/errors"
)

// StageError is a failure attributed to one stage of a run. Item is the
// zero-based index of the last item the stage received, or -1 when no item
// is involved (origin stages, open and close).
type StageError struct {
	Pipeline string
	Index    int
	Key      string
	Item     int
	Err      error
}

func (e *StageError) Error() string {
	if e.Item < 0 {
		return fmt.Sprintf("pipeline %s: stage %d (%s): %v", e.Pipeline, e.Index, e.Key, e.Err)
	}
	return fmt.Sprintf("pipeline %s: stage %d (%s) at item %d: %v", e.Pipeline, e.Index, e.Key, e.Item, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// attributed reports whether err already names its stage or is a
// cancellation that belongs to no stage.
func attributed(err error) bool {
	var se *StageError
	return errors.As(err, &se) || errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}
