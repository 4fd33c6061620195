package stage

import (
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/logger"
)

// ErrMissingOption is wrapped by Require when a kwarg is absent.
var ErrMissingOption = errors.New("missing required option")

// Options are the kwargs a pipeline passes to a stage constructor, verbatim.
type Options map[string]any

// Require fails when any key is absent, nil or an empty string.
func (o Options) Require(keys ...string) error {
	for _, k := range keys {
		v, ok := o[k]
		if !ok || v == nil || v == "" {
			return errors.Mark(errors.Newf("missing required option %q", k), ErrMissingOption)
		}
	}
	return nil
}

// Decode copies the kwargs into target using its mapstructure tags. Numeric
// strings are converted, durations may be written as "1m30s" and unknown
// keys are rejected.
func (o Options) Decode(target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "create kwargs decoder")
	}
	if err := dec.Decode(map[string]any(o)); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid kwargs"), errors.ErrInvalidConfig)
	}
	return nil
}

// Deps carries what a stage constructor may need besides its kwargs.
type Deps struct {
	Logger   *zap.SugaredLogger
	Pipeline string
	Index    int
	// BaseDir is the directory of the pipeline document; relative paths in
	// kwargs resolve against it.
	BaseDir string
}

// Log returns the stage logger tagged with the pipeline and stage index.
func (d Deps) Log() *zap.SugaredLogger {
	return logger.OrNop(d.Logger).With("pipeline", d.Pipeline, "stage_index", d.Index)
}

// Path resolves p against BaseDir unless it is absolute or empty.
func (d Deps) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || d.BaseDir == "" || p == ":memory:" {
		return p
	}
	return filepath.Join(d.BaseDir, p)
}
