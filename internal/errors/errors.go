// Package errors provides error handling for conduit.
//
// It re-exports github.com/cockroachdb/errors so every package wraps,
// inspects and combines errors the same way:
//
//	if err := st.Open(ctx); err != nil {
//	    return errors.Wrapf(err, "open stage %s", key)
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	GetAllHints = crdb.GetAllHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

// CombineErrors returns err, or other if err is nil, keeping other as a
// secondary error when both are set.
var CombineErrors = crdb.CombineErrors

// Sentinels shared across packages. Wrap them to add context and test with
// errors.Is.
var (
	// ErrNotFound indicates the requested record or plugin does not exist
	ErrNotFound = New("not found")

	// ErrInvalidConfig indicates a pipeline document or stage option is malformed
	ErrInvalidConfig = New("invalid configuration")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
