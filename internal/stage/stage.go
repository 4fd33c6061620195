// Package stage defines the contract every pipeline stage satisfies and the
// small helpers stages use to build their output streams.
//
// A stage exposes one operation, Transform, which maps an upstream stream to
// a downstream stream lazily. Capability roles are declared by embedding one
// of the marker structs Origin, Passthrough or Terminal. Stages that hold a
// resource also implement Resource; the engine opens them before the first
// item flows and closes them in reverse order on every exit path.
package stage

import (
	"context"

	"github.com/flarebyte/conduit/internal/item"
)

// Stage transforms a stream of items into another stream of items.
type Stage interface {
	Transform(ctx context.Context, in item.Stream) item.Stream
}

// Role is the capability role of a stage within a chain.
type Role string

const (
	// RoleOrigin stages ignore their upstream and synthesize items.
	RoleOrigin Role = "origin"
	// RoleTransform stages map each upstream item to zero or more items.
	RoleTransform Role = "transform"
	// RoleTerminal stages consume their upstream and yield nothing.
	RoleTerminal Role = "terminal"
)

// Roled is implemented by stages that declare a role.
type Roled interface {
	Role() Role
}

// Origin marks an origin stage when embedded.
type Origin struct{}

func (Origin) Role() Role { return RoleOrigin }

// Passthrough marks a transform stage when embedded.
type Passthrough struct{}

func (Passthrough) Role() Role { return RoleTransform }

// Terminal marks a terminal stage when embedded.
type Terminal struct{}

func (Terminal) Role() Role { return RoleTerminal }

// RoleOf returns the declared role of s, RoleTransform when undeclared.
func RoleOf(s Stage) Role {
	if r, ok := s.(Roled); ok {
		return r.Role()
	}
	return RoleTransform
}

// Resource is implemented by stages that acquire something for the length
// of a run (a database handle, an HTTP client, a file). Close must be safe
// to call on an instance that was never opened.
type Resource interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Typed is implemented by stages that declare the item kinds they accept
// and emit. The chain builder uses it for best-effort compatibility checks.
type Typed interface {
	Accepts() []item.Kind
	Emits() []item.Kind
}

// Accepts returns the kinds s declares it accepts, or nil when unknown.
func Accepts(s Stage) []item.Kind {
	if t, ok := s.(Typed); ok {
		return t.Accepts()
	}
	return nil
}

// Emits returns the kinds s declares it emits, or nil when unknown.
func Emits(s Stage) []item.Kind {
	if t, ok := s.(Typed); ok {
		return t.Emits()
	}
	return nil
}
