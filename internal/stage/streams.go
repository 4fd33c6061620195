package stage

import (
	"context"

	"github.com/flarebyte/conduit/internal/item"
)

// Originate builds an origin stream from a generator. The upstream is never
// pulled. emit reports false once the consumer stopped; the generator should
// return promptly when it does.
func Originate(ctx context.Context, gen func(ctx context.Context, emit func(any) bool) error) item.Stream {
	return func(yield func(any, error) bool) {
		stopped := false
		err := gen(ctx, func(v any) bool {
			if stopped {
				return false
			}
			if !yield(v, nil) {
				stopped = true
			}
			return !stopped
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// Map applies fn to every upstream item and yields its results in order.
// Returning no results drops the item; several results fan it out.
func Map(ctx context.Context, in item.Stream, fn func(ctx context.Context, v any) ([]any, error)) item.Stream {
	return func(yield func(any, error) bool) {
		for v, err := range in {
			if err != nil {
				yield(nil, err)
				return
			}
			out, err := fn(ctx, v)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, o := range out {
				if !yield(o, nil) {
					return
				}
			}
		}
	}
}

// Drain consumes every upstream item with fn and yields nothing, except the
// first error.
func Drain(ctx context.Context, in item.Stream, fn func(ctx context.Context, v any) error) item.Stream {
	return func(yield func(any, error) bool) {
		for v, err := range in {
			if err != nil {
				yield(nil, err)
				return
			}
			if err := fn(ctx, v); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
