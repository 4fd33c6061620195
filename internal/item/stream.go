package item

import "iter"

// Stream is a lazily pulled sequence of items. A stream yields (item, nil)
// pairs and at most one final (nil, err); consumers stop at the first error.
type Stream = iter.Seq2[any, error]

// SeedStream yields the single Seed sentinel.
func SeedStream() Stream {
	return Of(Seed{})
}

// Of yields the given items in order.
func Of(items ...any) Stream {
	return func(yield func(any, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}

// Empty yields nothing.
func Empty() Stream {
	return func(func(any, error) bool) {}
}

// Fail yields err and stops.
func Fail(err error) Stream {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}

// Collect drains s and returns every item, stopping at the first error.
func Collect(s Stream) ([]any, error) {
	var out []any
	for it, err := range s {
		if err != nil {
			return out, err
		}
		out = append(out, it)
	}
	return out, nil
}
