package engine

import (
	"context"

	"github.com/flarebyte/conduit/internal/chain"
	"github.com/flarebyte/conduit/internal/item"
)

// tracker follows which stage is executing so a panic can be attributed.
// A run is driven by a single goroutine; no locking is needed.
type tracker struct {
	current int
	stats   []StageStats
}

// guard wraps the output of stage k: it counts items, reports them to
// observers, diverts events, attributes errors and stops pulling once ctx
// is done.
func (e *Engine) guard(ctx context.Context, r *run, k int, link chain.Link, out item.Stream) item.Stream {
	return func(yield func(any, error) bool) {
		r.t.current = k
		for v, err := range out {
			if err != nil {
				if !attributed(err) {
					err = &StageError{
						Pipeline: r.info.Pipeline,
						Index:    k,
						Key:      link.Key,
						Item:     r.lastReceived(k),
						Err:      err,
					}
				}
				r.fail(err)
				r.t.current = k + 1
				yield(nil, err)
				return
			}
			if cerr := ctx.Err(); cerr != nil {
				r.fail(cerr)
				r.t.current = k + 1
				yield(nil, cerr)
				return
			}
			switch ev := v.(type) {
			case item.Event:
				e.observers.OnEvent(r.info, ev)
				continue
			case *item.Event:
				if ev != nil {
					e.observers.OnEvent(r.info, *ev)
				}
				continue
			}

			r.t.stats[k].Out++
			if k+1 < len(r.t.stats) {
				r.t.stats[k+1].In++
			}
			e.observers.OnItem(r.info, k, v)

			r.t.current = k + 1
			if !yield(v, nil) {
				return
			}
			r.t.current = k
		}
	}
}

// lastReceived is the index of the last item stage k pulled, -1 for none.
func (r *run) lastReceived(k int) int {
	if k == 0 {
		return -1
	}
	return r.t.stats[k].In - 1
}
