package run

import (
	"sync"

	"github.com/flarebyte/conduit/internal/diff"
	"github.com/flarebyte/conduit/internal/engine"
	"github.com/flarebyte/conduit/internal/item"
)

// driftObserver counts diff events per run. An event travels through every
// stage after the one that created it, so a run's count is the largest
// per-stage count rather than the sum.
type driftObserver struct {
	mu    sync.Mutex
	byRun map[string][]int
}

var _ engine.Observer = (*driftObserver)(nil)

func newDriftObserver() *driftObserver {
	return &driftObserver{byRun: map[string][]int{}}
}

func (d *driftObserver) OnRunStart(run engine.RunInfo) {
	d.mu.Lock()
	d.byRun[run.RunID] = make([]int, len(run.Keys))
	d.mu.Unlock()
}

func (d *driftObserver) OnItem(run engine.RunInfo, stage int, v any) {
	if !isDiffEvent(v) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := d.byRun[run.RunID]
	if stage >= 0 && stage < len(counts) {
		counts[stage]++
	}
}

func (d *driftObserver) OnEvent(engine.RunInfo, item.Event)            {}
func (d *driftObserver) OnRunEnd(engine.RunInfo, engine.Result, error) {}

func (d *driftObserver) changes(runID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.byRun[runID] {
		n = max(n, c)
	}
	return n
}

func (d *driftObserver) total() int {
	d.mu.Lock()
	ids := make([]string, 0, len(d.byRun))
	for id := range d.byRun {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	n := 0
	for _, id := range ids {
		n += d.changes(id)
	}
	return n
}

func isDiffEvent(v any) bool {
	var c *item.Content
	switch p := v.(type) {
	case item.ParsedItem:
		c = p.Content
	case *item.ParsedItem:
		if p != nil {
			c = p.Content
		}
	}
	if c == nil {
		return false
	}
	_, ok := c.Get(diff.FieldChange)
	return ok
}
