package run

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flarebyte/conduit/internal/engine"
	"github.com/flarebyte/conduit/internal/item"
)

// progressReporter prints the per-stage output counters of every active run
// on a ticker, and a final line when a run ends.
type progressReporter struct {
	interval time.Duration
	w        io.Writer

	mu     sync.Mutex
	active map[string]*runProgress
	done   chan struct{}
	wg     sync.WaitGroup
}

type runProgress struct {
	pipeline string
	out      []int
	events   int
}

var _ engine.Observer = (*progressReporter)(nil)

func newProgressReporter(w io.Writer, interval time.Duration) *progressReporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &progressReporter{
		interval: interval,
		w:        w,
		active:   map[string]*runProgress{},
		done:     make(chan struct{}),
	}
}

func (p *progressReporter) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.emit()
			case <-p.done:
				return
			}
		}
	}()
}

func (p *progressReporter) stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *progressReporter) OnRunStart(run engine.RunInfo) {
	p.mu.Lock()
	p.active[run.RunID] = &runProgress{pipeline: run.Pipeline, out: make([]int, len(run.Keys))}
	p.mu.Unlock()
}

func (p *progressReporter) OnItem(run engine.RunInfo, stage int, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.active[run.RunID]; r != nil && stage >= 0 && stage < len(r.out) {
		r.out[stage]++
	}
}

func (p *progressReporter) OnEvent(run engine.RunInfo, _ item.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.active[run.RunID]; r != nil {
		r.events++
	}
}

func (p *progressReporter) OnRunEnd(run engine.RunInfo, _ engine.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.active[run.RunID]
	if r == nil {
		return
	}
	delete(p.active, run.RunID)
	status := "done"
	if err != nil {
		status = "failed"
	}
	p.line(r, status)
}

func (p *progressReporter) emit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return p.active[ids[i]].pipeline < p.active[ids[j]].pipeline })
	for _, id := range ids {
		p.line(p.active[id], "running")
	}
}

// line must be called with mu held.
func (p *progressReporter) line(r *runProgress, status string) {
	counts := make([]string, len(r.out))
	for i, n := range r.out {
		counts[i] = strconv.Itoa(n)
	}
	_, _ = fmt.Fprintf(p.w, "progress pipeline=%s status=%s out=%s events=%d\n",
		r.pipeline, status, strings.Join(counts, "/"), r.events)
}
