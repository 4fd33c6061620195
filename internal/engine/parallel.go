package engine

import (
	"context"
	"sync"

	"github.com/flarebyte/conduit/internal/chain"
)

// Job is one pipeline to run. Build is called on the worker so every run
// gets fresh stage instances.
type Job struct {
	Pipeline string
	Build    func() (*chain.Chain, error)
}

// Outcome is the result of one Job. Err holds either the build error (a
// *chain.ConfigurationError) or the run error.
type Outcome struct {
	Pipeline string
	Result   Result
	Err      error
}

// RunAll runs jobs with at most parallel concurrent runs. A failing job
// never stops its siblings; jobs not started before ctx is done report the
// context error. Outcomes are returned in job order.
func (e *Engine) RunAll(ctx context.Context, jobs []Job, parallel int) []Outcome {
	if parallel < 1 {
		parallel = 1
	}
	if parallel > len(jobs) {
		parallel = len(jobs)
	}
	return runIndexedParallel(len(jobs), parallel, func(i int) Outcome {
		j := jobs[i]
		out := Outcome{Pipeline: j.Pipeline}
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		c, err := j.Build()
		if err != nil {
			e.log.Errorw("Pipeline build failed", "pipeline", j.Pipeline, "error", err)
			out.Err = err
			return out
		}
		out.Result, out.Err = e.Run(ctx, c)
		return out
	})
}

// runIndexedParallel executes fn for indices [0,n) using a worker pool and
// returns the results indexed like their inputs.
func runIndexedParallel[T any](n, workers int, fn func(int) T) []T {
	type indexed struct {
		idx int
		val T
	}
	jobs := make(chan int)
	results := make(chan indexed)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range jobs {
			results <- indexed{idx: idx, val: fn(idx)}
		}
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go worker()
	}

	go func() {
		for i := 0; i < n; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	out := make([]T, n)
	for i := 0; i < n; i++ {
		r := <-results
		out[r.idx] = r.val
	}
	wg.Wait()
	return out
}
