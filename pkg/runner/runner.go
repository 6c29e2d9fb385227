// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package runner fans the matrix entries out over a bounded pool of
// workers. Each entry runs in its own pipeline with its own release name
// and namespace, so entries only share the cluster, never state.
package runner

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chartmatrix/chartmatrix/pkg/matrix"
	"github.com/chartmatrix/chartmatrix/pkg/pipeline"
)

var log logr.Logger = logf.Log.WithName("runner")

// Job is one runnable matrix entry. pipeline.Pipeline is the production
// implementation.
type Job interface {
	Run(ctx context.Context) *pipeline.Run
}

// Factory builds the job for one matrix entry. Called once per entry, on
// the worker goroutine that will run it.
type Factory func(entry matrix.Entry) Job

// MatrixRunner executes all matrix entries with bounded parallelism.
type MatrixRunner struct {
	factory     Factory
	concurrency int

	// OnComplete, when set, is invoked as each run finishes, in completion
	// order. Calls are serialized.
	OnComplete func(run *pipeline.Run)

	mu sync.Mutex
}

func New(factory Factory, concurrency int) *MatrixRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &MatrixRunner{factory: factory, concurrency: concurrency}
}

// Run executes every entry and returns the runs in entry order. Cancelling
// ctx stops new stages from starting; entries already in flight finish
// with a cancelled verdict and entries not yet started still produce a
// run, so the report always covers the whole matrix.
func (r *MatrixRunner) Run(ctx context.Context, entries []matrix.Entry) []*pipeline.Run {
	log.Info("Starting matrix", "entries", len(entries), "concurrency", r.concurrency)

	jobs := make(chan int)
	results := make([]*pipeline.Run, len(entries))

	var wg sync.WaitGroup
	for w := 0; w < r.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				run := r.factory(entries[i]).Run(ctx)
				results[i] = run
				r.notify(run)
			}
		}()
	}

	for i := range entries {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (r *MatrixRunner) notify(run *pipeline.Run) {
	if r.OnComplete == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OnComplete(run)
}
