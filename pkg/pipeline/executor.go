// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package pipeline

import (
	"context"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chartmatrix/chartmatrix/pkg/command"
	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

var log = logf.Log.WithName("pipeline")

// Executor runs a single stage against the external collaborators.
type Executor struct {
	runner command.Runner
	waiter *wait.Waiter
}

func NewExecutor(runner command.Runner, waiter *wait.Waiter) *Executor {
	return &Executor{runner: runner, waiter: waiter}
}

// Execute runs one stage and records its outcome. Guarded-out stages are
// returned as skipped without touching any collaborator. Failures are
// captured in the result, never returned: the pipeline decides what a
// failure means based on the stage policy.
func (e *Executor) Execute(ctx context.Context, stage Stage) StageResult {
	if stage.Guard != nil && !stage.Guard() {
		log.V(1).Info("Skipping stage", "stage", stage.Name)
		return skippedResult(stage)
	}

	result := StageResult{Name: stage.Name, Kind: stage.Kind, Policy: stage.Policy}
	start := time.Now()

	var err error
	switch {
	case stage.Action != nil:
		var out command.Output
		out, err = e.runner.Run(ctx, *stage.Action)
		result.Output = out.Stdout
		if err != nil && out.Stderr != "" {
			result.Output = out.Stderr
		}
	case stage.Target != nil:
		result.Attempts, err = e.waiter.Await(ctx, stage.Oracle, *stage.Target)
	default:
		result.Output, err = stage.Func(ctx)
	}

	result.Duration = time.Since(start)

	if err != nil {
		if isContextError(err) {
			err = &CancelledError{Stage: stage.Name, Cause: err}
		}
		result.Status = StatusFailed
		result.Err = err
		log.Info("Stage failed", "stage", stage.Name, "policy", string(stage.Policy), "error", err.Error())
		return result
	}

	result.Status = StatusOK
	log.V(1).Info("Stage succeeded", "stage", stage.Name, "duration", result.Duration.String())
	return result
}
