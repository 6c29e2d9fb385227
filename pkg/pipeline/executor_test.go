// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmatrix/chartmatrix/pkg/command"
	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

func TestExecuteActionStage(t *testing.T) {
	runner := &fakeRunner{stdout: "manifests"}
	e := NewExecutor(runner, wait.NewWaiter())

	action := command.New("render chart", "helm", "template", ".").Build()
	result := e.Execute(context.Background(), Stage{
		Name:   "render",
		Kind:   KindRender,
		Policy: PolicyFatal,
		Action: &action,
	})

	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "manifests", result.Output)
	require.Len(t, runner.actions, 1)
	assert.Equal(t, "render chart", runner.actions[0].Name)
}

func TestExecuteActionStageFailureCapturesStderr(t *testing.T) {
	runner := &fakeRunner{failOn: map[string]error{"render": errors.New("exit code 1")}}
	e := NewExecutor(runner, wait.NewWaiter())

	action := command.New("render chart", "helm", "template", ".").Build()
	result := e.Execute(context.Background(), Stage{Name: "render", Kind: KindRender, Policy: PolicyFatal, Action: &action})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "command failed", result.Output)
	assert.Error(t, result.Err)
}

func TestExecuteGuardSkipsWithoutSideEffects(t *testing.T) {
	runner := &fakeRunner{}
	e := NewExecutor(runner, wait.NewWaiter())

	action := command.New("upgrade rel", "helm", "upgrade").Build()
	result := e.Execute(context.Background(), Stage{
		Name:   "install-prior-release",
		Kind:   KindInstallPriorRelease,
		Policy: PolicyFatal,
		Guard:  func() bool { return false },
		Action: &action,
	})

	assert.Equal(t, StatusSkipped, result.Status)
	assert.Empty(t, runner.actions)
}

func TestExecuteTargetStageCountsAttempts(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, wait.NewWaiter())

	result := e.Execute(context.Background(), Stage{
		Name:   "await-local-ready",
		Kind:   KindAwaitReady,
		Policy: PolicyFatal,
		Target: &wait.ReadinessTarget{
			Name:         "await-local-ready",
			Workloads:    []string{"hub"},
			Deadline:     100 * time.Millisecond,
			PollInterval: time.Millisecond,
		},
		Oracle: fakeOracle{ready: true},
	})

	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteWrapsContextErrors(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, wait.NewWaiter())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.Execute(ctx, Stage{
		Name:   "run-test-suite",
		Kind:   KindRunTests,
		Policy: PolicyFatal,
		Func: func(ctx context.Context) (string, error) {
			return "", ctx.Err()
		},
	})

	assert.Equal(t, StatusFailed, result.Status)
	var cancelErr *CancelledError
	require.ErrorAs(t, result.Err, &cancelErr)
	assert.Equal(t, "run-test-suite", cancelErr.Stage)
}
