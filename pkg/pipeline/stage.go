// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/chartmatrix/chartmatrix/pkg/command"
	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

// Kind is the fixed vocabulary of stage kinds. The orchestrator is not a
// general workflow engine: these kinds are sufficient to express
// install/upgrade chart-testing pipelines and nothing more.
type Kind string

const (
	KindRender              Kind = "render"
	KindLintValidate        Kind = "lint-validate"
	KindInstallPriorRelease Kind = "install-prior-release"
	KindDiff                Kind = "diff"
	KindAwaitReady          Kind = "await-ready"
	KindApplyFixture        Kind = "apply-fixture"
	KindInstallLocal        Kind = "install-local"
	KindRunTests            Kind = "run-tests"
	KindCollectDiagnostics  Kind = "collect-diagnostics"
)

// Policy decides what a stage failure does to its pipeline.
type Policy string

const (
	// PolicyFatal aborts the pipeline after recording the failure.
	PolicyFatal Policy = "fatal"
	// PolicyTolerant records the failure and lets the pipeline continue.
	PolicyTolerant Policy = "tolerant"
)

// Status of one stage execution.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Stage is one guarded, ordered unit of work. Exactly one of Action, Target
// and Func is set: Action stages go through the command runner, Target
// stages through the resource waiter, Func stages run composite work that
// needs more than a single external call.
type Stage struct {
	Name   string
	Kind   Kind
	Policy Policy

	// Guard decides whether the stage applies to the current matrix entry.
	// A nil guard always applies. A false guard records the stage as
	// skipped rather than silently omitting it.
	Guard func() bool

	Action *command.Action
	Target *wait.ReadinessTarget
	Oracle wait.Oracle
	Func   func(ctx context.Context) (string, error)
}

// StageResult is the recorded outcome of one stage execution.
type StageResult struct {
	Name     string
	Kind     Kind
	Policy   Policy
	Status   Status
	Output   string
	Err      error
	Duration time.Duration
	Attempts int // poll attempts, readiness gates only
}

func (r StageResult) String() string {
	return fmt.Sprintf("%s: %s", r.Name, r.Status)
}

func skippedResult(stage Stage) StageResult {
	return StageResult{Name: stage.Name, Kind: stage.Kind, Policy: stage.Policy, Status: StatusSkipped}
}
