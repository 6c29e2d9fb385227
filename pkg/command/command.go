// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package command executes external operations on behalf of the
// orchestrator. The orchestrator never interprets what an Action does, it
// only invokes it and observes exit status and output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("command")

// Action is a single external operation to execute.
type Action struct {
	Name       string // human readable operation name, used in errors and logs
	Executable string
	Args       []string
	Env        []string // additional variables in k=v form
	WorkDir    string
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s", a.Executable, strings.Join(a.Args, " "))
}

// Decorator allows optional modifications to an Action.
type Decorator func(*Action) *Action

// New creates an action with the given name and arguments.
// Call Build() on the returned value to obtain the final action.
func New(name, executable string, args ...string) Decorator {
	return func(a *Action) *Action {
		a.Name = name
		a.Executable = executable
		a.Args = args
		return a
	}
}

// WithEnv sets extra environment variables to use with this action.
// Each variable must be defined in the form k=v.
func (d Decorator) WithEnv(env ...string) Decorator {
	return func(a *Action) *Action {
		d(a).Env = env
		return a
	}
}

// WithWorkDir sets the working directory of the action.
func (d Decorator) WithWorkDir(dir string) Decorator {
	return func(a *Action) *Action {
		d(a).WorkDir = dir
		return a
	}
}

// Build builds the final action with all the decorators applied.
func (d Decorator) Build() Action {
	return *d(&Action{})
}

// Output captures what an executed action produced.
type Output struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExecutionError reports an action that exited with a non-zero status.
type ExecutionError struct {
	Action   string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: exit code %d: %s", e.Action, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Runner executes Actions.
type Runner interface {
	Run(ctx context.Context, action Action) (Output, error)
}

type execRunner struct{}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() Runner {
	return &execRunner{}
}

// Run executes the action and captures its output. A non-zero exit status is
// returned as an *ExecutionError along with the partial output, never as a
// panic or a raw *exec.ExitError.
func (r *execRunner) Run(ctx context.Context, action Action) (Output, error) {
	cmd := exec.CommandContext(ctx, action.Executable, action.Args...) //nolint:gosec
	cmd.Dir = action.WorkDir
	cmd.Env = append(os.Environ(), action.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.V(1).Info("Executing action", "name", action.Name, "command", action.String())
	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Info("Action returned error code", "name", action.Name, "exit_code", exitErr.ExitCode())
		return out, &ExecutionError{
			Action:   action.Name,
			ExitCode: exitErr.ExitCode(),
			Stderr:   out.Stderr,
		}
	}

	// the process could not be started at all
	return out, fmt.Errorf("failed to run %s: %w", action.Name, err)
}
