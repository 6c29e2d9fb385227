// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package suite runs the black-box test suite against an installed
// release. The suite is an external command: it learns which release to
// target purely through its environment, never through code.
package suite

import (
	"context"
	"fmt"

	"github.com/chartmatrix/chartmatrix/pkg/command"
)

// DefaultExecutable runs when no suite path is configured.
const DefaultExecutable = "pytest"

// Runner invokes the configured test suite command.
type Runner struct {
	runner     command.Runner
	path       string
	workDir    string
	kubeconfig string
}

func NewRunner(runner command.Runner, path, workDir, kubeconfig string) *Runner {
	if path == "" {
		path = DefaultExecutable
	}
	return &Runner{runner: runner, path: path, workDir: workDir, kubeconfig: kubeconfig}
}

// Run executes the suite against the given release. The target release and
// namespace are handed over as environment variables so any suite
// implementation can consume them.
func (r *Runner) Run(ctx context.Context, namespace, releaseName string) (string, error) {
	env := []string{
		fmt.Sprintf("RELEASE_NAME=%s", releaseName),
		fmt.Sprintf("NAMESPACE=%s", namespace),
	}
	if r.kubeconfig != "" {
		env = append(env, fmt.Sprintf("KUBECONFIG=%s", r.kubeconfig))
	}

	action := command.New(fmt.Sprintf("test suite for %s", releaseName), r.path).
		WithEnv(env...).
		WithWorkDir(r.workDir).
		Build()

	out, err := r.runner.Run(ctx, action)
	if err != nil {
		return out.Stderr, err
	}
	return out.Stdout, nil
}
