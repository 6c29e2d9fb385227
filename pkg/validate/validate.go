// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package validate checks rendered manifests against the target cluster API
// and the chart's values file against its values schema.
package validate

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/chartmatrix/chartmatrix/pkg/command"
)

// ValidationError reports manifests rejected by the cluster API.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest validation failed: %s", e.Details)
}

// Validator validates rendered manifests against an external authority.
type Validator interface {
	AgainstCluster(ctx context.Context, manifestsPath string, extraArgs []string) error
}

// KubectlValidator performs a server-side dry-run apply, letting the
// cluster's API server and admission chain judge the manifests.
type KubectlValidator struct {
	runner  command.Runner
	kubectl *command.Kubectl
}

func NewKubectlValidator(runner command.Runner, kubectl *command.Kubectl) *KubectlValidator {
	return &KubectlValidator{runner: runner, kubectl: kubectl}
}

func (v *KubectlValidator) AgainstCluster(ctx context.Context, manifestsPath string, extraArgs []string) error {
	args := append([]string{"--dry-run=server", "-f", manifestsPath}, extraArgs...)
	action := v.kubectl.Action("validate manifests", "apply", args...)

	_, err := v.runner.Run(ctx, action)
	if err == nil {
		return nil
	}

	var execErr *command.ExecutionError
	if errors.As(err, &execErr) {
		return &ValidationError{Details: execErr.Stderr}
	}
	return err
}
