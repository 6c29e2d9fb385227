// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package diagnostics captures the cluster state of a finished run into a
// per-entry artifact directory. Collection is strictly an observer: it
// runs after every pipeline, pass or fail, and its own failures are
// reported without affecting the run's verdict.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"gopkg.in/yaml.v3"

	"github.com/chartmatrix/chartmatrix/pkg/command"
	"github.com/chartmatrix/chartmatrix/pkg/pipeline"
	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

var log = logf.Log.WithName("diagnostics")

// Collector dumps cluster state for one run into outDir/<entry id>/.
type Collector struct {
	runner    command.Runner
	kubectl   *command.Kubectl
	workloads wait.Oracle
	names     []string
	outDir    string
}

func NewCollector(runner command.Runner, kubectl *command.Kubectl, workloads wait.Oracle, names []string, outDir string) *Collector {
	return &Collector{runner: runner, kubectl: kubectl, workloads: workloads, names: names, outDir: outDir}
}

// Collect gathers kubectl dumps and a workload status snapshot. Partial
// results are kept: each capture failure is recorded and the rest still
// runs. The artifact directory path is returned even on error.
func (c *Collector) Collect(ctx context.Context, run *pipeline.Run) (string, error) {
	dir := filepath.Join(c.outDir, run.Entry.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create diagnostics directory %s", dir)
	}

	namespace := run.IDs.Namespace
	captures := []struct {
		file   string
		action command.Action
	}{
		{"resources.txt", c.kubectl.Action("get resources", "get", "all", "--namespace", namespace, "-o", "wide")},
		{"events.txt", c.kubectl.Action("get events", "get", "events", "--namespace", namespace, "--sort-by=.lastTimestamp")},
		{"pods.txt", c.kubectl.Action("describe pods", "describe", "pods", "--namespace", namespace)},
		{"secrets.txt", c.kubectl.Action("get secrets", "get", "secrets", "--namespace", namespace)},
	}

	var result *multierror.Error
	for _, capture := range captures {
		out, err := c.runner.Run(ctx, capture.action)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "capture %s", capture.file))
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, capture.file), []byte(out.Stdout), 0o600); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := c.snapshotWorkloads(ctx, namespace, dir); err != nil {
		result = multierror.Append(result, err)
	}

	if run.KeepForDebug() {
		if err := c.writeDebugMarker(dir, run); err != nil {
			result = multierror.Append(result, err)
		}
	}

	log.Info("Collected diagnostics", "entry", run.Entry.ID, "dir", dir)
	return dir, result.ErrorOrNil()
}

// snapshotWorkloads records the oracle's view of the workloads, the same
// view the readiness gates acted on.
func (c *Collector) snapshotWorkloads(ctx context.Context, namespace, dir string) error {
	status, err := c.workloads.Status(ctx, c.names)
	if err != nil {
		return errors.Wrap(err, "workload status snapshot")
	}

	data, err := yaml.Marshal(map[string]interface{}{
		"namespace":     namespace,
		"ready":         status.Ready,
		"restartCounts": status.RestartCounts,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "workloads.yaml"), data, 0o600)
}

// writeDebugMarker flags the namespace as kept for manual inspection.
// Cleanup tooling skips namespaces with a marker on file. Written for every
// kept namespace, whether the entry failed or was cancelled.
func (c *Collector) writeDebugMarker(dir string, run *pipeline.Run) error {
	reason := run.FirstFatal
	if reason == "" {
		reason = string(run.Verdict)
	}
	content := fmt.Sprintf("namespace %s kept for debugging: %s\n", run.IDs.Namespace, reason)
	return os.WriteFile(filepath.Join(dir, "DEBUG"), []byte(content), 0o600)
}
