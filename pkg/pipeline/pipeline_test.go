// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmatrix/chartmatrix/pkg/chart"
	"github.com/chartmatrix/chartmatrix/pkg/command"
	"github.com/chartmatrix/chartmatrix/pkg/matrix"
	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

type fakeRunner struct {
	actions []command.Action
	failOn  map[string]error // keyed by substring of the action name
	stdout  string
}

func (f *fakeRunner) Run(ctx context.Context, action command.Action) (command.Output, error) {
	if err := ctx.Err(); err != nil {
		return command.Output{}, err
	}
	f.actions = append(f.actions, action)
	for substr, err := range f.failOn {
		if strings.Contains(action.Name, substr) {
			return command.Output{Stderr: "command failed"}, err
		}
	}
	return command.Output{Stdout: f.stdout}, nil
}

type fakeOracle struct {
	ready bool
}

func (f fakeOracle) Status(ctx context.Context, workloads []string) (wait.Status, error) {
	return wait.Status{Ready: f.ready, RestartCounts: map[string]int32{}}, nil
}

type fakeValidator struct {
	err   error
	paths []string
}

func (f *fakeValidator) AgainstCluster(ctx context.Context, manifestsPath string, extraArgs []string) error {
	f.paths = append(f.paths, manifestsPath)
	return f.err
}

type fakeResolver struct {
	version  string
	channels []string
}

func (f *fakeResolver) Resolve(ctx context.Context, channel string) (string, error) {
	f.channels = append(f.channels, channel)
	return f.version, nil
}

type fakeSuite struct {
	calls int
	err   error
}

func (f *fakeSuite) Run(ctx context.Context, namespace, releaseName string) (string, error) {
	f.calls++
	return "12 passed", f.err
}

type fakeFixtures struct {
	calls int
}

func (f *fakeFixtures) Apply(ctx context.Context, namespace, releaseName string) (string, error) {
	f.calls++
	return "fixtures applied", nil
}

type fakeCollector struct {
	calls       int
	err         error
	ctxErr      error // ctx.Err() observed at collection time
	hadDeadline bool
}

func (f *fakeCollector) Collect(ctx context.Context, run *Run) (string, error) {
	f.calls++
	f.ctxErr = ctx.Err()
	_, f.hadDeadline = ctx.Deadline()
	if f.err != nil {
		return "", f.err
	}
	return "/tmp/diag/" + run.Entry.ID, nil
}

type harness struct {
	runner    *fakeRunner
	validator *fakeValidator
	resolver  *fakeResolver
	suite     *fakeSuite
	fixtures  *fakeFixtures
	collector *fakeCollector
	workloads wait.Oracle
	settings  matrix.Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		runner:    &fakeRunner{stdout: "kind: Deployment\n"},
		validator: &fakeValidator{},
		resolver:  &fakeResolver{version: "4.1.2"},
		suite:     &fakeSuite{},
		fixtures:  &fakeFixtures{},
		collector: &fakeCollector{},
		workloads: fakeOracle{ready: true},
		settings: matrix.Settings{
			PollInterval:      time.Millisecond,
			ReadinessDeadline: 100 * time.Millisecond,
			MaxRestarts:       2,
			ChartDir:          t.TempDir(),
			ChartName:         "hub",
			RepoURL:           "https://charts.example.com",
			Workloads:         []string{"hub", "proxy"},
			CertSecret:        "proxy-tls",
			ScratchDir:        t.TempDir(),
		},
	}
}

func (h *harness) pipeline(entry matrix.Entry) *Pipeline {
	deps := Deps{
		Runner:    h.runner,
		Waiter:    wait.NewWaiter(),
		Workloads: h.workloads,
		Certs:     fakeOracle{ready: true},
		Helm:      chart.Helm{ChartDir: h.settings.ChartDir, ChartName: h.settings.ChartName, RepoURL: h.settings.RepoURL},
		Kubectl:   command.NewKubectl(""),
		Validator: h.validator,
		Resolver:  h.resolver,
		Suite:     h.suite,
		Fixtures:  h.fixtures,
		Collector: h.collector,
	}
	return New(entry, matrix.DeriveIdentifiers(entry), h.settings, deps)
}

func installEntry() matrix.Entry {
	return matrix.Entry{ID: "k8s-1-31-install", ClusterVersion: "1.31", Scenario: matrix.ScenarioInstall}
}

func upgradeEntry() matrix.Entry {
	return matrix.Entry{ID: "k8s-1-31-upgrade", ClusterVersion: "1.31", Scenario: matrix.ScenarioUpgrade, UpgradeSource: "stable"}
}

func stageNames(results []StageResult) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, fmt.Sprintf("%s/%s", r.Name, r.Status))
	}
	return names
}

func TestInstallScenarioSkipsUpgradePrefix(t *testing.T) {
	h := newHarness(t)
	run := h.pipeline(installEntry()).Run(context.Background())

	assert.Equal(t, VerdictPassed, run.Verdict)
	assert.Equal(t, []string{
		"render/ok",
		"lint-strict/ok",
		"validate-against-api/ok",
		"install-prior-release/skipped",
		"diff-against-local/skipped",
		"await-prior-release-ready/skipped",
		"await-prior-cert-acquired/skipped",
		"apply-test-fixtures/skipped",
		"install-local-chart/ok",
		"await-local-ready/ok",
		"await-local-cert-acquired/ok",
		"run-test-suite/ok",
		"collect-diagnostics/ok",
	}, stageNames(run.Results))

	assert.Empty(t, h.resolver.channels, "install scenarios must not resolve a prior release")
	assert.Equal(t, 1, h.suite.calls)
	assert.Equal(t, 1, h.collector.calls)
}

func TestUpgradeScenarioRunsFullSequence(t *testing.T) {
	h := newHarness(t)
	run := h.pipeline(upgradeEntry()).Run(context.Background())

	assert.Equal(t, VerdictPassed, run.Verdict)
	assert.Equal(t, []string{
		"render/ok",
		"lint-strict/ok",
		"validate-against-api/ok",
		"install-prior-release/ok",
		"diff-against-local/ok",
		"await-prior-release-ready/ok",
		"await-prior-cert-acquired/ok",
		"apply-test-fixtures/skipped",
		"install-local-chart/ok",
		"await-local-ready/ok",
		"await-local-cert-acquired/ok",
		"run-test-suite/ok",
		"collect-diagnostics/ok",
	}, stageNames(run.Results))

	require.Equal(t, []string{"stable"}, h.resolver.channels)

	// prior release install pins the resolved version, the final install is
	// an upgrade to the local working tree
	var sawPinnedInstall, sawUpgrade bool
	for _, action := range h.runner.actions {
		if strings.Contains(action.Name, "@4.1.2") {
			sawPinnedInstall = true
		}
		if strings.HasPrefix(action.Name, "upgrade ") {
			sawUpgrade = true
		}
	}
	assert.True(t, sawPinnedInstall)
	assert.True(t, sawUpgrade)
}

func TestUpgradePriorReadinessTimeoutFailsEntry(t *testing.T) {
	h := newHarness(t)
	h.workloads = fakeOracle{ready: false}

	run := h.pipeline(upgradeEntry()).Run(context.Background())

	assert.Equal(t, VerdictFailed, run.Verdict)
	assert.Equal(t, "await-prior-release-ready", run.FirstFatal)
	assert.Equal(t, 0, h.suite.calls, "suite must not run after a failed readiness gate")
	assert.Equal(t, 1, h.collector.calls)

	var failing StageResult
	var lastNonSkipped string
	for _, r := range run.Results {
		if r.Name == "await-prior-release-ready" {
			failing = r
		}
		if r.Kind != KindCollectDiagnostics && r.Status != StatusSkipped {
			lastNonSkipped = r.Name
		}
	}

	var timeoutErr *wait.TimeoutError
	require.ErrorAs(t, failing.Err, &timeoutErr)
	assert.Equal(t, "await-prior-release-ready", timeoutErr.Target)
	assert.Greater(t, failing.Attempts, 1)
	assert.Equal(t, "await-prior-release-ready", lastNonSkipped)

	for _, r := range run.Results {
		switch r.Name {
		case "await-prior-cert-acquired", "install-local-chart", "await-local-ready", "run-test-suite":
			assert.Equal(t, StatusSkipped, r.Status, r.Name)
		}
	}
}

func TestFixturesGuard(t *testing.T) {
	h := newHarness(t)
	entry := installEntry()
	entry.ApplyFixtures = true

	run := h.pipeline(entry).Run(context.Background())

	assert.Equal(t, VerdictPassed, run.Verdict)
	assert.Equal(t, 1, h.fixtures.calls)
}

func TestFatalFailureHaltsAndRecordsSkips(t *testing.T) {
	h := newHarness(t)
	h.validator.err = fmt.Errorf("server-side validation rejected manifests")

	run := h.pipeline(installEntry()).Run(context.Background())

	assert.Equal(t, VerdictFailed, run.Verdict)
	assert.Equal(t, "validate-against-api", run.FirstFatal)
	assert.Equal(t, 0, h.suite.calls, "test suite must not run after a fatal failure")
	assert.Equal(t, 1, h.collector.calls, "diagnostics runs even after a fatal failure")

	// the failing stage is the last non-skipped entry before diagnostics
	var lastNonSkipped string
	for _, r := range run.Results {
		if r.Kind == KindCollectDiagnostics {
			continue
		}
		if r.Status != StatusSkipped {
			lastNonSkipped = r.Name
		}
	}
	assert.Equal(t, "validate-against-api", lastNonSkipped)

	for _, r := range run.Results {
		if r.Name == "install-local-chart" || r.Name == "run-test-suite" {
			assert.Equal(t, StatusSkipped, r.Status, r.Name)
		}
	}
}

func TestTolerantFailureDoesNotHalt(t *testing.T) {
	h := newHarness(t)
	h.runner.failOn = map[string]error{"lint": fmt.Errorf("lint warnings in strict mode")}

	run := h.pipeline(installEntry()).Run(context.Background())

	assert.Equal(t, VerdictFailedTolerated, run.Verdict)
	assert.Empty(t, run.FirstFatal)
	assert.Equal(t, 1, h.suite.calls, "tolerant failures must not stop the pipeline")
}

func TestCancellationReportedDistinctly(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := h.pipeline(installEntry()).Run(ctx)

	assert.Equal(t, VerdictCancelled, run.Verdict)
	assert.Equal(t, 0, h.suite.calls)

	var cancelErr *CancelledError
	require.ErrorAs(t, run.Results[0].Err, &cancelErr)
	assert.Equal(t, "render", cancelErr.Stage)
}

func TestDiagnosticsDetachedAfterCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.pipeline(installEntry()).Run(ctx)

	require.Equal(t, 1, h.collector.calls)
	assert.NoError(t, h.collector.ctxErr, "diagnostics must not inherit the cancelled context")
	assert.True(t, h.collector.hadDeadline, "detached diagnostics context carries its own budget")
}

func TestDiagnosticsFailureNeverAltersVerdict(t *testing.T) {
	h := newHarness(t)
	h.collector.err = fmt.Errorf("kubectl describe failed")

	run := h.pipeline(installEntry()).Run(context.Background())

	assert.Equal(t, VerdictPassed, run.Verdict)
	last := run.Results[len(run.Results)-1]
	assert.Equal(t, KindCollectDiagnostics, last.Kind)
	assert.Equal(t, StatusFailed, last.Status)
}

func TestTeardownRemovesReleaseAndNamespace(t *testing.T) {
	h := newHarness(t)
	run := h.pipeline(installEntry()).Run(context.Background())

	require.Equal(t, VerdictPassed, run.Verdict)
	var sawUninstall, sawNamespaceDelete bool
	for _, action := range h.runner.actions {
		if strings.HasPrefix(action.Name, "uninstall ") {
			sawUninstall = true
		}
		if strings.HasPrefix(action.Name, "delete namespace ") {
			sawNamespaceDelete = true
		}
	}
	assert.True(t, sawUninstall)
	assert.True(t, sawNamespaceDelete)
}

func TestTeardownKeepsDebugEntriesOnFailure(t *testing.T) {
	h := newHarness(t)
	h.validator.err = fmt.Errorf("rejected")
	entry := installEntry()
	entry.DebugOnFailure = true

	run := h.pipeline(entry).Run(context.Background())

	require.Equal(t, VerdictFailed, run.Verdict)
	for _, action := range h.runner.actions {
		assert.NotContains(t, action.Name, "uninstall", "failed debug entries keep their release")
		assert.NotContains(t, action.Name, "delete namespace")
	}
}

func TestTeardownKeepsCancelledDebugEntries(t *testing.T) {
	h := newHarness(t)
	entry := installEntry()
	entry.DebugOnFailure = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := h.pipeline(entry).Run(ctx)

	require.Equal(t, VerdictCancelled, run.Verdict)
	assert.True(t, run.KeepForDebug())
	for _, action := range h.runner.actions {
		assert.NotContains(t, action.Name, "uninstall", "cancelled debug entries keep their release")
		assert.NotContains(t, action.Name, "delete namespace")
	}
}

func TestDiagnosticsPathRecorded(t *testing.T) {
	h := newHarness(t)
	run := h.pipeline(installEntry()).Run(context.Background())

	assert.Equal(t, "/tmp/diag/k8s-1-31-install", run.DiagnosticsPath)
}
