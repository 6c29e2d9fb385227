// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package pipeline sequences the stages of one deployment test scenario.
//
// There is a single canonical stage order. Upgrade scenarios are not a
// separate pipeline: they share the install path with an upgrade-only
// prefix inserted in front of it, switched per stage by guard predicates.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chartmatrix/chartmatrix/pkg/chart"
	"github.com/chartmatrix/chartmatrix/pkg/command"
	"github.com/chartmatrix/chartmatrix/pkg/matrix"
	"github.com/chartmatrix/chartmatrix/pkg/release"
	"github.com/chartmatrix/chartmatrix/pkg/validate"
	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

// diagnosticsBudget bounds diagnostics collection and teardown when the
// pipeline itself has already been cancelled.
const diagnosticsBudget = 30 * time.Second

// Verdict is the terminal state of one pipeline run.
type Verdict string

const (
	VerdictPassed          Verdict = "passed"
	VerdictFailed          Verdict = "failed"
	VerdictFailedTolerated Verdict = "failed-tolerated"
	VerdictCancelled       Verdict = "cancelled"
)

// SuiteRunner runs the black-box test suite against an installed release.
type SuiteRunner interface {
	Run(ctx context.Context, namespace, releaseName string) (string, error)
}

// FixtureApplier creates supplementary cluster objects some entries need
// before the local chart is installed.
type FixtureApplier interface {
	Apply(ctx context.Context, namespace, releaseName string) (string, error)
}

// Collector gathers diagnostics at the end of every run. It must never
// change the run's verdict.
type Collector interface {
	Collect(ctx context.Context, run *Run) (string, error)
}

// Deps are the external collaborators a pipeline drives.
type Deps struct {
	Runner    command.Runner
	Waiter    *wait.Waiter
	Workloads wait.Oracle
	Certs     wait.Oracle
	Helm      chart.Helm
	Kubectl   *command.Kubectl
	Validator validate.Validator
	Resolver  release.VersionResolver
	Suite     SuiteRunner
	Fixtures  FixtureApplier
	Collector Collector
}

// Run is one execution of a pipeline against one matrix entry. It owns its
// stage results exclusively; nothing is shared across concurrent runs.
type Run struct {
	Entry           matrix.Entry
	IDs             matrix.Identifiers
	Results         []StageResult
	Verdict         Verdict
	FirstFatal      string
	DiagnosticsPath string
	Started         time.Time
	Completed       time.Time
}

// HasFatalFailure reports whether a fatal-policy stage failed.
func (r *Run) HasFatalFailure() bool {
	return r.FirstFatal != ""
}

// KeepForDebug reports whether the entry's namespace and release are kept
// for manual inspection instead of being torn down.
func (r *Run) KeepForDebug() bool {
	return (r.Verdict == VerdictFailed || r.Verdict == VerdictCancelled) && r.Entry.DebugOnFailure
}

func (r *Run) Duration() time.Duration {
	return r.Completed.Sub(r.Started)
}

// Pipeline drives one matrix entry through the canonical stage sequence.
type Pipeline struct {
	entry    matrix.Entry
	settings matrix.Settings
	ids      matrix.Identifiers
	deps     Deps
	exec     *Executor

	scratchDir string

	// entry-scoped state threaded between stages
	manifestsPath string
	priorVersion  string
}

// New builds a pipeline for one entry. Identifiers are derived by the
// caller because namespace-scoped collaborators (the oracles, the
// collector) need them at construction time.
func New(entry matrix.Entry, ids matrix.Identifiers, settings matrix.Settings, deps Deps) *Pipeline {
	return &Pipeline{
		entry:      entry,
		settings:   settings,
		ids:        ids,
		deps:       deps,
		exec:       NewExecutor(deps.Runner, deps.Waiter),
		scratchDir: filepath.Join(settings.ScratchDir, entry.ID),
	}
}

// Run executes the stage sequence. A fatal stage failure halts the
// sequence, recording every remaining stage as skipped; diagnostics
// collection runs exactly once at the end no matter what, on a detached
// shortened budget if the run was cancelled.
func (p *Pipeline) Run(ctx context.Context) *Run {
	run := &Run{Entry: p.entry, IDs: p.ids, Started: time.Now()}

	log.Info("Starting pipeline", "entry", p.entry.ID, "scenario", string(p.entry.Scenario),
		"release", p.ids.Release, "namespace", p.ids.Namespace)

	halted := false
	cancelled := false
	for _, stage := range p.stages() {
		if halted {
			run.Results = append(run.Results, skippedResult(stage))
			continue
		}

		result := p.exec.Execute(ctx, stage)
		run.Results = append(run.Results, result)

		if result.Status != StatusFailed {
			continue
		}
		var cancelErr *CancelledError
		switch {
		case errors.As(result.Err, &cancelErr):
			cancelled = true
			halted = true
		case stage.Policy == PolicyFatal:
			run.FirstFatal = stage.Name
			halted = true
		}
	}

	// the verdict is final before diagnostics and teardown run, so both can
	// act on it and neither can change it
	run.Verdict = verdict(run, cancelled)
	p.collectDiagnostics(ctx, run)
	p.teardown(ctx, run)

	run.Completed = time.Now()
	log.Info("Pipeline finished", "entry", p.entry.ID, "verdict", string(run.Verdict))
	return run
}

func (p *Pipeline) collectDiagnostics(ctx context.Context, run *Run) {
	dctx := ctx
	if run.Verdict == VerdictCancelled || ctx.Err() != nil {
		// the run budget is spent, collect on a detached short one
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(context.Background(), diagnosticsBudget)
		defer cancel()
	}

	stage := Stage{
		Name:   "collect-diagnostics",
		Kind:   KindCollectDiagnostics,
		Policy: PolicyTolerant,
		Func: func(ctx context.Context) (string, error) {
			path, err := p.deps.Collector.Collect(ctx, run)
			run.DiagnosticsPath = path
			return path, err
		},
	}
	run.Results = append(run.Results, p.exec.Execute(dctx, stage))
}

// teardown removes the release and its namespace. Failed or cancelled
// entries with debugOnFailure keep both for manual inspection. Teardown is
// not a stage: its outcome is logged, never part of the verdict.
func (p *Pipeline) teardown(ctx context.Context, run *Run) {
	if run.KeepForDebug() {
		log.Info("Keeping release for debugging", "entry", p.entry.ID,
			"release", p.ids.Release, "namespace", p.ids.Namespace)
		return
	}

	if run.Verdict == VerdictCancelled || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), diagnosticsBudget)
		defer cancel()
	}

	if out, err := p.deps.Runner.Run(ctx, p.deps.Helm.UninstallAction(p.ids.Release, p.ids.Namespace)); err != nil {
		log.Info("Release uninstall failed", "entry", p.entry.ID, "error", err.Error(), "stderr", out.Stderr)
	}
	action := p.deps.Kubectl.Action(fmt.Sprintf("delete namespace %s", p.ids.Namespace),
		"delete", "namespace", p.ids.Namespace, "--ignore-not-found", "--wait=false")
	if out, err := p.deps.Runner.Run(ctx, action); err != nil {
		log.Info("Namespace deletion failed", "entry", p.entry.ID, "error", err.Error(), "stderr", out.Stderr)
	}
}

// verdict computes the terminal state. It runs before the diagnostics
// stage result is appended: diagnostics is recorded but never participates
// in the outcome.
func verdict(run *Run, cancelled bool) Verdict {
	if cancelled {
		return VerdictCancelled
	}
	if run.HasFatalFailure() {
		return VerdictFailed
	}
	for _, result := range run.Results {
		if result.Status == StatusFailed {
			return VerdictFailedTolerated
		}
	}
	return VerdictPassed
}

// stages returns the canonical ordered stage list for this entry. The
// upgrade-only stages form a strict prefix of the install path, enabled by
// guards rather than by a second pipeline definition.
func (p *Pipeline) stages() []Stage {
	isUpgrade := func() bool { return p.entry.Scenario == matrix.ScenarioUpgrade }
	wantsFixtures := func() bool { return p.entry.ApplyFixtures }

	workloadTarget := func(name string) *wait.ReadinessTarget {
		return &wait.ReadinessTarget{
			Name:         name,
			Workloads:    p.settings.Workloads,
			Deadline:     p.settings.ReadinessDeadline,
			PollInterval: p.settings.PollInterval,
			StableWindow: p.settings.StableWindow,
			MaxRestarts:  p.settings.MaxRestarts,
		}
	}
	certTarget := func(name string) *wait.ReadinessTarget {
		return &wait.ReadinessTarget{
			Name:         name,
			Workloads:    []string{p.settings.CertSecret},
			Deadline:     p.settings.ReadinessDeadline,
			PollInterval: p.settings.PollInterval,
		}
	}

	return []Stage{
		{
			Name:   "render",
			Kind:   KindRender,
			Policy: PolicyFatal,
			Func:   p.render,
		},
		{
			Name:   "lint-strict",
			Kind:   KindLintValidate,
			Policy: PolicyTolerant,
			Func:   p.lintStrict,
		},
		{
			Name:   "validate-against-api",
			Kind:   KindLintValidate,
			Policy: PolicyFatal,
			Func: func(ctx context.Context) (string, error) {
				return "", p.deps.Validator.AgainstCluster(ctx, p.manifestsPath, p.entry.ValidateArgs)
			},
		},
		{
			Name:   "install-prior-release",
			Kind:   KindInstallPriorRelease,
			Policy: PolicyFatal,
			Guard:  isUpgrade,
			Func:   p.installPriorRelease,
		},
		{
			Name:   "diff-against-local",
			Kind:   KindDiff,
			Policy: PolicyTolerant,
			Guard:  isUpgrade,
			Func:   p.diffAgainstLocal,
		},
		{
			Name:   "await-prior-release-ready",
			Kind:   KindAwaitReady,
			Policy: PolicyFatal,
			Guard:  isUpgrade,
			Target: workloadTarget("await-prior-release-ready"),
			Oracle: p.deps.Workloads,
		},
		{
			Name:   "await-prior-cert-acquired",
			Kind:   KindAwaitReady,
			Policy: PolicyFatal,
			Guard:  isUpgrade,
			Target: certTarget("await-prior-cert-acquired"),
			Oracle: p.deps.Certs,
		},
		{
			Name:   "apply-test-fixtures",
			Kind:   KindApplyFixture,
			Policy: PolicyFatal,
			Guard:  wantsFixtures,
			Func: func(ctx context.Context) (string, error) {
				return p.deps.Fixtures.Apply(ctx, p.ids.Namespace, p.ids.Release)
			},
		},
		{
			Name:   "install-local-chart",
			Kind:   KindInstallLocal,
			Policy: PolicyFatal,
			Func:   p.installLocalChart,
		},
		{
			Name:   "await-local-ready",
			Kind:   KindAwaitReady,
			Policy: PolicyFatal,
			Target: workloadTarget("await-local-ready"),
			Oracle: p.deps.Workloads,
		},
		{
			Name:   "await-local-cert-acquired",
			Kind:   KindAwaitReady,
			Policy: PolicyFatal,
			Target: certTarget("await-local-cert-acquired"),
			Oracle: p.deps.Certs,
		},
		{
			Name:   "run-test-suite",
			Kind:   KindRunTests,
			Policy: PolicyFatal,
			Func: func(ctx context.Context) (string, error) {
				return p.deps.Suite.Run(ctx, p.ids.Namespace, p.ids.Release)
			},
		},
	}
}

func (p *Pipeline) render(ctx context.Context) (string, error) {
	action := p.deps.Helm.RenderAction(p.entry.ValueOverrides)
	out, err := p.deps.Runner.Run(ctx, action)
	if err != nil {
		return out.Stderr, err
	}

	if err := os.MkdirAll(p.scratchDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create scratch directory %s", p.scratchDir)
	}
	p.manifestsPath = filepath.Join(p.scratchDir, "manifests.yaml")
	if err := os.WriteFile(p.manifestsPath, []byte(out.Stdout), 0o600); err != nil {
		return "", errors.Wrapf(err, "failed to write rendered manifests to %s", p.manifestsPath)
	}
	return fmt.Sprintf("rendered %d bytes to %s", len(out.Stdout), p.manifestsPath), nil
}

func (p *Pipeline) lintStrict(ctx context.Context) (string, error) {
	action := p.deps.Helm.LintAction(p.entry.ValueOverrides, true)
	out, err := p.deps.Runner.Run(ctx, action)
	if err != nil {
		return out.Stderr, err
	}

	mismatches, err := p.schemaCoverage()
	if err != nil {
		return out.Stdout, err
	}
	if len(mismatches) > 0 {
		return out.Stdout, fmt.Errorf("values and schema out of sync: %s", strings.Join(mismatches, ", "))
	}
	return out.Stdout, nil
}

// schemaCoverage cross-checks values.yaml against values.schema.yaml when
// the chart ships a schema.
func (p *Pipeline) schemaCoverage() ([]string, error) {
	schemaYAML, err := os.ReadFile(filepath.Join(p.settings.ChartDir, "values.schema.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	valuesYAML, err := os.ReadFile(filepath.Join(p.settings.ChartDir, "values.yaml"))
	if err != nil {
		return nil, err
	}
	return validate.SchemaCoverage(valuesYAML, schemaYAML, p.settings.SchemaIgnore)
}

func (p *Pipeline) installPriorRelease(ctx context.Context) (string, error) {
	version, err := p.deps.Resolver.Resolve(ctx, p.entry.UpgradeSource)
	if err != nil {
		return "", err
	}
	p.priorVersion = version

	action := p.deps.Helm.InstallAction(p.ids.Release, p.ids.Namespace, p.entry.ValueOverrides, version)
	out, err := p.deps.Runner.Run(ctx, action)
	if err != nil {
		return out.Stderr, err
	}
	return fmt.Sprintf("installed %s@%s from %s channel", p.ids.Release, version, p.entry.UpgradeSource), nil
}

func (p *Pipeline) diffAgainstLocal(ctx context.Context) (string, error) {
	action := p.deps.Helm.GetManifestAction(p.ids.Release, p.ids.Namespace)
	out, err := p.deps.Runner.Run(ctx, action)
	if err != nil {
		return out.Stderr, err
	}

	rendered, err := os.ReadFile(p.manifestsPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to read rendered manifests")
	}

	diff, err := chart.UnifiedDiff(out.Stdout, string(rendered))
	if err != nil {
		return "", err
	}
	if diff == "" {
		return "no changes between deployed release and local chart", nil
	}
	return diff, nil
}

func (p *Pipeline) installLocalChart(ctx context.Context) (string, error) {
	var action command.Action
	if p.entry.Scenario == matrix.ScenarioUpgrade {
		action = p.deps.Helm.UpgradeAction(p.ids.Release, p.ids.Namespace, p.entry.ValueOverrides)
	} else {
		action = p.deps.Helm.InstallAction(p.ids.Release, p.ids.Namespace, p.entry.ValueOverrides, "")
	}

	out, err := p.deps.Runner.Run(ctx, action)
	if err != nil {
		return out.Stderr, err
	}
	return fmt.Sprintf("release %s at local chart %s", p.ids.Release, p.settings.ChartDir), nil
}
