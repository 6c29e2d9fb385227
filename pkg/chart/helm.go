// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package chart builds the helm invocations used by the pipeline stages.
// The package only constructs actions and formats their output, execution
// stays behind the command.Runner boundary so a fake runner can stand in
// for helm in tests.
package chart

import (
	"fmt"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/chartmatrix/chartmatrix/pkg/command"
)

// Helm describes the chart under test and the repository its published
// releases are installed from.
type Helm struct {
	ChartDir   string // local working tree of the chart
	ChartName  string
	RepoURL    string
	Kubeconfig string
}

// RenderAction renders the local chart to manifests on stdout.
func (h Helm) RenderAction(values map[string]string) command.Action {
	args := []string{"template", h.ChartName, h.ChartDir}
	args = append(args, setFlags(values)...)
	return command.New("render chart", "helm", args...).Build()
}

// LintAction lints the local chart. In strict mode warnings fail the lint.
func (h Helm) LintAction(values map[string]string, strict bool) command.Action {
	args := []string{"lint", h.ChartDir}
	if strict {
		args = append(args, "--strict")
	}
	args = append(args, setFlags(values)...)
	return command.New("lint chart", "helm", args...).Build()
}

// InstallAction installs a published release of the chart when versionRef is
// set, or the local working tree otherwise.
func (h Helm) InstallAction(release, namespace string, values map[string]string, versionRef string) command.Action {
	source := h.ChartDir
	args := []string{"install", release}
	if versionRef != "" {
		source = h.ChartName
		args = append(args, source, "--repo", h.RepoURL, "--version", versionRef)
	} else {
		args = append(args, source)
	}
	args = append(args, "--namespace", namespace, "--create-namespace", "--wait=false")
	args = append(args, setFlags(values)...)
	args = h.withKubeconfig(args)

	name := fmt.Sprintf("install %s", release)
	if versionRef != "" {
		name = fmt.Sprintf("install %s@%s", release, versionRef)
	}
	return command.New(name, "helm", args...).Build()
}

// UpgradeAction upgrades an existing release to the local working tree.
func (h Helm) UpgradeAction(release, namespace string, values map[string]string) command.Action {
	args := []string{"upgrade", release, h.ChartDir, "--namespace", namespace, "--wait=false"}
	args = append(args, setFlags(values)...)
	args = h.withKubeconfig(args)
	return command.New(fmt.Sprintf("upgrade %s", release), "helm", args...).Build()
}

// GetManifestAction fetches the manifests of the currently deployed release.
func (h Helm) GetManifestAction(release, namespace string) command.Action {
	args := h.withKubeconfig([]string{"get", "manifest", release, "--namespace", namespace})
	return command.New(fmt.Sprintf("get manifest %s", release), "helm", args...).Build()
}

// UninstallAction removes a release.
func (h Helm) UninstallAction(release, namespace string) command.Action {
	args := h.withKubeconfig([]string{"uninstall", release, "--namespace", namespace})
	return command.New(fmt.Sprintf("uninstall %s", release), "helm", args...).Build()
}

func (h Helm) withKubeconfig(args []string) []string {
	if h.Kubeconfig == "" {
		return args
	}
	return append(args, "--kubeconfig", h.Kubeconfig)
}

func setFlags(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var flags []string
	for _, k := range keys {
		flags = append(flags, "--set", fmt.Sprintf("%s=%s", k, values[k]))
	}
	return flags
}

// UnifiedDiff formats the difference between the deployed manifests and the
// locally rendered ones. An empty string means no drift.
func UnifiedDiff(deployed, rendered string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(deployed),
		B:        difflib.SplitLines(rendered),
		FromFile: "deployed",
		ToFile:   "rendered",
		Context:  3,
	})
}
