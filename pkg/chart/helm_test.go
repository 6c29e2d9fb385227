// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package chart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var helm = Helm{
	ChartDir:  "./charts/hub",
	ChartName: "hub",
	RepoURL:   "https://charts.example.org",
}

func TestRenderAction(t *testing.T) {
	action := helm.RenderAction(map[string]string{"proxy.https.enabled": "true", "hub.replicas": "2"})
	assert.Equal(t, "helm", action.Executable)
	// values are emitted in a stable order
	assert.Equal(t, []string{
		"template", "hub", "./charts/hub",
		"--set", "hub.replicas=2",
		"--set", "proxy.https.enabled=true",
	}, action.Args)
}

func TestLintAction(t *testing.T) {
	assert.NotContains(t, helm.LintAction(nil, false).Args, "--strict")
	assert.Contains(t, helm.LintAction(nil, true).Args, "--strict")
}

func TestInstallActionFromRepo(t *testing.T) {
	action := helm.InstallAction("rel-1", "ns-1", nil, "4.2.0")
	assert.Equal(t, "install rel-1@4.2.0", action.Name)
	assert.Equal(t, []string{
		"install", "rel-1", "hub",
		"--repo", "https://charts.example.org",
		"--version", "4.2.0",
		"--namespace", "ns-1", "--create-namespace", "--wait=false",
	}, action.Args)
}

func TestInstallActionLocal(t *testing.T) {
	action := helm.InstallAction("rel-1", "ns-1", nil, "")
	assert.Equal(t, "install rel-1", action.Name)
	assert.Contains(t, action.Args, "./charts/hub")
	assert.NotContains(t, action.Args, "--repo")
}

func TestUpgradeAction(t *testing.T) {
	action := helm.UpgradeAction("rel-1", "ns-1", map[string]string{"hub.image.tag": "dev"})
	assert.Equal(t, []string{
		"upgrade", "rel-1", "./charts/hub",
		"--namespace", "ns-1", "--wait=false",
		"--set", "hub.image.tag=dev",
	}, action.Args)
}

func TestKubeconfigPropagation(t *testing.T) {
	withConf := helm
	withConf.Kubeconfig = "/tmp/kubeconfig"
	assert.Contains(t, withConf.UninstallAction("rel", "ns").Args, "/tmp/kubeconfig")
	assert.NotContains(t, helm.UninstallAction("rel", "ns").Args, "/tmp/kubeconfig")
}

func TestUnifiedDiff(t *testing.T) {
	diff, err := UnifiedDiff("a: 1\nb: 2\n", "a: 1\nb: 3\n")
	require.NoError(t, err)
	assert.Contains(t, diff, "-b: 2")
	assert.Contains(t, diff, "+b: 3")

	same, err := UnifiedDiff("a: 1\n", "a: 1\n")
	require.NoError(t, err)
	assert.Empty(t, same)
}
