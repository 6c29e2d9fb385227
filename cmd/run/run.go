// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package run implements the command executing the whole test matrix.
package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	k8sclient "sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/chartmatrix/chartmatrix/pkg/chart"
	"github.com/chartmatrix/chartmatrix/pkg/command"
	"github.com/chartmatrix/chartmatrix/pkg/diagnostics"
	"github.com/chartmatrix/chartmatrix/pkg/fixtures"
	"github.com/chartmatrix/chartmatrix/pkg/matrix"
	"github.com/chartmatrix/chartmatrix/pkg/oracle"
	"github.com/chartmatrix/chartmatrix/pkg/pipeline"
	"github.com/chartmatrix/chartmatrix/pkg/release"
	"github.com/chartmatrix/chartmatrix/pkg/report"
	"github.com/chartmatrix/chartmatrix/pkg/runner"
	"github.com/chartmatrix/chartmatrix/pkg/suite"
	"github.com/chartmatrix/chartmatrix/pkg/validate"
	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

const (
	MatrixConfigFlag = "matrix-config"
	KubeconfigFlag   = "kubeconfig"
	ArtifactsDirFlag = "artifacts-dir"
)

var log = logf.Log.WithName("run")

func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the deployment test matrix",
		Long: `run executes every entry of the test matrix against the target cluster,
with bounded parallelism, and writes a report plus per-entry diagnostics.`,
		Run: func(cmd *cobra.Command, args []string) {
			execute()
		},
	}

	cmd.Flags().String(
		MatrixConfigFlag,
		"chartmatrix.yaml",
		"Path to the matrix configuration file",
	)
	cmd.Flags().String(
		KubeconfigFlag,
		"",
		"Path to the kubeconfig of the target cluster (defaults to in-cluster configuration)",
	)
	cmd.Flags().String(
		ArtifactsDirFlag,
		"artifacts",
		"Directory receiving the report and per-entry diagnostics",
	)

	// enable using dashed notation in flags and underscores in env
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.Error(err, "Unexpected error while binding flags")
		os.Exit(1)
	}
	viper.SetEnvPrefix("CHARTMATRIX")
	viper.AutomaticEnv()

	return cmd
}

func execute() {
	conf, err := matrix.Load(viper.GetString(MatrixConfigFlag))
	if err != nil {
		log.Error(err, "Invalid matrix configuration")
		os.Exit(1)
	}
	settings := conf.Settings

	artifactsDir := viper.GetString(ArtifactsDirFlag)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		log.Error(err, "Failed to create artifacts directory", "dir", artifactsDir)
		os.Exit(1)
	}

	kubeconfig := viper.GetString(KubeconfigFlag)
	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		log.Error(err, "Failed to load cluster configuration", "kubeconfig", kubeconfig)
		os.Exit(1)
	}
	client, err := k8sclient.New(restCfg, k8sclient.Options{Scheme: scheme.Scheme})
	if err != nil {
		log.Error(err, "Failed to create cluster client")
		os.Exit(1)
	}

	cmdRunner := command.NewRunner()
	kubectl := command.NewKubectl(kubeconfig)
	helm := chart.Helm{
		ChartDir:   settings.ChartDir,
		ChartName:  settings.ChartName,
		RepoURL:    settings.RepoURL,
		Kubeconfig: kubeconfig,
	}
	resolver := &release.Resolver{
		RepoURL:   settings.RepoURL,
		ChartName: settings.ChartName,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
	suiteRunner := suite.NewRunner(cmdRunner, settings.SuitePath, settings.ChartDir, kubeconfig)
	waiter := wait.NewWaiter()

	factory := func(entry matrix.Entry) runner.Job {
		ids := matrix.DeriveIdentifiers(entry)
		workloads := oracle.NewWorkloadOracle(client, ids.Namespace)
		return pipeline.New(entry, ids, settings, pipeline.Deps{
			Runner:    cmdRunner,
			Waiter:    waiter,
			Workloads: workloads,
			Certs:     oracle.NewCertificateOracle(client, ids.Namespace),
			Helm:      helm,
			Kubectl:   kubectl,
			Validator: validate.NewKubectlValidator(cmdRunner, kubectl),
			Resolver:  resolver,
			Suite:     suiteRunner,
			Fixtures:  fixtures.NewApplier(cmdRunner, kubectl, settings.FixtureDir, settings.ScratchDir),
			Collector: diagnostics.NewCollector(cmdRunner, kubectl, workloads, settings.Workloads, artifactsDir),
		})
	}

	ctx, cancel := context.WithTimeout(signals.SetupSignalHandler(), settings.OverallDeadline)
	defer cancel()

	matrixRunner := runner.New(factory, settings.Concurrency)
	matrixRunner.OnComplete = func(run *pipeline.Run) {
		log.Info("Entry finished", "entry", run.Entry.ID, "verdict", string(run.Verdict),
			"duration", run.Duration().Round(time.Second).String())
	}

	runs := matrixRunner.Run(ctx, conf.Entries)

	rep := report.New(runs)
	fmt.Fprintln(os.Stdout, rep.Table())

	reportPath := filepath.Join(artifactsDir, "report.json")
	if err := rep.WriteJSON(reportPath); err != nil {
		log.Error(err, "Failed to write report", "path", reportPath)
		os.Exit(1)
	}
	log.Info("Matrix run complete", "report", reportPath)

	os.Exit(rep.ExitCode())
}
