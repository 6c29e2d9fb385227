// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/chartmatrix/chartmatrix/cmd/run"
	"github.com/chartmatrix/chartmatrix/pkg/about"
	"github.com/chartmatrix/chartmatrix/pkg/utils/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "chartmatrix",
		Short:        "Deployment test orchestrator for Helm charts",
		Version:      about.GetBuildInfo().VersionString(),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger()
		},
	}
	log.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(run.Command())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
