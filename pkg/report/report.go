// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package report renders the outcome of a matrix run for humans and for
// CI tooling: a summary table on the terminal and a JSON artifact with the
// full per-stage detail.
package report

import (
	"encoding/json"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"

	"github.com/chartmatrix/chartmatrix/pkg/pipeline"
)

// Report aggregates the runs of one matrix execution.
type Report struct {
	runs []*pipeline.Run
}

func New(runs []*pipeline.Run) *Report {
	return &Report{runs: runs}
}

// Table renders the one-line-per-entry summary.
func (r *Report) Table() string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Entry", "Cluster", "Scenario", "Verdict", "Failed Stage", "Duration"})

	for _, run := range r.runs {
		t.AppendRow(table.Row{
			run.Entry.ID,
			run.Entry.ClusterVersion,
			string(run.Entry.Scenario),
			string(run.Verdict),
			run.FirstFatal,
			run.Duration().Round(time.Second).String(),
		})
	}

	t.AppendFooter(table.Row{"", "", "", r.summary(), "", ""})
	return t.Render()
}

func (r *Report) summary() string {
	counts := map[pipeline.Verdict]int{}
	for _, run := range r.runs {
		counts[run.Verdict]++
	}

	out, _ := json.Marshal(counts)
	return string(out)
}

// ExitCode is what the process should exit with: zero only if no entry
// failed outright or was cancelled. Tolerated failures do not fail the
// build, they are visible in the report instead.
func (r *Report) ExitCode() int {
	for _, run := range r.runs {
		if run.Verdict == pipeline.VerdictFailed || run.Verdict == pipeline.VerdictCancelled {
			return 1
		}
	}
	return 0
}

type jsonStage struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Policy   string `json:"policy"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

type jsonRun struct {
	ID              string      `json:"id"`
	ClusterVersion  string      `json:"clusterVersion"`
	Scenario        string      `json:"scenario"`
	Release         string      `json:"release"`
	Namespace       string      `json:"namespace"`
	Verdict         string      `json:"verdict"`
	FirstFatal      string      `json:"firstFatal,omitempty"`
	Duration        string      `json:"duration"`
	DiagnosticsPath string      `json:"diagnosticsPath,omitempty"`
	Stages          []jsonStage `json:"stages"`
}

// WriteJSON writes the full machine-readable report.
func (r *Report) WriteJSON(path string) error {
	out := make([]jsonRun, 0, len(r.runs))
	for _, run := range r.runs {
		jr := jsonRun{
			ID:              run.Entry.ID,
			ClusterVersion:  run.Entry.ClusterVersion,
			Scenario:        string(run.Entry.Scenario),
			Release:         run.IDs.Release,
			Namespace:       run.IDs.Namespace,
			Verdict:         string(run.Verdict),
			FirstFatal:      run.FirstFatal,
			Duration:        run.Duration().String(),
			DiagnosticsPath: run.DiagnosticsPath,
		}
		for _, stage := range run.Results {
			js := jsonStage{
				Name:     stage.Name,
				Kind:     string(stage.Kind),
				Policy:   string(stage.Policy),
				Status:   string(stage.Status),
				Duration: stage.Duration.String(),
				Attempts: stage.Attempts,
			}
			if stage.Err != nil {
				js.Error = stage.Err.Error()
			}
			jr.Stages = append(jr.Stages, js)
		}
		out = append(out, jr)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write report to %s", path)
	}
	return nil
}
