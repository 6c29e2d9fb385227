// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package fixtures renders and applies supplementary cluster objects some
// matrix entries need before the chart under test is installed, for
// example secrets or config maps the chart references but does not own.
package fixtures

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/pkg/errors"

	"github.com/chartmatrix/chartmatrix/pkg/command"
)

// Params are exposed to every fixture template.
type Params struct {
	Namespace string
	Release   string
}

// Applier renders the fixture templates of a directory and applies them to
// the target namespace.
type Applier struct {
	runner     command.Runner
	kubectl    *command.Kubectl
	dir        string
	scratchDir string
}

func NewApplier(runner command.Runner, kubectl *command.Kubectl, dir, scratchDir string) *Applier {
	return &Applier{runner: runner, kubectl: kubectl, dir: dir, scratchDir: scratchDir}
}

// Apply renders each fixture template with the entry's identifiers and
// applies the result. Templates are processed in lexical order so fixtures
// can rely on their predecessors existing.
func (a *Applier) Apply(ctx context.Context, namespace, releaseName string) (string, error) {
	templates, err := a.list()
	if err != nil {
		return "", err
	}
	if len(templates) == 0 {
		return fmt.Sprintf("no fixture templates in %s", a.dir), nil
	}

	outDir := filepath.Join(a.scratchDir, "fixtures", releaseName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create fixture output directory %s", outDir)
	}

	params := Params{Namespace: namespace, Release: releaseName}
	var applied []string
	for _, name := range templates {
		rendered, err := renderTemplate(filepath.Join(a.dir, name), params)
		if err != nil {
			return "", err
		}

		outPath := filepath.Join(outDir, name)
		if err := os.WriteFile(outPath, []byte(rendered), 0o600); err != nil {
			return "", errors.Wrapf(err, "failed to write rendered fixture %s", outPath)
		}

		action := a.kubectl.Action(fmt.Sprintf("apply fixture %s", name),
			"apply", "--namespace", namespace, "-f", outPath)
		if out, err := a.runner.Run(ctx, action); err != nil {
			return out.Stderr, err
		}
		applied = append(applied, name)
	}

	return fmt.Sprintf("applied %s", strings.Join(applied, ", ")), nil
}

func (a *Applier) list() ([]string, error) {
	dirEntries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read fixture directory %s", a.dir)
	}

	var names []string
	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func renderTemplate(path string, params Params) (string, error) {
	tpl, err := template.New(filepath.Base(path)).Funcs(sprig.TxtFuncMap()).ParseFiles(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse fixture template %s", path)
	}

	var b strings.Builder
	if err := tpl.Execute(&b, params); err != nil {
		return "", errors.Wrapf(err, "failed to render fixture template %s", path)
	}
	return b.String(), nil
}
