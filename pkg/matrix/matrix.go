// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package matrix holds the test matrix configuration: which scenarios run
// against which cluster versions, and the global settings shared by all of
// them.
package matrix

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/chartmatrix/chartmatrix/pkg/release"
)

// Scenario is the lifecycle path an entry exercises.
type Scenario string

const (
	ScenarioInstall Scenario = "install"
	ScenarioUpgrade Scenario = "upgrade"
)

// Entry identifies one test configuration of the matrix. Entries are built
// once from configuration and never mutated afterwards.
type Entry struct {
	ID             string            `yaml:"id"`
	ClusterVersion string            `yaml:"clusterVersion"`
	Scenario       Scenario          `yaml:"scenario"`
	UpgradeSource  string            `yaml:"upgradeSource,omitempty"` // stable or dev, upgrade scenarios only
	ValueOverrides map[string]string `yaml:"valueOverrides,omitempty"`
	ValidateArgs   []string          `yaml:"validateArgs,omitempty"`
	ApplyFixtures  bool              `yaml:"applyFixtures,omitempty"`
	DebugOnFailure bool              `yaml:"debugOnFailure,omitempty"`
}

// Settings are the global knobs shared by every pipeline of a run.
type Settings struct {
	Concurrency       int
	OverallDeadline   time.Duration
	PollInterval      time.Duration
	ReadinessDeadline time.Duration
	StableWindow      time.Duration
	MaxRestarts       int32

	ChartDir     string
	ChartName    string
	RepoURL      string
	SuitePath    string
	Workloads    []string
	CertSecret   string
	FixtureDir   string
	ScratchDir   string
	SchemaIgnore []string
}

// settingsYAML mirrors Settings with durations as strings, the form
// time.ParseDuration accepts (e.g. "5m", "10s").
type settingsYAML struct {
	Concurrency       int      `yaml:"concurrency"`
	OverallDeadline   string   `yaml:"overallDeadline"`
	PollInterval      string   `yaml:"pollInterval"`
	ReadinessDeadline string   `yaml:"readinessDeadline"`
	StableWindow      string   `yaml:"stableWindow"`
	MaxRestarts       *int32   `yaml:"maxRestarts"`
	ChartDir          string   `yaml:"chartDir"`
	ChartName         string   `yaml:"chartName"`
	RepoURL           string   `yaml:"repoURL"`
	SuitePath         string   `yaml:"suitePath"`
	Workloads         []string `yaml:"workloads"`
	CertSecret        string   `yaml:"certSecret"`
	FixtureDir        string   `yaml:"fixtureDir"`
	ScratchDir        string   `yaml:"scratchDir"`
	SchemaIgnore      []string `yaml:"schemaIgnore"`
}

func (s *Settings) UnmarshalYAML(node *yaml.Node) error {
	var aux settingsYAML
	if err := node.Decode(&aux); err != nil {
		return err
	}

	durations := []struct {
		raw    string
		target *time.Duration
	}{
		{aux.OverallDeadline, &s.OverallDeadline},
		{aux.PollInterval, &s.PollInterval},
		{aux.ReadinessDeadline, &s.ReadinessDeadline},
		{aux.StableWindow, &s.StableWindow},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q in settings", d.raw)
		}
		*d.target = parsed
	}

	s.Concurrency = aux.Concurrency
	// zero is a valid strict policy, only absence means "use the default"
	s.MaxRestarts = -1
	if aux.MaxRestarts != nil {
		s.MaxRestarts = *aux.MaxRestarts
	}
	s.ChartDir = aux.ChartDir
	s.ChartName = aux.ChartName
	s.RepoURL = aux.RepoURL
	s.SuitePath = aux.SuitePath
	s.Workloads = aux.Workloads
	s.CertSecret = aux.CertSecret
	s.FixtureDir = aux.FixtureDir
	s.ScratchDir = aux.ScratchDir
	s.SchemaIgnore = aux.SchemaIgnore
	return nil
}

// Config is the full configuration surface consumed by the matrix runner.
type Config struct {
	Settings Settings `yaml:"settings"`
	Entries  []Entry  `yaml:"entries"`
}

// Load reads, defaults and validates a matrix configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read matrix config %s", path)
	}

	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse matrix config %s", path)
	}

	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) applyDefaults() {
	s := &c.Settings
	if s.Concurrency == 0 {
		s.Concurrency = 2
	}
	if s.OverallDeadline == 0 {
		s.OverallDeadline = 2 * time.Hour
	}
	if s.PollInterval == 0 {
		s.PollInterval = 10 * time.Second
	}
	if s.ReadinessDeadline == 0 {
		s.ReadinessDeadline = 5 * time.Minute
	}
	if s.MaxRestarts < 0 {
		s.MaxRestarts = 2
	}
	if s.ChartName == "" && s.ChartDir != "" {
		parts := strings.Split(strings.TrimRight(s.ChartDir, "/"), "/")
		s.ChartName = parts[len(parts)-1]
	}
	if s.ScratchDir == "" {
		s.ScratchDir = os.TempDir()
	}
}

// Validate checks the structural invariants of the matrix. All violations
// are reported at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Settings.ChartDir == "" {
		result = multierror.Append(result, fmt.Errorf("settings.chartDir must be set"))
	}
	if c.Settings.Concurrency < 1 {
		result = multierror.Append(result, fmt.Errorf("settings.concurrency must be positive"))
	}
	if len(c.Entries) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one matrix entry is required"))
	}

	seen := map[string]bool{}
	for i, entry := range c.Entries {
		if entry.ID == "" {
			result = multierror.Append(result, fmt.Errorf("entry %d: id must be set", i))
			continue
		}
		if seen[entry.ID] {
			result = multierror.Append(result, fmt.Errorf("entry %s: duplicate id", entry.ID))
		}
		seen[entry.ID] = true

		switch entry.Scenario {
		case ScenarioInstall:
			if entry.UpgradeSource != "" {
				result = multierror.Append(result, fmt.Errorf("entry %s: install scenarios must not set upgradeSource", entry.ID))
			}
		case ScenarioUpgrade:
			if entry.UpgradeSource != release.ChannelStable && entry.UpgradeSource != release.ChannelDev {
				result = multierror.Append(result, fmt.Errorf("entry %s: upgrade scenarios require upgradeSource %q or %q", entry.ID, release.ChannelStable, release.ChannelDev))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("entry %s: unknown scenario %q", entry.ID, entry.Scenario))
		}
	}

	return result.ErrorOrNil()
}

// Identifiers are the per-entry release name and namespace. They carry a
// random suffix so that concurrent pipelines never target the same release
// or namespace on the shared cluster.
type Identifiers struct {
	Release   string
	Namespace string
}

// maxNameLength is the k8s limit on namespace and most resource names.
const maxNameLength = 63

func DeriveIdentifiers(entry Entry) Identifiers {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	id := sanitize(entry.ID)
	if max := maxNameLength - len("cm-") - len(suffix) - 1; len(id) > max {
		id = strings.TrimRight(id[:max], "-")
	}
	base := fmt.Sprintf("cm-%s-%s", id, suffix)
	return Identifiers{
		Release:   base,
		Namespace: base,
	}
}

// sanitize makes an entry ID usable as part of a k8s resource name.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
