// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package release resolves chart version references for upgrade scenarios
// from a chart repository index.
package release

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chartmatrix/chartmatrix/pkg/utils/retry"
)

var log = logf.Log.WithName("release")

// Channels an upgrade scenario can start from.
const (
	ChannelStable = "stable"
	ChannelDev    = "dev"
)

const (
	fetchTimeout  = 30 * time.Second
	fetchInterval = 2 * time.Second
)

// VersionResolver maps a release channel to a concrete chart version.
type VersionResolver interface {
	Resolve(ctx context.Context, channel string) (string, error)
}

// Resolver resolves versions from a helm repository index.
// The stable channel is the highest released version, the dev channel is the
// highest version overall, prereleases included.
type Resolver struct {
	RepoURL   string
	ChartName string
	Client    *http.Client
}

func NewResolver(repoURL, chartName string) *Resolver {
	return &Resolver{RepoURL: repoURL, ChartName: chartName, Client: http.DefaultClient}
}

type repoIndex struct {
	Entries map[string][]struct {
		Version string `yaml:"version"`
	} `yaml:"entries"`
}

func (r *Resolver) Resolve(ctx context.Context, channel string) (string, error) {
	if channel != ChannelStable && channel != ChannelDev {
		return "", fmt.Errorf("unknown release channel: %s", channel)
	}

	var index repoIndex
	err := retry.UntilSuccess(ctx, func() error {
		var fetchErr error
		index, fetchErr = r.fetchIndex(ctx)
		return fetchErr
	}, fetchTimeout, fetchInterval)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch repository index from %s", r.RepoURL)
	}

	versions, ok := index.Entries[r.ChartName]
	if !ok {
		return "", fmt.Errorf("chart %s not found in repository index", r.ChartName)
	}

	var best *semver.Version
	for _, entry := range versions {
		v, err := semver.ParseTolerant(entry.Version)
		if err != nil {
			log.V(1).Info("Skipping unparseable version in index", "version", entry.Version)
			continue
		}
		if channel == ChannelStable && len(v.Pre) > 0 {
			continue
		}
		if best == nil || v.GT(*best) {
			best = &v
		}
	}

	if best == nil {
		return "", fmt.Errorf("no %s version of chart %s in repository index", channel, r.ChartName)
	}

	log.Info("Resolved chart version", "chart", r.ChartName, "channel", channel, "version", best.String())
	return best.String(), nil
}

func (r *Resolver) fetchIndex(ctx context.Context) (repoIndex, error) {
	var index repoIndex

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.RepoURL+"/index.yaml", nil)
	if err != nil {
		return index, err
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return index, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return index, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, req.URL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return index, err
	}

	if err := yaml.Unmarshal(body, &index); err != nil {
		return index, errors.Wrap(err, "failed to parse repository index")
	}
	return index, nil
}
