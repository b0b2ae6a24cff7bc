// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/ghodss/yaml"
)

// Config carries every tunable of the matching and credit engine.
// The defaults reproduce the empirically tuned constants the project
// has run with for years; see DefaultConfig.
type Config struct {
	// Catalog capacity limits. Exceeding one is a fatal
	// configuration error reported at refresh time.
	MaxApplications int `json:"max_applications"`
	MaxAppVersions  int `json:"max_app_versions"`
	MaxPlatforms    int `json:"max_platforms"`

	// WorkSlots is the capacity of the available-job queue.
	WorkSlots int `json:"work_slots"`

	CatalogRefreshInterval Duration `json:"catalog_refresh_interval"`

	// SelectFirstPlatform stops the platform scan at the first
	// platform containing any feasible variant, instead of
	// scoring variants across all declared platforms.
	SelectFirstPlatform bool `json:"select_first_platform"`

	// VersionSelectRandomFactor scales the gaussian jitter applied
	// to projected throughput during variant selection. Zero makes
	// selection deterministic.
	VersionSelectRandomFactor float64 `json:"version_select_random_factor"`

	// BrokenPairPenalty and BrokenPairProbeOdds implement the
	// heavy penalty for (machine, variant) pairs that look broken:
	// the projected figure is multiplied by the penalty except on
	// one evaluation in BrokenPairProbeOdds.
	BrokenPairPenalty   float64 `json:"broken_pair_penalty"`
	BrokenPairProbeOdds int     `json:"broken_pair_probe_odds"`

	// Minimum sample counts before host- or version-level
	// statistics are trusted.
	MinHostSamples    float64 `json:"min_host_samples"`
	MinVersionSamples float64 `json:"min_version_samples"`

	// Bounded exponential update parameters for per-(machine,
	// variant) statistics and for per-variant statistics.
	HostAvgThreshold    float64 `json:"host_avg_threshold"`
	HostAvgWeight       float64 `json:"host_avg_weight"`
	HostAvgLimit        float64 `json:"host_avg_limit"`
	VersionAvgThreshold float64 `json:"version_avg_threshold"`
	VersionAvgWeight    float64 `json:"version_avg_weight"`
	VersionAvgLimit     float64 `json:"version_avg_limit"`

	// HostScaleCap bounds the host-scale correction applied when
	// computing claimed performance.
	HostScaleCap float64 `json:"host_scale_cap"`

	// ProjectionCap bounds history-corrected throughput
	// projections at ProjectionCap times the uncorrected estimate.
	ProjectionCap float64 `json:"projection_cap"`

	// GPUBenchmarkWeight is the multiplier applied to GPU shares
	// in the conservative throughput fallback.
	GPUBenchmarkWeight float64 `json:"gpu_benchmark_weight"`

	// DailyQuota is the per-(machine, variant) daily job ceiling,
	// per resource type name. The "default" key applies to
	// resource types with no entry of their own.
	DailyQuota map[string]int `json:"daily_quota"`

	// MaxJobsInFlight limits concurrently assigned jobs per
	// (application name, resource type name), keyed
	// "appname/resource". Zero or missing = unlimited.
	MaxJobsInFlight map[string]int `json:"max_jobs_in_flight"`

	ProbationPeriod Duration `json:"probation_period"`

	// ConsecutiveValidThreshold is the number of consecutively
	// valid replicas after which a pair is no longer suspected of
	// being broken.
	ConsecutiveValidThreshold int `json:"consecutive_valid_threshold"`

	// CreditConversion converts a claimed-performance figure
	// (FLOPs) into credit units.
	CreditConversion float64 `json:"credit_conversion"`

	// MaxCreditPerJob is the per-job credit ceiling. Exceeding it
	// indicates corrupt data or misconfiguration and is fatal.
	MaxCreditPerJob float64 `json:"max_credit_per_job"`

	// CommitRetries bounds the optimistic compare-and-retry loop
	// used by the batched statistics commit.
	CommitRetries int `json:"commit_retries"`

	// PerformanceCacheSize is the in-memory LRU capacity of the
	// performance-record cache.
	PerformanceCacheSize int `json:"performance_cache_size"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MaxApplications:           64,
		MaxAppVersions:            512,
		MaxPlatforms:              64,
		WorkSlots:                 100,
		CatalogRefreshInterval:    Duration(60e9),
		VersionSelectRandomFactor: 0.1,
		BrokenPairPenalty:         0.01,
		BrokenPairProbeOdds:       100,
		MinHostSamples:            10,
		MinVersionSamples:         100,
		HostAvgThreshold:          20,
		HostAvgWeight:             0.01,
		HostAvgLimit:              10,
		VersionAvgThreshold:       100,
		VersionAvgWeight:          0.001,
		VersionAvgLimit:           10,
		HostScaleCap:              10,
		ProjectionCap:             250,
		GPUBenchmarkWeight:        10,
		DailyQuota:                map[string]int{"default": 100},
		ProbationPeriod:           Duration(24 * 3600 * 1e9),
		ConsecutiveValidThreshold: 10,
		CreditConversion:          200 / 86400e9,
		MaxCreditPerJob:           1e6,
		CommitRetries:             5,
		PerformanceCacheSize:      10000,
	}
}

// LoadConfig reads YAML from rdr and overlays it on the defaults.
func LoadConfig(rdr io.Reader) (Config, error) {
	cfg := DefaultConfig()
	buf, err := ioutil.ReadAll(rdr)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("error decoding config: %s", err)
	}
	return cfg, nil
}

// LoadConfigFile reads the YAML config at path and overlays it on
// the defaults.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()
	return LoadConfig(f)
}

// DailyQuotaFor returns the configured daily job ceiling for the
// given resource type.
func (cfg *Config) DailyQuotaFor(rt ResourceType) int {
	if q, ok := cfg.DailyQuota[rt.String()]; ok {
		return q
	}
	if q, ok := cfg.DailyQuota["default"]; ok {
		return q
	}
	return 100
}
