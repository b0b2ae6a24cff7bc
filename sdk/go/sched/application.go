// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sched

// An Application is a named unit of science: a program that jobs
// belong to, built as one or more platform-specific variants.
type Application struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`

	// MinAvgPFC is the normalization anchor: the lowest average
	// normalized performance found across this application's
	// qualifying variants. Zero until the first anchor
	// recomputation.
	MinAvgPFC float64 `json:"min_avg_pfc"`

	// HomogeneousVariant requires all replicas of a job to be
	// computed with the same executable variant.
	HomogeneousVariant bool `json:"homogeneous_variant"`
}

// A Platform identifies a target architecture/OS combination that
// executable variants are built for.
type Platform struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Deprecated bool   `json:"deprecated"`
}

// An AppVersion is one buildable/runnable form of an application for
// one platform and optional plan class.
type AppVersion struct {
	ID         int64  `json:"id"`
	AppID      int64  `json:"app_id"`
	PlatformID int64  `json:"platform_id"`
	VersionNum int    `json:"version_num"`
	Deprecated bool   `json:"deprecated"`
	Beta       bool   `json:"beta"`

	// PlanClass names the resource profile this variant declares
	// ("" = plain sequential CPU).
	PlanClass string `json:"plan_class"`

	// Resource is the processor type this variant's plan class
	// consumes, derived from the plan class when the catalog is
	// loaded.
	Resource ResourceType `json:"resource"`

	// MinCoreVersion is the oldest client version able to run
	// this variant.
	MinCoreVersion int `json:"min_core_version"`

	// Scale is the performance scale factor applied to claimed
	// performance figures computed with this variant. Always
	// strictly positive; reset by anchor recomputation.
	Scale float64 `json:"scale"`

	// PFC accumulates normalized performance samples across all
	// machines running this variant.
	PFC Average `json:"pfc"`

	// StatsVersion is the optimistic-concurrency token used by
	// the storage layer when Scale/PFC are written back.
	StatsVersion int64 `json:"stats_version"`
}

// EffectiveScale returns the variant's scale factor, treating an
// unset (zero) value as the default 1.0.
func (av *AppVersion) EffectiveScale() float64 {
	if av.Scale <= 0 {
		return 1
	}
	return av.Scale
}
