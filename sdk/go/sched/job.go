// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sched

// A Job is one unit of work, possibly computed redundantly by
// several machines. The dispatcher hands a fully parsed Job to the
// selection and credit entry points; this engine never builds one
// from the wire.
type Job struct {
	ID    int64 `json:"id"`
	AppID int64 `json:"app_id"`

	// PinnedVariantID, when non-zero, restricts the job to one
	// specific executable variant (homogeneous-replication
	// applications).
	PinnedVariantID int64 `json:"pinned_variant_id"`

	// PinnedVersionNum, when non-zero, restricts the job to
	// variants with this declared version number.
	PinnedVersionNum int `json:"pinned_version_num"`

	// FlopsEstimate is the declared peak-operation-count estimate
	// for the job.
	FlopsEstimate float64 `json:"flops_estimate"`

	// FlopsBound is the hard resource bound: a job claiming to
	// have done more than this many operations is an anomaly.
	FlopsBound float64 `json:"flops_bound"`

	MemoryBound int64 `json:"memory_bound"`
	DiskBound   int64 `json:"disk_bound"`

	MinClientVersion int `json:"min_client_version"`
	MaxClientVersion int `json:"max_client_version"`
}
