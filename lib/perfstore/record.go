// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package perfstore

import (
	"time"

	"github.com/BOINC/boinc-sub015/sdk/go/sched"
)

// A Record holds the running statistics for one (machine,
// generalized variant) pair. Records are created on first sight of a
// pair and never deleted, only decayed or reset by probation.
type Record struct {
	HostID int64 `json:"host_id"`

	// VariantID is the generalized variant id: a real executable
	// variant id, or a synthetic negative id for machine-supplied
	// anonymous-platform executables (see GeneralizedVariantID).
	VariantID int64 `json:"variant_id"`

	// PFC is the running average of normalized peak-performance
	// ratio (observed performance ÷ job's declared estimate).
	PFC sched.Average `json:"pfc"`

	// ElapsedRatio tracks observed elapsed time ÷ estimated
	// elapsed time, with variance.
	ElapsedRatio sched.AverageVar `json:"elapsed_ratio"`

	// Turnaround tracks seconds between assignment and report,
	// with variance.
	Turnaround sched.AverageVar `json:"turnaround"`

	// Daily quota state. QuotaDay is the civil date (in the
	// server's zone) the JobsToday counter belongs to; crossing
	// midnight resets the counter lazily.
	JobsToday     int    `json:"jobs_today"`
	QuotaDay      string `json:"quota_day"`
	MaxJobsPerDay int    `json:"max_jobs_per_day"`

	ProbationUntil time.Time `json:"probation_until"`

	// Reliable and Trusted are set by collaborators outside this
	// engine, from longer-horizon success history.
	Reliable bool `json:"reliable"`
	Trusted  bool `json:"trusted"`

	ConsecutiveValid int `json:"consecutive_valid"`

	// Version is the optimistic-concurrency token the storage
	// layer checks on conditioned writes.
	Version int64 `json:"version"`

	// Unflushed marks in-memory changes that have not reached the
	// persistent store. Decisions within the current pass use the
	// provisional values; a retry must not double-apply them.
	Unflushed bool `json:"-"`
}

// GeneralizedVariantID maps a reported variant id to the id
// performance records are keyed by. Machine-supplied executables
// have no server-side variant row, so their statistics accumulate
// under a synthetic per-application id.
func GeneralizedVariantID(variantID, appID int64) int64 {
	if variantID > 0 {
		return variantID
	}
	return -appID
}

// OnProbation reports whether the pair's statistics are currently
// suspended pending re-measurement.
func (rec *Record) OnProbation(now time.Time) bool {
	return now.Before(rec.ProbationUntil)
}

func quotaDay(now time.Time) string {
	return now.Format("2006-01-02")
}

// rollDay resets the daily counter if now is on a later day than the
// counter was accumulated on.
func (rec *Record) rollDay(now time.Time) {
	if day := quotaDay(now); rec.QuotaDay != day {
		rec.QuotaDay = day
		rec.JobsToday = 0
	}
}

// QuotaExceeded reports whether the pair has used up today's job
// quota.
func (rec *Record) QuotaExceeded(now time.Time) bool {
	rec.rollDay(now)
	return rec.JobsToday >= rec.MaxJobsPerDay
}

// NoteAssigned counts one job assignment against today's quota.
func (rec *Record) NoteAssigned(now time.Time) {
	rec.rollDay(now)
	rec.JobsToday++
	rec.Unflushed = true
}

// LooksBroken reports whether the pair has the signature of an
// executable that simply does not work on this machine: no
// successful samples, quota collapsed to the minimum, and no
// consecutive valid results.
func (rec *Record) LooksBroken() bool {
	return rec.PFC.N == 0 && rec.MaxJobsPerDay == 1 && rec.ConsecutiveValid == 0
}
