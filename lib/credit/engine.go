// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package credit converts completed jobs into fair,
// cross-hardware-normalized credit values, and feeds the observed
// performance back into the statistics the variant selector reads.
package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BOINC/boinc-sub015/lib/catalog"
	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Mode classifies how a claimed-performance figure was computed.
type Mode int

const (
	// ModeNormal means the figure came from real elapsed-time and
	// resource-plan data with a trustworthy history: both the
	// variant scale factor and the host scale were applied.
	ModeNormal Mode = iota

	// ModeApproximate covers all the fallbacks: unknown variant,
	// known mid-run resource fallback, pre-modern client report,
	// anonymous variant with too little history, or a raw-value
	// sanity-check failure.
	ModeApproximate
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeNormal {
		return "normal"
	}
	return "approximate"
}

// ErrCreditCeiling indicates a computed credit value exceeded the
// configured per-job maximum. This means corrupt data or
// misconfiguration; the batch should stop rather than grant it.
var ErrCreditCeiling = errors.New("computed credit exceeds configured per-job ceiling")

// fallbackSignatures are diagnostic-text markers of known mid-run
// resource fallbacks, e.g. a GPU variant that silently ran in CPU
// emulation. Reports carrying one are credited from the declared
// estimate instead of their own timing.
var fallbackSignatures = []string{
	"Device Emulation (CPU)",
	"falling back to CPU",
}

// VariantStorage persists per-variant statistics and application
// anchors. SaveVariantStats is a conditioned write, failing with
// ErrStatsConflict unless the persisted version still equals
// expectVersion; on success it must bump the version both in the
// store and in any record it was given.
type VariantStorage interface {
	FetchVariantStats(ctx context.Context, variantID int64) (pfc sched.Average, scale float64, version int64, err error)
	SaveVariantStats(ctx context.Context, variantID int64, pfc sched.Average, scale float64, expectVersion int64) error
	SaveApplicationAnchor(ctx context.Context, appID int64, minAvgPFC float64) error
}

// ErrStatsConflict is returned by VariantStorage implementations
// when a conditioned write loses an optimistic-concurrency race.
var ErrStatsConflict = errors.New("variant statistics modified since read")

// An Engine computes claimed performance and credit for completed
// jobs. One Engine may serve many concurrent credit passes; each
// pass buffers its statistics in its own Batch.
type Engine struct {
	logger  logrus.FieldLogger
	perf    *perfstore.Store
	storage VariantStorage
	cfg     *sched.Config

	mCredit      prometheus.Counter
	mApproximate prometheus.Counter
	mAnomalies   prometheus.Counter
	mConflicts   prometheus.Counter
}

// NewEngine returns an Engine writing statistics through the given
// performance store and variant storage.
func NewEngine(logger logrus.FieldLogger, reg *prometheus.Registry, perf *perfstore.Store, storage VariantStorage, cfg *sched.Config) *Engine {
	e := &Engine{
		logger:  logger,
		perf:    perf,
		storage: storage,
		cfg:     cfg,
	}
	e.registerMetrics(reg)
	return e
}

func (e *Engine) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	e.mCredit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "credit",
		Name:      "granted_total",
		Help:      "Total credit granted.",
	})
	reg.MustRegister(e.mCredit)
	e.mApproximate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "credit",
		Name:      "approximate_total",
		Help:      "Number of claimed-performance figures computed in approximate mode.",
	})
	reg.MustRegister(e.mApproximate)
	e.mAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "credit",
		Name:      "anomalies_total",
		Help:      "Number of reports failing the raw-performance sanity check.",
	})
	reg.MustRegister(e.mAnomalies)
	e.mConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "credit",
		Name:      "commit_conflicts_total",
		Help:      "Number of optimistic-write conflicts during batched statistics commits.",
	})
	reg.MustRegister(e.mConflicts)
}

// anchorScaledEstimate is the approximate-mode fallback figure: the
// job's declared estimate scaled by the application's normalization
// anchor (1.0 until the first anchor recomputation).
func anchorScaledEstimate(job *sched.Job, app *sched.Application) float64 {
	anchor := app.MinAvgPFC
	if anchor <= 0 {
		anchor = 1
	}
	return job.FlopsEstimate * anchor
}

func hasFallbackSignature(stderr string) bool {
	for _, sig := range fallbackSignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// estimatedElapsed is the wall-clock seconds the job was expected to
// take on this machine, given the throughput estimate the dispatcher
// handed out with the assignment.
func estimatedElapsed(job *sched.Job, report *sched.CompletedReport) float64 {
	if report.FlopsEstimate <= 0 {
		return 0
	}
	return job.FlopsEstimate / report.FlopsEstimate
}

// ComputeClaimedPerformance produces the claimed-performance figure
// for one valid replica, applying the fallback rules in order, and
// records the observed samples into the performance record and the
// batch for later commit.
func (e *Engine) ComputeClaimedPerformance(ctx context.Context, report *sched.CompletedReport, job *sched.Job, app *sched.Application, snap *catalog.Snapshot, batch *Batch) (float64, Mode) {
	logger := e.logger.WithFields(logrus.Fields{
		"JobID":     job.ID,
		"ReplicaID": report.ReplicaID,
		"HostID":    report.HostID,
	})

	// Rule 1: unknown-variant sentinel. Credit from the declared
	// estimate, touch no statistics.
	if report.VariantID == 0 {
		e.mApproximate.Inc()
		return anchorScaledEstimate(job, app), ModeApproximate
	}

	// Rule 2: known mid-run resource fallback.
	if hasFallbackSignature(report.Stderr) {
		logger.Debug("fallback signature in diagnostic text, crediting declared estimate")
		e.mApproximate.Inc()
		return anchorScaledEstimate(job, app), ModeApproximate
	}

	genID := perfstore.GeneralizedVariantID(report.VariantID, job.AppID)
	variant, haveVariant := snap.LookupVariant(report.VariantID)
	var rt sched.ResourceType
	if haveVariant {
		rt = variant.Resource
	}
	rec, err := e.perf.Get(ctx, report.HostID, genID, rt)
	if err != nil {
		logger.WithError(err).Warn("performance record unavailable, crediting declared estimate")
		e.mApproximate.Inc()
		return anchorScaledEstimate(job, app), ModeApproximate
	}
	now := time.Now()

	// Rule 3: pre-modern client with no elapsed-time figure. Fall
	// back to a CPU-time-based figure corrected by the pair's
	// elapsed-ratio history, gated like any other use of that
	// history. Never normal mode.
	if report.ElapsedTime <= 0 {
		e.mApproximate.Inc()
		if rec.ElapsedRatio.N >= e.cfg.MinHostSamples && rec.ElapsedRatio.Avg > 0 && !rec.OnProbation(now) {
			anchor := app.MinAvgPFC
			if anchor <= 0 {
				anchor = 1
			}
			return anchor * report.CPUTime * report.FlopsEstimate / rec.ElapsedRatio.Avg, ModeApproximate
		}
		return anchorScaledEstimate(job, app), ModeApproximate
	}

	// Rule 4: raw-performance sanity check against the job's hard
	// bound. Failing it poisons the pair's history, so put the
	// pair on probation instead of recording the sample.
	rawPerf := report.ElapsedTime * report.FlopsEstimate
	if job.FlopsBound > 0 && rawPerf > job.FlopsBound {
		logger.WithFields(logrus.Fields{
			"RawPerf":    rawPerf,
			"FlopsBound": job.FlopsBound,
		}).Warn("claimed performance exceeds job's hard bound")
		e.mAnomalies.Inc()
		e.mApproximate.Inc()
		e.perf.Probate(ctx, rec, now.Add(e.cfg.ProbationPeriod.Duration()))
		return anchorScaledEstimate(job, app), ModeApproximate
	}

	// Rule 5: scale by the variant's own factor, and by the host
	// scale when both sides have enough history.
	mode := ModeApproximate
	value := rawPerf
	if haveVariant {
		value *= variant.EffectiveScale()
		if variant.PFC.N >= e.cfg.MinVersionSamples &&
			rec.PFC.N >= e.cfg.MinHostSamples &&
			rec.PFC.Avg > 0 && !rec.OnProbation(now) {
			hostScale := variant.PFC.Avg / rec.PFC.Avg
			if hostScale > e.cfg.HostScaleCap {
				hostScale = e.cfg.HostScaleCap
			}
			value *= hostScale
			mode = ModeNormal
		}
	}
	if mode == ModeApproximate {
		e.mApproximate.Inc()
	}

	// Record the raw observation for the next selection pass.
	normalized := 0.0
	if job.FlopsEstimate > 0 {
		normalized = rawPerf / job.FlopsEstimate
	}
	elapsedRatio := 0.0
	if est := estimatedElapsed(job, report); est > 0 {
		elapsedRatio = report.ElapsedTime / est
	}
	e.perf.UpdateAfterSuccess(rec, normalized, elapsedRatio, report.Turnaround)
	if batch != nil {
		batch.addHostSample(report.HostID, genID, rt, normalized, elapsedRatio, report.Turnaround)
		if haveVariant {
			batch.addVariantSample(variant.ID, normalized)
		}
	}
	return value, mode
}

// AssignCreditForJob computes the single credit value granted to
// every valid replica of a job. Replicas of the same job never
// receive different credit: the caller applies the returned value to
// each valid replica.
//
// Normal-mode figures are preferred; if none exists, all figures are
// averaged. Exceeding the per-job ceiling is a fatal anomaly, not a
// clamp.
func (e *Engine) AssignCreditForJob(ctx context.Context, job *sched.Job, app *sched.Application, snap *catalog.Snapshot, reports []sched.CompletedReport, batch *Batch) (float64, error) {
	var normal, all []float64
	for i := range reports {
		report := &reports[i]
		if !report.Valid {
			continue
		}
		value, mode := e.ComputeClaimedPerformance(ctx, report, job, app, snap, batch)
		all = append(all, value)
		if mode == ModeNormal {
			normal = append(normal, value)
		}
	}
	if len(all) == 0 {
		return 0, nil
	}
	pool := all
	if len(normal) > 0 {
		pool = normal
	}
	sum := 0.0
	for _, v := range pool {
		sum += v
	}
	claimed := sum / float64(len(pool))
	credit := claimed * e.cfg.CreditConversion
	if credit > e.cfg.MaxCreditPerJob {
		return 0, fmt.Errorf("%w: job %d computed %.1f > max %.1f", ErrCreditCeiling, job.ID, credit, e.cfg.MaxCreditPerJob)
	}
	e.mCredit.Add(credit)
	return credit, nil
}

// ApplyOutcome feeds one replica's outcome into the daily-quota
// governor: valid successes raise the pair's quota, failures lower
// it, and timeouts/crashes additionally trigger probation so the
// pair is re-measured from scratch.
func (e *Engine) ApplyOutcome(ctx context.Context, report *sched.CompletedReport, job *sched.Job, rt sched.ResourceType) {
	genID := perfstore.GeneralizedVariantID(report.VariantID, job.AppID)
	rec, err := e.perf.Get(ctx, report.HostID, genID, rt)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"HostID":    report.HostID,
			"VariantID": genID,
		}).WithError(err).Warn("cannot apply outcome: performance record unavailable")
		return
	}
	switch {
	case report.Outcome == sched.OutcomeSuccess && report.Valid:
		e.perf.ApplyGoodOutcome(ctx, rec, rt)
	case report.Outcome.CountsAgainstQuota():
		e.perf.ApplyBadOutcome(ctx, rec)
		if report.Outcome == sched.OutcomeTimeout || report.Outcome == sched.OutcomeCrash {
			e.perf.Probate(ctx, rec, time.Now().Add(e.cfg.ProbationPeriod.Duration()))
		}
	}
}
