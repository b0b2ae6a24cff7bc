// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BOINC/boinc-sub015/lib/catalog"
	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/ctxlog"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&EngineSuite{})

type EngineSuite struct {
	cfg     sched.Config
	perf    *perfstore.Store
	storage *stubVariantStorage
	engine  *Engine
	snap    *catalog.Snapshot
}

// memRecordStorage keeps performance records in the perfstore cache
// only; unseen pairs start zeroed and nothing is persisted.
type memRecordStorage struct{}

func (memRecordStorage) FetchRecord(ctx context.Context, hostID, variantID int64) (*perfstore.Record, error) {
	return nil, perfstore.ErrRecordNotFound
}

func (memRecordStorage) SaveRecord(ctx context.Context, rec *perfstore.Record, expectVersion int64) error {
	return nil
}

func (memRecordStorage) SaveQuotaState(ctx context.Context, rec *perfstore.Record) error {
	return nil
}

type variantStats struct {
	pfc     sched.Average
	scale   float64
	version int64
}

// stubVariantStorage is an in-memory VariantStorage with the same
// conditioned-write contract as the PostgreSQL implementation, plus
// failure injection.
type stubVariantStorage struct {
	mtx      sync.Mutex
	variants map[int64]variantStats
	anchors  map[int64]float64

	// failNextSaves makes that many SaveVariantStats calls fail
	// with ErrStatsConflict before behaving normally again.
	failNextSaves int
	saveCalls     int
}

func newStubVariantStorage() *stubVariantStorage {
	return &stubVariantStorage{
		variants: map[int64]variantStats{},
		anchors:  map[int64]float64{},
	}
}

func (sv *stubVariantStorage) FetchVariantStats(ctx context.Context, variantID int64) (sched.Average, float64, int64, error) {
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	vs := sv.variants[variantID]
	return vs.pfc, vs.scale, vs.version, nil
}

func (sv *stubVariantStorage) SaveVariantStats(ctx context.Context, variantID int64, pfc sched.Average, scale float64, expectVersion int64) error {
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	sv.saveCalls++
	if sv.failNextSaves > 0 {
		sv.failNextSaves--
		return ErrStatsConflict
	}
	if sv.variants[variantID].version != expectVersion {
		return ErrStatsConflict
	}
	sv.variants[variantID] = variantStats{pfc: pfc, scale: scale, version: expectVersion + 1}
	return nil
}

func (sv *stubVariantStorage) SaveApplicationAnchor(ctx context.Context, appID int64, minAvgPFC float64) error {
	sv.mtx.Lock()
	defer sv.mtx.Unlock()
	sv.anchors[appID] = minAvgPFC
	return nil
}

func (s *EngineSuite) SetUpTest(c *check.C) {
	s.cfg = sched.DefaultConfig()
	var err error
	s.perf, err = perfstore.New(ctxlog.TestLogger(), prometheus.NewRegistry(), memRecordStorage{}, &s.cfg)
	c.Assert(err, check.IsNil)
	s.storage = newStubVariantStorage()
	s.engine = NewEngine(ctxlog.TestLogger(), prometheus.NewRegistry(), s.perf, s.storage, &s.cfg)

	apps := []sched.Application{{ID: 1, Name: "astro"}}
	versions := []sched.AppVersion{
		{ID: 10, AppID: 1, PlatformID: 100, VersionNum: 700, Scale: 1, PFC: sched.Average{N: 200, Avg: 1.0}},
		{ID: 11, AppID: 1, PlatformID: 100, VersionNum: 700, PlanClass: "cuda", Resource: sched.ResourceNvidiaGPU, Scale: 2, PFC: sched.Average{N: 200, Avg: 1.0}},
	}
	platforms := []sched.Platform{{ID: 100, Name: "x86_64-pc-linux-gnu"}}
	s.snap, err = catalog.Build(apps, versions, platforms, &s.cfg)
	c.Assert(err, check.IsNil)
}

func (s *EngineSuite) app() *sched.Application {
	app, _ := s.snap.LookupApplication(1)
	return app
}

func (s *EngineSuite) job() *sched.Job {
	return &sched.Job{ID: 1000, AppID: 1, FlopsEstimate: 1e12, FlopsBound: 1e14}
}

// seedHistory gives a (host, variant) pair enough samples that its
// history is trusted, with normalized performance avg.
func (s *EngineSuite) seedHistory(c *check.C, hostID, variantID int64, avg float64) *perfstore.Record {
	rec, err := s.perf.Get(context.Background(), hostID, variantID, sched.ResourceCPU)
	c.Assert(err, check.IsNil)
	rec.PFC = sched.Average{N: 20, Avg: avg}
	rec.ElapsedRatio = sched.AverageVar{Average: sched.Average{N: 20, Avg: 1.0}}
	return rec
}

func (s *EngineSuite) report(hostID int64) sched.CompletedReport {
	return sched.CompletedReport{
		JobID:         1000,
		ReplicaID:     hostID * 100,
		HostID:        hostID,
		VariantID:     10,
		ElapsedTime:   100,
		CPUTime:       95,
		Turnaround:    3600,
		FlopsEstimate: 1e9,
		Outcome:       sched.OutcomeSuccess,
		Valid:         true,
	}
}

func (s *EngineSuite) TestUnknownVariant(c *check.C) {
	report := s.report(7)
	report.VariantID = 0
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeApproximate)
	c.Check(value, check.Equals, 1e12)
}

func (s *EngineSuite) TestUnknownVariantUsesAnchor(c *check.C) {
	s.app().MinAvgPFC = 1.5
	report := s.report(7)
	report.VariantID = 0
	value, _ := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(value, check.Equals, 1.5e12)
}

func (s *EngineSuite) TestFallbackSignature(c *check.C) {
	report := s.report(7)
	report.Stderr = "Loading CUDA kernel...\nDevice Emulation (CPU) mode\ndone"
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeApproximate)
	c.Check(value, check.Equals, 1e12)

	// The pair's statistics are untouched.
	rec, err := s.perf.Get(context.Background(), 7, 10, sched.ResourceCPU)
	c.Assert(err, check.IsNil)
	c.Check(rec.PFC.N, check.Equals, 0.0)
}

func (s *EngineSuite) TestNoElapsedTime(c *check.C) {
	rec := s.seedHistory(c, 7, 10, 1.0)
	rec.ElapsedRatio.Avg = 2.0
	report := s.report(7)
	report.ElapsedTime = 0
	report.CPUTime = 200
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeApproximate)
	// CPU-time figure corrected by the pair's elapsed-ratio history.
	c.Check(value, check.Equals, 200*1e9/2.0)
}

func (s *EngineSuite) TestNoElapsedTimeNoHistory(c *check.C) {
	report := s.report(7)
	report.ElapsedTime = 0
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeApproximate)
	c.Check(value, check.Equals, 1e12)
}

func (s *EngineSuite) TestAnomalyTriggersProbation(c *check.C) {
	ctx := context.Background()
	rec := s.seedHistory(c, 7, 10, 1.0)
	job := s.job()
	job.FlopsBound = 1e10

	report := s.report(7) // rawPerf = 100 * 1e9 = 1e11 > bound
	value, mode := s.engine.ComputeClaimedPerformance(ctx, &report, job, s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeApproximate)
	c.Check(value, check.Equals, 1e12)
	// The suspect history is discarded, not blended.
	c.Check(rec.PFC.N, check.Equals, 0.0)
	c.Check(rec.OnProbation(time.Now()), check.Equals, true)
}

func (s *EngineSuite) TestNormalMode(c *check.C) {
	s.seedHistory(c, 7, 10, 2.0)
	report := s.report(7)
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeNormal)
	// rawPerf x variant scale (1) x host scale (1.0/2.0).
	c.Check(value, check.Equals, 1e11*0.5)
}

func (s *EngineSuite) TestNormalModeAppliesVariantScale(c *check.C) {
	rec, err := s.perf.Get(context.Background(), 7, 11, sched.ResourceNvidiaGPU)
	c.Assert(err, check.IsNil)
	rec.PFC = sched.Average{N: 20, Avg: 1.0}
	report := s.report(7)
	report.VariantID = 11
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeNormal)
	c.Check(value, check.Equals, 1e11*2)
}

func (s *EngineSuite) TestHostScaleCap(c *check.C) {
	// A pair claiming 1000x less than the variant average gets the
	// capped correction, not a 1000x bonus.
	s.seedHistory(c, 7, 10, 0.001)
	report := s.report(7)
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeNormal)
	c.Check(value, check.Equals, 1e11*s.cfg.HostScaleCap)
}

func (s *EngineSuite) TestInsufficientHistoryIsApproximate(c *check.C) {
	report := s.report(7)
	value, mode := s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, nil)
	c.Check(mode, check.Equals, ModeApproximate)
	// Variant scale still applies; host scale does not.
	c.Check(value, check.Equals, 1e11)
}

func (s *EngineSuite) TestRecordsSamples(c *check.C) {
	batch := s.engine.NewBatch()
	rec := s.seedHistory(c, 7, 10, 2.0)
	before := rec.PFC.N
	report := s.report(7)
	s.engine.ComputeClaimedPerformance(context.Background(), &report, s.job(), s.app(), s.snap, batch)
	c.Check(rec.PFC.N, check.Equals, before+1)
	c.Check(len(batch.variants[10]), check.Equals, 1)
	// normalized = rawPerf / declared estimate
	c.Check(batch.variants[10][0], check.Equals, 1e11/1e12)
}

func (s *EngineSuite) TestEqualCreditForReplicas(c *check.C) {
	s.seedHistory(c, 7, 10, 1.0)
	s.seedHistory(c, 8, 10, 1.0)
	reportA := s.report(7)
	reportA.ElapsedTime = 120
	reportB := s.report(8)
	reportB.ElapsedTime = 130
	// An invalid third replica contributes nothing to the average.
	reportC := s.report(9)
	reportC.ElapsedTime = 99999
	reportC.Outcome = sched.OutcomeAbnormalExit
	reportC.Valid = false

	credit, err := s.engine.AssignCreditForJob(context.Background(), s.job(), s.app(), s.snap,
		[]sched.CompletedReport{reportA, reportB, reportC}, nil)
	c.Assert(err, check.IsNil)
	c.Check(credit, check.Equals, (120e9+130e9)/2*s.cfg.CreditConversion)
}

func (s *EngineSuite) TestNormalFiguresPreferred(c *check.C) {
	s.seedHistory(c, 7, 10, 1.0)
	normal := s.report(7)
	unknown := s.report(8)
	unknown.VariantID = 0 // approximate, would claim 1e12

	credit, err := s.engine.AssignCreditForJob(context.Background(), s.job(), s.app(), s.snap,
		[]sched.CompletedReport{normal, unknown}, nil)
	c.Assert(err, check.IsNil)
	c.Check(credit, check.Equals, 1e11*s.cfg.CreditConversion)
}

func (s *EngineSuite) TestInvalidReplicasIgnored(c *check.C) {
	invalid := s.report(7)
	invalid.Valid = false
	credit, err := s.engine.AssignCreditForJob(context.Background(), s.job(), s.app(), s.snap,
		[]sched.CompletedReport{invalid}, nil)
	c.Assert(err, check.IsNil)
	c.Check(credit, check.Equals, 0.0)
}

func (s *EngineSuite) TestCreditCeiling(c *check.C) {
	s.cfg.MaxCreditPerJob = 1e-6
	report := s.report(7)
	_, err := s.engine.AssignCreditForJob(context.Background(), s.job(), s.app(), s.snap,
		[]sched.CompletedReport{report}, nil)
	c.Check(errors.Is(err, ErrCreditCeiling), check.Equals, true)
}

func (s *EngineSuite) TestApplyOutcomeGood(c *check.C) {
	ctx := context.Background()
	report := s.report(7)
	s.engine.ApplyOutcome(ctx, &report, s.job(), sched.ResourceCPU)
	rec, err := s.perf.Get(ctx, 7, 10, sched.ResourceCPU)
	c.Assert(err, check.IsNil)
	c.Check(rec.MaxJobsPerDay, check.Equals, s.cfg.DailyQuotaFor(sched.ResourceCPU))
	c.Check(rec.ConsecutiveValid, check.Equals, 1)
}

func (s *EngineSuite) TestApplyOutcomeBad(c *check.C) {
	ctx := context.Background()
	report := s.report(7)
	report.Outcome = sched.OutcomeAbnormalExit
	report.Valid = false
	s.engine.ApplyOutcome(ctx, &report, s.job(), sched.ResourceCPU)
	rec, err := s.perf.Get(ctx, 7, 10, sched.ResourceCPU)
	c.Assert(err, check.IsNil)
	c.Check(rec.MaxJobsPerDay, check.Equals, s.cfg.DailyQuotaFor(sched.ResourceCPU)-1)
	c.Check(rec.OnProbation(time.Now()), check.Equals, false)
}

func (s *EngineSuite) TestApplyOutcomeCrashProbates(c *check.C) {
	ctx := context.Background()
	report := s.report(7)
	report.Outcome = sched.OutcomeCrash
	report.Valid = false
	s.engine.ApplyOutcome(ctx, &report, s.job(), sched.ResourceCPU)
	rec, err := s.perf.Get(ctx, 7, 10, sched.ResourceCPU)
	c.Assert(err, check.IsNil)
	c.Check(rec.OnProbation(time.Now()), check.Equals, true)
}

func (s *EngineSuite) TestApplyOutcomeCancelledIsNeutral(c *check.C) {
	ctx := context.Background()
	report := s.report(7)
	report.Outcome = sched.OutcomeCancelled
	report.Valid = false
	s.engine.ApplyOutcome(ctx, &report, s.job(), sched.ResourceCPU)
	rec, err := s.perf.Get(ctx, 7, 10, sched.ResourceCPU)
	c.Assert(err, check.IsNil)
	c.Check(rec.MaxJobsPerDay, check.Equals, s.cfg.DailyQuotaFor(sched.ResourceCPU))
	c.Check(rec.ConsecutiveValid, check.Equals, 0)
}
