// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package selector picks the best executable variant for a
// requesting machine, combining the catalog snapshot with the
// per-(machine, variant) performance history and the daily-quota
// feedback loop.
package selector

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/BOINC/boinc-sub015/lib/catalog"
	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/jmcvetta/randutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A BestVariant is the outcome of one successful selection: the
// variant to ship (server-distributed or machine-supplied), how it
// will use the machine, and the projected throughput the dispatcher
// should use for deadline computation.
type BestVariant struct {
	// Variant is the selected server-distributed variant, nil in
	// anonymous-platform mode.
	Variant *sched.AppVersion

	// Anonymous is the selected machine-supplied variant, nil
	// otherwise.
	Anonymous *sched.AnonymousVariant

	// GeneralizedID keys the pair's performance record.
	GeneralizedID int64

	Usage          sched.ResourceUsage
	ProjectedFlops float64

	// Record is the performance record the selection was based
	// on, already charged for this assignment.
	Record *perfstore.Record
}

// A Selector runs the variant-selection algorithm. One Selector is
// shared by all request handlers; per-request state lives in the
// Request returned by NewRequest.
type Selector struct {
	logger  logrus.FieldLogger
	catalog *catalog.Catalog
	perf    *perfstore.Store
	plans   *PlanRegistry
	cfg     *sched.Config

	mtx      sync.Mutex
	inFlight map[string]int

	randMtx sync.Mutex
	rng     *rand.Rand

	mSelections prometheus.Counter
	mNoMatch    prometheus.Counter
	mProbes     prometheus.Counter
}

// New returns a Selector using the given catalog, performance store
// and plan-class registry.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, cat *catalog.Catalog, perf *perfstore.Store, plans *PlanRegistry, cfg *sched.Config) *Selector {
	s := &Selector{
		logger:   logger,
		catalog:  cat,
		perf:     perf,
		plans:    plans,
		cfg:      cfg,
		inFlight: map[string]int{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.registerMetrics(reg)
	return s
}

func (s *Selector) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s.mSelections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "selector",
		Name:      "selections_total",
		Help:      "Number of jobs matched to an executable variant.",
	})
	reg.MustRegister(s.mSelections)
	s.mNoMatch = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "selector",
		Name:      "no_match_total",
		Help:      "Number of selection attempts that found no usable variant.",
	})
	reg.MustRegister(s.mNoMatch)
	s.mProbes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "selector",
		Name:      "broken_pair_probes_total",
		Help:      "Number of times a probably-broken pair was probed at full score.",
	})
	reg.MustRegister(s.mProbes)
}

// jitter returns the multiplicative random factor applied to a
// projected throughput. The factor shrinks as the pair's sample
// count grows, so a slightly stale estimate cannot permanently
// starve a viable variant. A zero random factor disables jitter.
func (s *Selector) jitter(sampleCount float64) float64 {
	if s.cfg.VersionSelectRandomFactor == 0 {
		return 1
	}
	s.randMtx.Lock()
	x := s.rng.NormFloat64()
	s.randMtx.Unlock()
	return 1 + s.cfg.VersionSelectRandomFactor*x/math.Max(sampleCount, 1)
}

// probeOrPenalize decides the fate of a probably-broken pair: the
// heavy penalty on most evaluations, full score on a rare probe so
// the pair is never permanently blacklisted.
func (s *Selector) probeOrPenalize() float64 {
	if s.cfg.BrokenPairProbeOdds <= 1 {
		return 1
	}
	choice, err := randutil.WeightedChoice([]randutil.Choice{
		{Weight: s.cfg.BrokenPairProbeOdds - 1, Item: false},
		{Weight: 1, Item: true},
	})
	if err == nil && choice.Item.(bool) {
		s.mProbes.Inc()
		return 1
	}
	return s.cfg.BrokenPairPenalty
}

func inFlightKey(appName string, rt sched.ResourceType) string {
	return fmt.Sprintf("%s/%s", appName, rt)
}

func (s *Selector) atInFlightLimit(appName string, rt sched.ResourceType) bool {
	key := inFlightKey(appName, rt)
	limit := s.cfg.MaxJobsInFlight[key]
	if limit <= 0 {
		return false
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.inFlight[key] >= limit
}

func (s *Selector) jobStarted(appName string, rt sched.ResourceType) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.inFlight[inFlightKey(appName, rt)]++
}

// JobFinished releases one in-flight slot for (application, resource
// type). The dispatcher calls it when a job completes, errors out,
// or times out.
func (s *Selector) JobFinished(appName string, rt sched.ResourceType) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	key := inFlightKey(appName, rt)
	if s.inFlight[key] > 0 {
		s.inFlight[key]--
	}
}

// A Request carries the per-request selection state: the catalog
// snapshot pinned at request start and the per-application result
// cache. The external dispatcher guarantees at most one in-flight
// request per machine, so a Request is never used concurrently.
type Request struct {
	sel  *Selector
	mach *sched.MachineCapability
	snap *catalog.Snapshot

	// cache maps application id to the previously selected
	// variant for this request; a nil entry caches a no-match.
	cache map[int64]*BestVariant
}

// NewRequest starts a selection session for one machine's request.
func (s *Selector) NewRequest(mach *sched.MachineCapability) *Request {
	return &Request{
		sel:   s,
		mach:  mach,
		snap:  s.catalog.Snapshot(),
		cache: map[int64]*BestVariant{},
	}
}

// Snapshot returns the catalog snapshot pinned for this request.
func (rq *Request) Snapshot() *catalog.Snapshot {
	return rq.snap
}

type candidate struct {
	variant   *sched.AppVersion
	anonymous *sched.AnonymousVariant
	genID     int64
	usage     sched.ResourceUsage
	projected float64
	score     float64
	rec       *perfstore.Record
}

// SelectBest picks the single best executable variant for job on
// this request's machine. A (nil, nil) return means no usable
// variant exists; callers must not retry the same job against the
// same machine within the same request.
func (rq *Request) SelectBest(ctx context.Context, job *sched.Job, reliableOnly bool) (*BestVariant, error) {
	s := rq.sel
	mach := rq.mach
	if job.MinClientVersion > 0 && mach.ClientVersion < job.MinClientVersion ||
		job.MaxClientVersion > 0 && mach.ClientVersion > job.MaxClientVersion {
		s.mNoMatch.Inc()
		return nil, nil
	}
	app, ok := rq.snap.LookupApplication(job.AppID)
	if !ok {
		s.mNoMatch.Inc()
		return nil, nil
	}

	if mach.Anonymous() {
		return rq.selectAnonymous(ctx, job, app, reliableOnly)
	}
	if job.PinnedVariantID != 0 {
		return rq.selectPinned(ctx, job, app, reliableOnly)
	}

	if best, hit := rq.cache[job.AppID]; hit {
		if best == nil {
			return nil, nil
		}
		// Jobs assigned earlier in this request may have used
		// up the cached pair's quota or in-flight headroom;
		// re-search instead of reusing a stale entry.
		if best.Record.QuotaExceeded(time.Now()) || s.atInFlightLimit(app.Name, best.Usage.Resource) {
			delete(rq.cache, job.AppID)
		} else {
			rq.commit(ctx, app, best)
			return best, nil
		}
	}

	var best *candidate
	for _, platformName := range mach.Platforms {
		platform, ok := rq.snap.LookupPlatform(platformName)
		if !ok || platform.Deprecated {
			continue
		}
		found := false
		for _, av := range rq.snap.VersionsFor(job.AppID, platform.ID) {
			cand, ok := rq.evaluate(ctx, job, app, av, reliableOnly)
			if !ok {
				continue
			}
			found = true
			if best == nil || cand.score > best.score {
				best = cand
			}
		}
		if found && s.cfg.SelectFirstPlatform {
			break
		}
	}
	if best == nil {
		rq.cache[job.AppID] = nil
		s.mNoMatch.Inc()
		return nil, nil
	}
	bv := &BestVariant{
		Variant:        best.variant,
		GeneralizedID:  best.genID,
		Usage:          best.usage,
		ProjectedFlops: best.projected,
		Record:         best.rec,
	}
	rq.cache[job.AppID] = bv
	rq.commit(ctx, app, bv)
	return bv, nil
}

// evaluate applies the rejection checks of the selection algorithm
// to one variant and, if it survives, scores it.
func (rq *Request) evaluate(ctx context.Context, job *sched.Job, app *sched.Application, av *sched.AppVersion, reliableOnly bool) (*candidate, bool) {
	s := rq.sel
	mach := rq.mach
	now := time.Now()

	if av.Deprecated && !(job.PinnedVersionNum != 0 && av.VersionNum == job.PinnedVersionNum) {
		return nil, false
	}
	if job.PinnedVersionNum != 0 && av.VersionNum != job.PinnedVersionNum {
		return nil, false
	}
	if av.Beta && !mach.AllowBeta {
		return nil, false
	}
	if av.MinCoreVersion > 0 && mach.ClientVersion < av.MinCoreVersion {
		return nil, false
	}
	feasible, usage := s.plans.Check(mach, av.PlanClass, job)
	if !feasible {
		return nil, false
	}
	if !mach.Wants(usage.Resource) {
		return nil, false
	}
	if s.atInFlightLimit(app.Name, usage.Resource) {
		return nil, false
	}
	rec, err := s.perf.Get(ctx, mach.HostID, av.ID, usage.Resource)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"HostID":    mach.HostID,
			"VariantID": av.ID,
		}).WithError(err).Warn("skipping variant: performance record unavailable")
		return nil, false
	}
	if rec.OnProbation(now) || rec.QuotaExceeded(now) {
		return nil, false
	}
	if reliableOnly && !rec.Reliable {
		return nil, false
	}

	projected := s.ProjectThroughput(rec, av, mach, usage)
	score := projected * s.jitter(rec.PFC.N)
	if rec.LooksBroken() {
		score *= s.probeOrPenalize()
	}
	return &candidate{
		variant:   av,
		genID:     av.ID,
		usage:     usage,
		projected: projected,
		score:     score,
		rec:       rec,
	}, true
}

// selectPinned handles jobs restricted to one exact variant
// (homogeneous-replication applications). The machine must accept
// that variant or get nothing.
func (rq *Request) selectPinned(ctx context.Context, job *sched.Job, app *sched.Application, reliableOnly bool) (*BestVariant, error) {
	s := rq.sel
	av, ok := rq.snap.LookupVariant(job.PinnedVariantID)
	if !ok {
		s.mNoMatch.Inc()
		return nil, nil
	}
	platformOK := false
	for _, name := range rq.mach.Platforms {
		if p, ok := rq.snap.LookupPlatform(name); ok && p.ID == av.PlatformID {
			platformOK = true
			break
		}
	}
	if !platformOK {
		s.mNoMatch.Inc()
		return nil, nil
	}
	cand, ok := rq.evaluate(ctx, job, app, av, reliableOnly)
	if !ok {
		s.mNoMatch.Inc()
		return nil, nil
	}
	bv := &BestVariant{
		Variant:        cand.variant,
		GeneralizedID:  cand.genID,
		Usage:          cand.usage,
		ProjectedFlops: cand.projected,
		Record:         cand.rec,
	}
	rq.commit(ctx, app, bv)
	return bv, nil
}

// selectAnonymous scans the machine-supplied variant list instead of
// the catalog. Machine-supplied throughput figures are rescaled with
// any existing elapsed-time history, so later estimates are
// self-correcting even though the executable itself is opaque to
// this server.
func (rq *Request) selectAnonymous(ctx context.Context, job *sched.Job, app *sched.Application, reliableOnly bool) (*BestVariant, error) {
	s := rq.sel
	mach := rq.mach
	now := time.Now()
	genID := perfstore.GeneralizedVariantID(0, job.AppID)

	var best *candidate
	for i := range mach.AnonymousVariants {
		anon := &mach.AnonymousVariants[i]
		if anon.AppID != job.AppID {
			continue
		}
		if !mach.Wants(anon.Resource) {
			continue
		}
		if s.atInFlightLimit(app.Name, anon.Resource) {
			continue
		}
		rec, err := s.perf.Get(ctx, mach.HostID, genID, anon.Resource)
		if err != nil {
			s.logger.WithField("HostID", mach.HostID).WithError(err).Warn("skipping anonymous variant: performance record unavailable")
			continue
		}
		if rec.OnProbation(now) || rec.QuotaExceeded(now) {
			continue
		}
		if reliableOnly && !rec.Reliable {
			continue
		}
		usage := sched.ResourceUsage{
			Resource:  anon.Resource,
			CPUShare:  anon.CPUShare,
			GPUShare:  anon.GPUShare,
			PeakFlops: anon.AvgFlops,
		}
		projected := s.ProjectThroughput(rec, nil, mach, usage)
		if best == nil || projected > best.projected {
			best = &candidate{
				anonymous: anon,
				genID:     genID,
				usage:     usage,
				projected: projected,
				rec:       rec,
			}
		}
	}
	if best == nil {
		s.mNoMatch.Inc()
		return nil, nil
	}
	bv := &BestVariant{
		Anonymous:      best.anonymous,
		GeneralizedID:  best.genID,
		Usage:          best.usage,
		ProjectedFlops: best.projected,
		Record:         best.rec,
	}
	rq.commit(ctx, app, bv)
	return bv, nil
}

// commit charges the selection against quota and in-flight ceilings.
func (rq *Request) commit(ctx context.Context, app *sched.Application, bv *BestVariant) {
	s := rq.sel
	bv.Record.NoteAssigned(time.Now())
	s.perf.SaveQuota(ctx, bv.Record)
	s.jobStarted(app.Name, bv.Usage.Resource)
	s.mSelections.Inc()
}
