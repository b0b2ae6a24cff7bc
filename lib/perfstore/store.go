// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package perfstore maintains per-(machine, variant) performance
// statistics and the daily-quota/probation feedback loop that
// protects the dispatcher from misbehaving combinations.
package perfstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRecordNotFound is returned by Storage implementations
	// when no persisted record exists for a pair.
	ErrRecordNotFound = errors.New("performance record not found")

	// ErrVersionConflict is returned by Storage implementations
	// when a conditioned write loses an optimistic-concurrency
	// race.
	ErrVersionConflict = errors.New("performance record modified since read")
)

// Storage is the persistent-store collaborator. FetchRecord returns
// ErrRecordNotFound for unseen pairs. SaveRecord is a conditioned
// write: it fails with ErrVersionConflict unless the persisted
// version still equals expectVersion. SaveQuotaState updates only the
// quota/probation counters, keyed by (host, variant), without the
// version check; a lost update there costs at most a day of quota
// drift.
type Storage interface {
	FetchRecord(ctx context.Context, hostID, variantID int64) (*Record, error)
	SaveRecord(ctx context.Context, rec *Record, expectVersion int64) error
	SaveQuotaState(ctx context.Context, rec *Record) error
}

// A Store serves and updates performance records, caching them in
// memory so the many lookups performed during a single request don't
// each hit the persistent store.
type Store struct {
	logger  logrus.FieldLogger
	storage Storage
	cfg     *sched.Config
	cache   *lru.TwoQueueCache
	mtx     sync.Mutex

	mFetches    prometheus.Counter
	mProbations prometheus.Counter
	mQuotaUp    prometheus.Counter
	mQuotaDown  prometheus.Counter
}

// New returns a Store backed by the given storage collaborator.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, storage Storage, cfg *sched.Config) (*Store, error) {
	cache, err := lru.New2Q(cfg.PerformanceCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		logger:  logger,
		storage: storage,
		cfg:     cfg,
		cache:   cache,
	}
	s.registerMetrics(reg)
	return s, nil
}

func (s *Store) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s.mFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "perfstore",
		Name:      "record_fetches_total",
		Help:      "Number of performance records fetched from the persistent store.",
	})
	reg.MustRegister(s.mFetches)
	s.mProbations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "perfstore",
		Name:      "probations_total",
		Help:      "Number of (machine, variant) pairs placed on probation.",
	})
	reg.MustRegister(s.mProbations)
	s.mQuotaUp = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "perfstore",
		Name:      "quota_raises_total",
		Help:      "Number of daily-quota increases.",
	})
	reg.MustRegister(s.mQuotaUp)
	s.mQuotaDown = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "perfstore",
		Name:      "quota_cuts_total",
		Help:      "Number of daily-quota decreases.",
	})
	reg.MustRegister(s.mQuotaDown)
}

func cacheKey(hostID, variantID int64) string {
	return fmt.Sprintf("%d/%d", hostID, variantID)
}

// Get returns the record for (hostID, variantID), creating a zeroed
// record with the configured daily quota for rt on first sight of
// the pair. The returned record is shared: the external dispatcher
// serializes requests per machine, so two goroutines never mutate
// the same record concurrently.
func (s *Store) Get(ctx context.Context, hostID, variantID int64, rt sched.ResourceType) (*Record, error) {
	key := cacheKey(hostID, variantID)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if ent, ok := s.cache.Get(key); ok {
		return ent.(*Record), nil
	}
	rec, err := s.storage.FetchRecord(ctx, hostID, variantID)
	switch {
	case err == nil:
		s.mFetches.Inc()
	case errors.Is(err, ErrRecordNotFound):
		rec = &Record{
			HostID:        hostID,
			VariantID:     variantID,
			QuotaDay:      quotaDay(time.Now()),
			MaxJobsPerDay: s.cfg.DailyQuotaFor(rt),
		}
	default:
		return nil, fmt.Errorf("fetching performance record for host %d variant %d: %w", hostID, variantID, err)
	}
	s.cache.Add(key, rec)
	return rec, nil
}

// UpdateAfterSuccess folds one successful job's samples into the
// record using the bounded exponential update. Samples that fail the
// sanity checks (negative, NaN, infinite) are dropped by the Average
// types, so the stored statistics never contain them.
func (s *Store) UpdateAfterSuccess(rec *Record, pfcSample, elapsedRatioSample, turnaroundSample float64) {
	rec.PFC.Update(pfcSample, s.cfg.HostAvgThreshold, s.cfg.HostAvgWeight, s.cfg.HostAvgLimit)
	rec.ElapsedRatio.Update(elapsedRatioSample, s.cfg.HostAvgThreshold, s.cfg.HostAvgWeight, s.cfg.HostAvgLimit)
	rec.Turnaround.Update(turnaroundSample, s.cfg.HostAvgThreshold, s.cfg.HostAvgWeight, s.cfg.HostAvgLimit)
	rec.Unflushed = true
}

// Probate zeroes the pair's normalized-performance history and
// suspends it until the given time, forcing a fresh re-measurement
// window instead of contaminating a long-lived average with one bad
// sample.
func (s *Store) Probate(ctx context.Context, rec *Record, until time.Time) {
	rec.PFC.Clear()
	rec.ProbationUntil = until
	rec.Unflushed = true
	s.mProbations.Inc()
	s.logger.WithFields(logrus.Fields{
		"HostID":    rec.HostID,
		"VariantID": rec.VariantID,
		"Until":     until,
	}).Info("pair placed on probation")
	s.saveQuota(ctx, rec)
}

// SaveQuota persists the record's quota/probation counters with a
// direct conditioned update. Errors are logged, not propagated:
// losing one of these updates costs a day of quota drift at worst.
func (s *Store) SaveQuota(ctx context.Context, rec *Record) {
	s.saveQuota(ctx, rec)
}

func (s *Store) saveQuota(ctx context.Context, rec *Record) {
	if err := s.storage.SaveQuotaState(ctx, rec); err != nil {
		s.logger.WithFields(logrus.Fields{
			"HostID":    rec.HostID,
			"VariantID": rec.VariantID,
		}).WithError(err).Warn("error saving quota state")
	}
}

// CommitSamples persists a buffered batch of samples for one pair
// with a single conditioned write: the persisted record is re-read,
// the samples are blended into it, and the result is written only if
// the record is unchanged since the read. ErrVersionConflict means
// the caller should retry; the samples have not been applied.
func (s *Store) CommitSamples(ctx context.Context, hostID, variantID int64, rt sched.ResourceType, pfc, elapsedRatio, turnaround []float64) error {
	rec, err := s.storage.FetchRecord(ctx, hostID, variantID)
	switch {
	case err == nil:
	case errors.Is(err, ErrRecordNotFound):
		rec = &Record{
			HostID:        hostID,
			VariantID:     variantID,
			QuotaDay:      quotaDay(time.Now()),
			MaxJobsPerDay: s.cfg.DailyQuotaFor(rt),
		}
	default:
		return err
	}
	for _, x := range pfc {
		rec.PFC.Update(x, s.cfg.HostAvgThreshold, s.cfg.HostAvgWeight, s.cfg.HostAvgLimit)
	}
	for _, x := range elapsedRatio {
		rec.ElapsedRatio.Update(x, s.cfg.HostAvgThreshold, s.cfg.HostAvgWeight, s.cfg.HostAvgLimit)
	}
	for _, x := range turnaround {
		rec.Turnaround.Update(x, s.cfg.HostAvgThreshold, s.cfg.HostAvgWeight, s.cfg.HostAvgLimit)
	}
	if err := s.storage.SaveRecord(ctx, rec, rec.Version); err != nil {
		return err
	}
	rec.Unflushed = false
	s.mtx.Lock()
	s.cache.Add(cacheKey(hostID, variantID), rec)
	s.mtx.Unlock()
	return nil
}

// Forget drops a pair from the in-memory cache. Intended for tests
// and for collaborators that modify records out of band.
func (s *Store) Forget(hostID, variantID int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.cache.Remove(cacheKey(hostID, variantID))
}
