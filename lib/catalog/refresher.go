// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/BOINC/boinc-sub015/lib/workslot"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Refresher periodically rebuilds the catalog snapshot and the
// work-slot queue from the persistent store. It is meant to run as a
// single instance; request handlers only ever read the published
// snapshot.
type Refresher struct {
	logger  logrus.FieldLogger
	catalog *Catalog
	slots   *workslot.Queue
	source  Source
	cfg     *sched.Config

	mRefreshes    prometheus.Counter
	mRefresherrs  prometheus.Counter
	mSnapshotTime prometheus.Gauge
	mVariants     prometheus.Gauge
}

// NewRefresher returns an unstarted Refresher.
func NewRefresher(logger logrus.FieldLogger, reg *prometheus.Registry, cat *Catalog, slots *workslot.Queue, source Source, cfg *sched.Config) *Refresher {
	r := &Refresher{
		logger:  logger,
		catalog: cat,
		slots:   slots,
		source:  source,
		cfg:     cfg,
	}
	r.registerMetrics(reg)
	return r
}

func (r *Refresher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "catalog",
		Name:      "refreshes_total",
		Help:      "Number of successful catalog refreshes.",
	})
	reg.MustRegister(r.mRefreshes)
	r.mRefresherrs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boinc",
		Subsystem: "catalog",
		Name:      "refresh_errors_total",
		Help:      "Number of failed catalog refresh attempts.",
	})
	reg.MustRegister(r.mRefresherrs)
	r.mSnapshotTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boinc",
		Subsystem: "catalog",
		Name:      "snapshot_timestamp_seconds",
		Help:      "Unix timestamp of the currently published snapshot.",
	})
	reg.MustRegister(r.mSnapshotTime)
	r.mVariants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boinc",
		Subsystem: "catalog",
		Name:      "variants",
		Help:      "Number of executable variants in the published snapshot.",
	})
	reg.MustRegister(r.mVariants)
}

// RefreshNow performs one rebuild-and-publish cycle.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	apps, err := r.source.LoadApplications(ctx)
	if err != nil {
		return err
	}
	versions, err := r.source.LoadAppVersions(ctx)
	if err != nil {
		return err
	}
	platforms, err := r.source.LoadPlatforms(ctx)
	if err != nil {
		return err
	}
	snap, err := Build(apps, versions, platforms, r.cfg)
	if err != nil {
		return err
	}
	jobs, err := r.source.LoadAvailableJobs(ctx, r.cfg.WorkSlots)
	if err != nil {
		return err
	}
	r.catalog.Publish(snap)
	r.slots.Rebuild(jobs)
	r.mRefreshes.Inc()
	r.mSnapshotTime.Set(float64(snap.Generated.Unix()))
	r.mVariants.Set(float64(len(snap.AppVersions)))
	r.logger.WithFields(logrus.Fields{
		"Applications": len(apps),
		"Variants":     len(versions),
		"Platforms":    len(platforms),
		"Jobs":         len(jobs),
	}).Debug("catalog refreshed")
	return nil
}

// Run refreshes once immediately, then periodically until ctx is
// cancelled. Capacity overflow is configuration-fatal and stops the
// loop; transient store errors are logged and retried on the next
// tick, including on the initial refresh, where request handlers
// keep seeing the empty snapshot until the store recovers.
func (r *Refresher) Run(ctx context.Context) error {
	tick := time.NewTicker(r.cfg.CatalogRefreshInterval.Duration())
	defer tick.Stop()
	for {
		err := r.RefreshNow(ctx)
		if errors.Is(err, ErrCatalogFull) {
			return err
		}
		if err != nil {
			r.mRefresherrs.Inc()
			r.logger.WithError(err).Error("error refreshing catalog")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
