// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credit

import (
	"context"
	"errors"

	"github.com/BOINC/boinc-sub015/lib/catalog"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// RecomputeAnchors rebalances each application's normalization
// anchor and its variants' scale factors from accumulated
// statistics. Variants are partitioned into CPU and GPU groups; a
// group qualifies with at least two variants past the
// minimum-sample threshold, and the anchor becomes the lesser of the
// qualifying groups' sample-weighted averages. Each qualifying
// variant's scale factor is reset to anchor ÷ its own average, which
// is what keeps heterogeneous hardware classes credit-fair over time
// without touching individual job records.
//
// RecomputeAnchors is meant to be invoked by a single periodic job;
// it must not run concurrently with itself. It updates the given
// snapshot in place, so snap must be privately built for the
// occasion, not the published one; results reach request handlers
// through the next catalog refresh.
func (e *Engine) RecomputeAnchors(ctx context.Context, snap *catalog.Snapshot) error {
	for i := range snap.Applications {
		app := &snap.Applications[i]
		if err := e.recomputeAnchor(ctx, app, snap); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recomputeAnchor(ctx context.Context, app *sched.Application, snap *catalog.Snapshot) error {
	var cpu, gpu []*sched.AppVersion
	for i := range snap.AppVersions {
		av := &snap.AppVersions[i]
		if av.AppID != app.ID || av.PFC.N < e.cfg.MinVersionSamples || av.PFC.Avg <= 0 {
			continue
		}
		if av.Resource.IsGPU() {
			gpu = append(gpu, av)
		} else {
			cpu = append(cpu, av)
		}
	}

	anchor := 0.0
	var qualifying []*sched.AppVersion
	for _, group := range [][]*sched.AppVersion{cpu, gpu} {
		if len(group) < 2 {
			continue
		}
		weighted, n := 0.0, 0.0
		for _, av := range group {
			weighted += av.PFC.N * av.PFC.Avg
			n += av.PFC.N
		}
		avg := weighted / n
		if anchor == 0 || avg < anchor {
			anchor = avg
		}
		qualifying = append(qualifying, group...)
	}
	if anchor <= 0 {
		return nil
	}

	app.MinAvgPFC = anchor
	if err := e.storage.SaveApplicationAnchor(ctx, app.ID, anchor); err != nil {
		return err
	}
	for _, av := range qualifying {
		scale := anchor / av.PFC.Avg
		av.Scale = scale
		err := backoff.Retry(func() error {
			return e.saveScale(ctx, av.ID, scale)
		}, e.retryPolicy(ctx))
		if errors.Is(err, ErrStatsConflict) {
			e.mConflicts.Inc()
			e.logger.WithField("VariantID", av.ID).Warn("skipping scale factor update after repeated write conflicts")
			continue
		}
		if err != nil {
			return err
		}
		e.logger.WithFields(logrus.Fields{
			"AppID":     app.ID,
			"VariantID": av.ID,
			"Scale":     scale,
		}).Info("variant scale factor updated")
	}
	return nil
}

func (e *Engine) saveScale(ctx context.Context, variantID int64, scale float64) error {
	pfc, _, version, err := e.storage.FetchVariantStats(ctx, variantID)
	if err != nil {
		return backoff.Permanent(err)
	}
	err = e.storage.SaveVariantStats(ctx, variantID, pfc, scale, version)
	if err != nil && !errors.Is(err, ErrStatsConflict) {
		return backoff.Permanent(err)
	}
	return err
}
