// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credit

import (
	"context"
	"errors"
	"sync"

	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

type hostKey struct {
	hostID    int64
	variantID int64
}

type hostSamples struct {
	rt           sched.ResourceType
	pfc          []float64
	elapsedRatio []float64
	turnaround   []float64
}

// A Batch buffers the per-variant and per-pair statistics samples
// accumulated during one credit-processing pass. Samples are flushed
// at the end of the pass with optimistic compare-and-retry writes,
// so several concurrent passes finishing around the same time don't
// lose each other's updates.
type Batch struct {
	mtx      sync.Mutex
	variants map[int64][]float64
	hosts    map[hostKey]*hostSamples
}

// NewBatch returns an empty Batch for one processing pass.
func (e *Engine) NewBatch() *Batch {
	return &Batch{
		variants: map[int64][]float64{},
		hosts:    map[hostKey]*hostSamples{},
	}
}

func (b *Batch) addVariantSample(variantID int64, sample float64) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.variants[variantID] = append(b.variants[variantID], sample)
}

func (b *Batch) addHostSample(hostID, variantID int64, rt sched.ResourceType, pfc, elapsedRatio, turnaround float64) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	key := hostKey{hostID, variantID}
	hs := b.hosts[key]
	if hs == nil {
		hs = &hostSamples{rt: rt}
		b.hosts[key] = hs
	}
	hs.pfc = append(hs.pfc, pfc)
	hs.elapsedRatio = append(hs.elapsedRatio, elapsedRatio)
	hs.turnaround = append(hs.turnaround, turnaround)
}

func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	n := e.cfg.CommitRetries
	if n < 1 {
		n = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(n)), ctx)
}

// FlushBatch commits every buffered sample. A conflict that survives
// the bounded retries is a recoverable anomaly for that one variant
// or pair: its long-term statistics update is skipped for this pass,
// logged, and the rest of the batch proceeds. Hard storage errors
// are returned to the caller.
func (e *Engine) FlushBatch(ctx context.Context, b *Batch) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	var hardErr error
	for variantID, samples := range b.variants {
		err := backoff.Retry(func() error {
			return e.commitVariantSamples(ctx, variantID, samples)
		}, e.retryPolicy(ctx))
		if errors.Is(err, ErrStatsConflict) {
			e.mConflicts.Inc()
			e.logger.WithField("VariantID", variantID).Warn("skipping variant statistics update after repeated write conflicts")
			continue
		}
		if err != nil && hardErr == nil {
			hardErr = err
		}
	}
	for key, hs := range b.hosts {
		key, hs := key, hs
		err := backoff.Retry(func() error {
			err := e.perf.CommitSamples(ctx, key.hostID, key.variantID, hs.rt, hs.pfc, hs.elapsedRatio, hs.turnaround)
			if err != nil && !isConflict(err) {
				return backoff.Permanent(err)
			}
			return err
		}, e.retryPolicy(ctx))
		if isConflict(err) {
			e.mConflicts.Inc()
			e.logger.WithFields(logrus.Fields{
				"HostID":    key.hostID,
				"VariantID": key.variantID,
			}).Warn("skipping pair statistics update after repeated write conflicts")
			continue
		}
		if err != nil && hardErr == nil {
			hardErr = err
		}
	}
	b.variants = map[int64][]float64{}
	b.hosts = map[hostKey]*hostSamples{}
	return hardErr
}

// commitVariantSamples performs one read-blend-conditional-write
// attempt for a variant's accumulated samples.
func (e *Engine) commitVariantSamples(ctx context.Context, variantID int64, samples []float64) error {
	pfc, scale, version, err := e.storage.FetchVariantStats(ctx, variantID)
	if err != nil {
		return backoff.Permanent(err)
	}
	for _, x := range samples {
		pfc.Update(x, e.cfg.VersionAvgThreshold, e.cfg.VersionAvgWeight, e.cfg.VersionAvgLimit)
	}
	err = e.storage.SaveVariantStats(ctx, variantID, pfc, scale, version)
	if err != nil && !errors.Is(err, ErrStatsConflict) {
		return backoff.Permanent(err)
	}
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, ErrStatsConflict) || errors.Is(err, perfstore.ErrVersionConflict)
}
