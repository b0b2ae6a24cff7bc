// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sched

import "math"

// Average maintains a running average that switches from an
// incremental mean to a bounded exponential update once N passes a
// threshold. In the exponential regime the incoming sample is clamped
// to limit×avg before blending, so a single outlier can never move
// the estimate by more than a configured factor.
type Average struct {
	N   float64 `json:"n"`
	Avg float64 `json:"avg"`
}

// Update folds sample into the average. threshold is the sample count
// at which the update switches to the exponential regime, weight is
// the blend weight used there, and limit caps the clamped sample at
// limit×avg. Negative, NaN and infinite samples are ignored. The
// return value reports whether the sample was clamped.
func (a *Average) Update(sample, threshold, weight, limit float64) bool {
	if sample < 0 || math.IsNaN(sample) || math.IsInf(sample, 0) {
		return false
	}
	a.N++
	if a.N < threshold {
		a.Avg += (sample - a.Avg) / a.N
		return false
	}
	clamped := false
	if a.Avg > 0 && sample > a.Avg*limit {
		sample = a.Avg * limit
		clamped = true
	}
	a.Avg += weight * (sample - a.Avg)
	return clamped
}

// Clear resets the average to its zero state. Used when a
// (machine, variant) pair enters probation and must be re-measured
// from scratch.
func (a *Average) Clear() {
	a.N = 0
	a.Avg = 0
}

// AverageVar is an Average that also tracks an exponentially blended
// variance of its samples.
type AverageVar struct {
	Average
	Var float64 `json:"var"`
}

// Update folds sample into the average and variance. See
// Average.Update for the parameter semantics. The clamp applies to
// the variance term as well, so an absorbed outlier cannot swing the
// variance either.
func (a *AverageVar) Update(sample, threshold, weight, limit float64) bool {
	if sample < 0 || math.IsNaN(sample) || math.IsInf(sample, 0) {
		return false
	}
	clamped := false
	if a.N+1 >= threshold && a.Avg > 0 && sample > a.Avg*limit {
		sample = a.Avg * limit
		clamped = true
	}
	delta := sample - a.Avg
	a.Average.Update(sample, threshold, weight, limit)
	if a.N < threshold {
		// Welford-style accumulation while the mean is still
		// incremental.
		a.Var += (delta*(sample-a.Avg) - a.Var) / a.N
	} else {
		a.Var += weight * (delta*delta - a.Var)
	}
	if a.Var < 0 {
		a.Var = 0
	}
	return clamped
}

// Clear resets the average and variance to zero.
func (a *AverageVar) Clear() {
	a.Average.Clear()
	a.Var = 0
}
