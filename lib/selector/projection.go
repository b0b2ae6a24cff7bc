// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selector

import (
	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
)

// uncorrectedFlops is the throughput estimate before any measured
// history is applied: the plan-class predicate's own figure if it
// supplied one, otherwise the machine's raw benchmark weighted by
// the declared processor shares. The benchmark formula is
// deliberately generous so deadlines are not underestimated for
// brand-new variants.
func (s *Selector) uncorrectedFlops(mach *sched.MachineCapability, usage sched.ResourceUsage) float64 {
	if usage.PeakFlops > 0 {
		return usage.PeakFlops
	}
	return s.benchmarkFlops(mach, usage)
}

func (s *Selector) benchmarkFlops(mach *sched.MachineCapability, usage sched.ResourceUsage) float64 {
	return mach.BenchmarkFlops * (usage.CPUShare + s.cfg.GPUBenchmarkWeight*usage.GPUShare)
}

// ProjectThroughput estimates how fast the (machine, variant) pair
// will run a job, in FLOPS. Preference order: the pair's own
// elapsed-time history, then the variant's cross-machine normalized
// performance, then the supplied throughput figure if one exists,
// then the conservative benchmark fallback. The history-corrected
// figure is capped at ProjectionCap times the uncorrected estimate,
// guarding against a short run of abnormally fast jobs distorting
// the estimate.
func (s *Selector) ProjectThroughput(rec *perfstore.Record, av *sched.AppVersion, mach *sched.MachineCapability, usage sched.ResourceUsage) float64 {
	raw := s.uncorrectedFlops(mach, usage)
	if rec != nil && rec.ElapsedRatio.N >= s.cfg.MinHostSamples && rec.ElapsedRatio.Avg > 0 {
		projected := raw / rec.ElapsedRatio.Avg
		if max := raw * s.cfg.ProjectionCap; projected > max {
			projected = max
		}
		return projected
	}
	if av != nil && av.PFC.N >= s.cfg.MinVersionSamples && av.PFC.Avg > 0 {
		return raw / av.PFC.Avg
	}
	return raw
}
