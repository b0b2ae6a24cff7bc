// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package perfstore

import (
	"context"

	"github.com/BOINC/boinc-sub015/sdk/go/sched"
)

// ApplyGoodOutcome raises the pair's daily quota after a successful,
// valid job: the ceiling doubles until it reaches the configured
// quota for the resource type, and the consecutive-valid counter
// advances.
func (s *Store) ApplyGoodOutcome(ctx context.Context, rec *Record, rt sched.ResourceType) {
	ceiling := s.cfg.DailyQuotaFor(rt)
	if rec.MaxJobsPerDay < 1 {
		rec.MaxJobsPerDay = 1
	}
	if rec.MaxJobsPerDay < ceiling {
		rec.MaxJobsPerDay *= 2
		if rec.MaxJobsPerDay > ceiling {
			rec.MaxJobsPerDay = ceiling
		}
		s.mQuotaUp.Inc()
	}
	rec.ConsecutiveValid++
	rec.Unflushed = true
	s.saveQuota(ctx, rec)
}

// ApplyBadOutcome lowers the pair's daily quota after a crash,
// abnormal exit, or resource-limit violation, and resets the
// consecutive-valid counter. The quota never drops below one job per
// day, so even a chronically failing pair gets a trickle of retries.
func (s *Store) ApplyBadOutcome(ctx context.Context, rec *Record) {
	if rec.MaxJobsPerDay > 1 {
		rec.MaxJobsPerDay--
		s.mQuotaDown.Inc()
	}
	rec.ConsecutiveValid = 0
	rec.Unflushed = true
	s.saveQuota(ctx, rec)
}
