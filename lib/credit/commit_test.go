// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credit

import (
	"context"

	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/ctxlog"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommitSuite{})

type CommitSuite struct {
	cfg     sched.Config
	perf    *perfstore.Store
	storage *stubVariantStorage
	engine  *Engine
}

func (s *CommitSuite) SetUpTest(c *check.C) {
	s.cfg = sched.DefaultConfig()
	var err error
	s.perf, err = perfstore.New(ctxlog.TestLogger(), prometheus.NewRegistry(), memRecordStorage{}, &s.cfg)
	c.Assert(err, check.IsNil)
	s.storage = newStubVariantStorage()
	s.engine = NewEngine(ctxlog.TestLogger(), prometheus.NewRegistry(), s.perf, s.storage, &s.cfg)
}

func (s *CommitSuite) TestFlushVariantSamples(c *check.C) {
	ctx := context.Background()
	s.storage.variants[10] = variantStats{scale: 1, version: 3}

	batch := s.engine.NewBatch()
	batch.addVariantSample(10, 1.5)
	batch.addVariantSample(10, 2.5)
	c.Assert(s.engine.FlushBatch(ctx, batch), check.IsNil)

	vs := s.storage.variants[10]
	c.Check(vs.pfc.N, check.Equals, 2.0)
	c.Check(vs.pfc.Avg, check.Equals, 2.0)
	c.Check(vs.version, check.Equals, int64(4))
}

func (s *CommitSuite) TestFlushRetriesConflicts(c *check.C) {
	ctx := context.Background()
	s.storage.variants[10] = variantStats{scale: 1, version: 3}
	s.storage.failNextSaves = 2

	batch := s.engine.NewBatch()
	batch.addVariantSample(10, 1.0)
	c.Assert(s.engine.FlushBatch(ctx, batch), check.IsNil)
	c.Check(s.storage.variants[10].pfc.N, check.Equals, 1.0)
	c.Check(s.storage.saveCalls, check.Equals, 3)
}

func (s *CommitSuite) TestFlushSkipsAfterRepeatedConflicts(c *check.C) {
	ctx := context.Background()
	s.cfg.CommitRetries = 1
	s.storage.variants[10] = variantStats{scale: 1, version: 3}
	// More conflicts than the retry budget for variant 10's commit.
	s.storage.failNextSaves = 2

	batch := s.engine.NewBatch()
	batch.addVariantSample(10, 1.0)
	// Skipping one variant is recoverable, not a hard error.
	c.Assert(s.engine.FlushBatch(ctx, batch), check.IsNil)
	c.Check(s.storage.variants[10].pfc.N, check.Equals, 0.0)
}

func (s *CommitSuite) TestFlushHostSamples(c *check.C) {
	ctx := context.Background()
	batch := s.engine.NewBatch()
	batch.addHostSample(7, 10, sched.ResourceCPU, 1.5, 0.9, 3600)
	batch.addHostSample(7, 10, sched.ResourceCPU, 2.5, 1.1, 7200)
	c.Assert(s.engine.FlushBatch(ctx, batch), check.IsNil)

	rec, err := s.perf.Get(ctx, 7, 10, sched.ResourceCPU)
	c.Assert(err, check.IsNil)
	c.Check(rec.PFC.N, check.Equals, 2.0)
	c.Check(rec.PFC.Avg, check.Equals, 2.0)
	c.Check(rec.Unflushed, check.Equals, false)
}

func (s *CommitSuite) TestFlushEmptiesBatch(c *check.C) {
	ctx := context.Background()
	s.storage.variants[10] = variantStats{scale: 1, version: 0}
	batch := s.engine.NewBatch()
	batch.addVariantSample(10, 1.0)
	c.Assert(s.engine.FlushBatch(ctx, batch), check.IsNil)
	before := s.storage.saveCalls
	// A second flush has nothing left to write.
	c.Assert(s.engine.FlushBatch(ctx, batch), check.IsNil)
	c.Check(s.storage.saveCalls, check.Equals, before)
}
