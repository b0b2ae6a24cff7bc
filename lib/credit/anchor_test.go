// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package credit

import (
	"context"

	"github.com/BOINC/boinc-sub015/lib/catalog"
	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/ctxlog"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AnchorSuite{})

type AnchorSuite struct {
	cfg     sched.Config
	perf    *perfstore.Store
	storage *stubVariantStorage
	engine  *Engine
}

func (s *AnchorSuite) SetUpTest(c *check.C) {
	s.cfg = sched.DefaultConfig()
	var err error
	s.perf, err = perfstore.New(ctxlog.TestLogger(), prometheus.NewRegistry(), memRecordStorage{}, &s.cfg)
	c.Assert(err, check.IsNil)
	s.storage = newStubVariantStorage()
	s.engine = NewEngine(ctxlog.TestLogger(), prometheus.NewRegistry(), s.perf, s.storage, &s.cfg)
}

func (s *AnchorSuite) build(c *check.C, versions []sched.AppVersion) *catalog.Snapshot {
	apps := []sched.Application{{ID: 1, Name: "astro"}}
	platforms := []sched.Platform{{ID: 100, Name: "x86_64-pc-linux-gnu"}}
	for _, av := range versions {
		s.storage.variants[av.ID] = variantStats{pfc: av.PFC, scale: av.Scale}
	}
	snap, err := catalog.Build(apps, versions, platforms, &s.cfg)
	c.Assert(err, check.IsNil)
	return snap
}

func (s *AnchorSuite) TestRecomputeAnchors(c *check.C) {
	snap := s.build(c, []sched.AppVersion{
		{ID: 10, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 200, Avg: 2.0}},
		{ID: 11, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 200, Avg: 4.0}},
	})
	c.Assert(s.engine.RecomputeAnchors(context.Background(), snap), check.IsNil)

	app, _ := snap.LookupApplication(1)
	// Sample-weighted CPU-group average: (200*2 + 200*4) / 400.
	c.Check(app.MinAvgPFC, check.Equals, 3.0)
	c.Check(s.storage.anchors[1], check.Equals, 3.0)

	av10, _ := snap.LookupVariant(10)
	av11, _ := snap.LookupVariant(11)
	c.Check(av10.Scale, check.Equals, 1.5)
	c.Check(av11.Scale, check.Equals, 0.75)
	c.Check(s.storage.variants[10].scale, check.Equals, 1.5)
	c.Check(s.storage.variants[11].scale, check.Equals, 0.75)
}

func (s *AnchorSuite) TestAnchorTakesLesserGroup(c *check.C) {
	snap := s.build(c, []sched.AppVersion{
		{ID: 10, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 200, Avg: 2.0}},
		{ID: 11, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 200, Avg: 2.0}},
		{ID: 12, AppID: 1, PlatformID: 100, Scale: 1, Resource: sched.ResourceNvidiaGPU, PFC: sched.Average{N: 200, Avg: 8.0}},
		{ID: 13, AppID: 1, PlatformID: 100, Scale: 1, Resource: sched.ResourceNvidiaGPU, PFC: sched.Average{N: 200, Avg: 8.0}},
	})
	c.Assert(s.engine.RecomputeAnchors(context.Background(), snap), check.IsNil)

	app, _ := snap.LookupApplication(1)
	c.Check(app.MinAvgPFC, check.Equals, 2.0)

	// GPU variants are scaled down toward the anchor.
	c.Check(s.storage.variants[12].scale, check.Equals, 0.25)
	// Scale factors stay strictly positive.
	for _, id := range []int64{10, 11, 12, 13} {
		c.Check(s.storage.variants[id].scale > 0, check.Equals, true)
	}
}

func (s *AnchorSuite) TestGroupOfOneDoesNotQualify(c *check.C) {
	snap := s.build(c, []sched.AppVersion{
		{ID: 10, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 200, Avg: 2.0}},
		{ID: 11, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 200, Avg: 4.0}},
		{ID: 12, AppID: 1, PlatformID: 100, Scale: 1, Resource: sched.ResourceNvidiaGPU, PFC: sched.Average{N: 200, Avg: 1.0}},
	})
	c.Assert(s.engine.RecomputeAnchors(context.Background(), snap), check.IsNil)

	app, _ := snap.LookupApplication(1)
	// The lone GPU variant can't form a group; only the CPU group
	// counts.
	c.Check(app.MinAvgPFC, check.Equals, 3.0)
	c.Check(s.storage.variants[12].scale, check.Equals, 1.0)
}

func (s *AnchorSuite) TestInsufficientSamplesLeaveAnchorAlone(c *check.C) {
	snap := s.build(c, []sched.AppVersion{
		{ID: 10, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 5, Avg: 2.0}},
		{ID: 11, AppID: 1, PlatformID: 100, Scale: 1, PFC: sched.Average{N: 5, Avg: 4.0}},
	})
	c.Assert(s.engine.RecomputeAnchors(context.Background(), snap), check.IsNil)

	app, _ := snap.LookupApplication(1)
	c.Check(app.MinAvgPFC, check.Equals, 0.0)
	c.Check(len(s.storage.anchors), check.Equals, 0)
}
