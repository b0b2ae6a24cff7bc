// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"bytes"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) TestDefaults(c *check.C) {
	cfg := DefaultConfig()
	c.Check(cfg.BrokenPairPenalty, check.Equals, 0.01)
	c.Check(cfg.BrokenPairProbeOdds, check.Equals, 100)
	c.Check(cfg.MinHostSamples, check.Equals, 10.0)
	c.Check(cfg.MinVersionSamples, check.Equals, 100.0)
	c.Check(cfg.HostScaleCap, check.Equals, 10.0)
	c.Check(cfg.ProjectionCap, check.Equals, 250.0)
	c.Check(cfg.ProbationPeriod.Duration(), check.Equals, 24*time.Hour)
	c.Check(cfg.DailyQuota["default"], check.Equals, 100)
}

func (s *ConfigSuite) TestOverlay(c *check.C) {
	buf := bytes.NewBufferString(`
work_slots: 7
version_select_random_factor: 0
daily_quota:
  default: 50
  nvidia_gpu: 200
catalog_refresh_interval: 5s
`)
	cfg, err := LoadConfig(buf)
	c.Assert(err, check.IsNil)
	c.Check(cfg.WorkSlots, check.Equals, 7)
	c.Check(cfg.VersionSelectRandomFactor, check.Equals, 0.0)
	c.Check(cfg.CatalogRefreshInterval.Duration(), check.Equals, 5*time.Second)
	// Untouched keys keep their defaults.
	c.Check(cfg.BrokenPairProbeOdds, check.Equals, 100)
	c.Check(cfg.DailyQuotaFor(ResourceCPU), check.Equals, 50)
	c.Check(cfg.DailyQuotaFor(ResourceNvidiaGPU), check.Equals, 200)
}

func (s *ConfigSuite) TestBadYAML(c *check.C) {
	_, err := LoadConfig(bytes.NewBufferString("work_slots: {"))
	c.Check(err, check.NotNil)
}

func (s *ConfigSuite) TestDailyQuotaFallback(c *check.C) {
	cfg := DefaultConfig()
	cfg.DailyQuota = map[string]int{}
	c.Check(cfg.DailyQuotaFor(ResourceAMDGPU), check.Equals, 100)
}
