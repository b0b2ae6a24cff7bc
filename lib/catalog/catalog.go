// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package catalog maintains an in-memory, versioned snapshot of all
// known executable variants, applications and platforms. A refresher
// rebuilds the snapshot off to the side and publishes it with a
// single atomic swap, so request handlers read lock-free and never
// see a partially built view.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BOINC/boinc-sub015/sdk/go/sched"
)

// ErrCatalogFull indicates the persistent store holds more rows than
// the configured in-memory maxima. This is a deployment
// misconfiguration, surfaced at refresh time rather than at lookup
// time.
var ErrCatalogFull = errors.New("catalog capacity exceeded")

// A Source loads catalog contents and available jobs from the
// persistent store.
type Source interface {
	LoadApplications(ctx context.Context) ([]sched.Application, error)
	LoadAppVersions(ctx context.Context) ([]sched.AppVersion, error)
	LoadPlatforms(ctx context.Context) ([]sched.Platform, error)
	LoadAvailableJobs(ctx context.Context, limit int) ([]sched.Job, error)
}

type appPlatformKey struct {
	appID      int64
	platformID int64
}

// A Snapshot is a self-consistent, point-in-time view of the
// catalog. All fields are immutable after Build returns.
type Snapshot struct {
	Applications []sched.Application
	AppVersions  []sched.AppVersion
	Platforms    []sched.Platform
	Generated    time.Time

	appByID        map[int64]*sched.Application
	versionByID    map[int64]*sched.AppVersion
	platformByName map[string]*sched.Platform
	versionsByApp  map[appPlatformKey][]*sched.AppVersion
}

// Build assembles a Snapshot and its lookup indexes, enforcing the
// configured capacity limits.
func Build(apps []sched.Application, versions []sched.AppVersion, platforms []sched.Platform, cfg *sched.Config) (*Snapshot, error) {
	if len(apps) > cfg.MaxApplications {
		return nil, fmt.Errorf("%w: %d applications > max %d", ErrCatalogFull, len(apps), cfg.MaxApplications)
	}
	if len(versions) > cfg.MaxAppVersions {
		return nil, fmt.Errorf("%w: %d app versions > max %d", ErrCatalogFull, len(versions), cfg.MaxAppVersions)
	}
	if len(platforms) > cfg.MaxPlatforms {
		return nil, fmt.Errorf("%w: %d platforms > max %d", ErrCatalogFull, len(platforms), cfg.MaxPlatforms)
	}
	snap := &Snapshot{
		Applications:   apps,
		AppVersions:    versions,
		Platforms:      platforms,
		Generated:      time.Now(),
		appByID:        make(map[int64]*sched.Application, len(apps)),
		versionByID:    make(map[int64]*sched.AppVersion, len(versions)),
		platformByName: make(map[string]*sched.Platform, len(platforms)),
		versionsByApp:  make(map[appPlatformKey][]*sched.AppVersion),
	}
	for i := range apps {
		snap.appByID[apps[i].ID] = &apps[i]
	}
	for i := range platforms {
		snap.platformByName[platforms[i].Name] = &platforms[i]
	}
	for i := range versions {
		av := &versions[i]
		if av.Scale <= 0 {
			av.Scale = 1
		}
		snap.versionByID[av.ID] = av
		k := appPlatformKey{av.AppID, av.PlatformID}
		snap.versionsByApp[k] = append(snap.versionsByApp[k], av)
	}
	return snap, nil
}

// LookupApplication returns the application with the given id.
func (snap *Snapshot) LookupApplication(id int64) (*sched.Application, bool) {
	app, ok := snap.appByID[id]
	return app, ok
}

// LookupVariant returns the executable variant with the given id.
func (snap *Snapshot) LookupVariant(id int64) (*sched.AppVersion, bool) {
	av, ok := snap.versionByID[id]
	return av, ok
}

// LookupPlatform returns the platform with the given name.
func (snap *Snapshot) LookupPlatform(name string) (*sched.Platform, bool) {
	p, ok := snap.platformByName[name]
	return p, ok
}

// VersionsFor returns the variants of the given application built
// for the given platform.
func (snap *Snapshot) VersionsFor(appID, platformID int64) []*sched.AppVersion {
	return snap.versionsByApp[appPlatformKey{appID, platformID}]
}

// A Catalog publishes the current Snapshot. Readers call Snapshot()
// and keep using the returned value for the duration of one request;
// the refresher swaps in new snapshots without blocking them.
type Catalog struct {
	current atomic.Pointer[Snapshot]
}

// NewCatalog returns a Catalog holding an empty snapshot, so readers
// are safe before the first refresh completes.
func NewCatalog(cfg *sched.Config) *Catalog {
	c := &Catalog{}
	snap, _ := Build(nil, nil, nil, cfg)
	c.current.Store(snap)
	return c
}

// Snapshot returns the current published snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Publish atomically replaces the current snapshot.
func (c *Catalog) Publish(snap *Snapshot) {
	c.current.Store(snap)
}
