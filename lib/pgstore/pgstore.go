// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pgstore is the PostgreSQL implementation of the storage
// interfaces the engine's core consumes. The core never constructs
// query fragments; every conditioned (compare-and-retry) write is
// expressed here as a typed method.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BOINC/boinc-sub015/lib/credit"
	"github.com/BOINC/boinc-sub015/lib/perfstore"
	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

// A Store provides catalog, performance-record and variant-statistics
// persistence on one PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

// Open connects to the given PostgreSQL DSN and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadApplications implements catalog.Source.
func (s *Store) LoadApplications(ctx context.Context) ([]sched.Application, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, name, min_avg_pfc, homogeneous_variant
		  FROM applications ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []sched.Application
	for rows.Next() {
		var app sched.Application
		err := rows.Scan(&app.ID, &app.Name, &app.MinAvgPFC, &app.HomogeneousVariant)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// LoadAppVersions implements catalog.Source.
func (s *Store) LoadAppVersions(ctx context.Context) ([]sched.AppVersion, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, app_id, platform_id, version_num, deprecated, beta,
		       plan_class, resource, min_core_version, scale,
		       pfc_n, pfc_avg, stats_version
		  FROM app_versions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []sched.AppVersion
	for rows.Next() {
		var av sched.AppVersion
		err := rows.Scan(&av.ID, &av.AppID, &av.PlatformID, &av.VersionNum,
			&av.Deprecated, &av.Beta, &av.PlanClass, &av.Resource,
			&av.MinCoreVersion, &av.Scale, &av.PFC.N, &av.PFC.Avg,
			&av.StatsVersion)
		if err != nil {
			return nil, err
		}
		versions = append(versions, av)
	}
	return versions, rows.Err()
}

// LoadPlatforms implements catalog.Source.
func (s *Store) LoadPlatforms(ctx context.Context) ([]sched.Platform, error) {
	var platforms []sched.Platform
	err := s.db.SelectContext(ctx, &platforms, `
		SELECT id, name, deprecated FROM platforms ORDER BY id`)
	return platforms, err
}

// LoadAvailableJobs implements catalog.Source.
func (s *Store) LoadAvailableJobs(ctx context.Context, limit int) ([]sched.Job, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, app_id, pinned_variant_id, pinned_version_num,
		       flops_estimate, flops_bound, memory_bound, disk_bound,
		       min_client_version, max_client_version
		  FROM jobs WHERE state = 'available' ORDER BY priority DESC, id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []sched.Job
	for rows.Next() {
		var j sched.Job
		err := rows.Scan(&j.ID, &j.AppID, &j.PinnedVariantID, &j.PinnedVersionNum,
			&j.FlopsEstimate, &j.FlopsBound, &j.MemoryBound, &j.DiskBound,
			&j.MinClientVersion, &j.MaxClientVersion)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FetchRecord implements perfstore.Storage.
func (s *Store) FetchRecord(ctx context.Context, hostID, variantID int64) (*perfstore.Record, error) {
	var rec perfstore.Record
	err := s.db.QueryRowxContext(ctx, `
		SELECT host_id, variant_id,
		       pfc_n, pfc_avg,
		       et_n, et_avg, et_var,
		       turnaround_n, turnaround_avg, turnaround_var,
		       jobs_today, quota_day, max_jobs_per_day,
		       probation_until, reliable, trusted, consecutive_valid,
		       version
		  FROM performance_records
		 WHERE host_id = $1 AND variant_id = $2`, hostID, variantID).Scan(
		&rec.HostID, &rec.VariantID,
		&rec.PFC.N, &rec.PFC.Avg,
		&rec.ElapsedRatio.N, &rec.ElapsedRatio.Avg, &rec.ElapsedRatio.Var,
		&rec.Turnaround.N, &rec.Turnaround.Avg, &rec.Turnaround.Var,
		&rec.JobsToday, &rec.QuotaDay, &rec.MaxJobsPerDay,
		&rec.ProbationUntil, &rec.Reliable, &rec.Trusted, &rec.ConsecutiveValid,
		&rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perfstore.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveRecord implements perfstore.Storage: an upsert conditioned on
// the version column being unchanged since the caller's read. On
// success the record's version is bumped both here and in rec.
func (s *Store) SaveRecord(ctx context.Context, rec *perfstore.Record, expectVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_records
		       (host_id, variant_id, pfc_n, pfc_avg,
		        et_n, et_avg, et_var,
		        turnaround_n, turnaround_avg, turnaround_var,
		        jobs_today, quota_day, max_jobs_per_day,
		        probation_until, reliable, trusted, consecutive_valid,
		        version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18 + 1)
		ON CONFLICT (host_id, variant_id) DO UPDATE
		   SET pfc_n = EXCLUDED.pfc_n, pfc_avg = EXCLUDED.pfc_avg,
		       et_n = EXCLUDED.et_n, et_avg = EXCLUDED.et_avg, et_var = EXCLUDED.et_var,
		       turnaround_n = EXCLUDED.turnaround_n,
		       turnaround_avg = EXCLUDED.turnaround_avg,
		       turnaround_var = EXCLUDED.turnaround_var,
		       jobs_today = EXCLUDED.jobs_today,
		       quota_day = EXCLUDED.quota_day,
		       max_jobs_per_day = EXCLUDED.max_jobs_per_day,
		       probation_until = EXCLUDED.probation_until,
		       reliable = EXCLUDED.reliable, trusted = EXCLUDED.trusted,
		       consecutive_valid = EXCLUDED.consecutive_valid,
		       version = EXCLUDED.version
		 WHERE performance_records.version = $18`,
		rec.HostID, rec.VariantID, rec.PFC.N, rec.PFC.Avg,
		rec.ElapsedRatio.N, rec.ElapsedRatio.Avg, rec.ElapsedRatio.Var,
		rec.Turnaround.N, rec.Turnaround.Avg, rec.Turnaround.Var,
		rec.JobsToday, rec.QuotaDay, rec.MaxJobsPerDay,
		rec.ProbationUntil, rec.Reliable, rec.Trusted, rec.ConsecutiveValid,
		expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return perfstore.ErrVersionConflict
	}
	rec.Version = expectVersion + 1
	return nil
}

// SaveQuotaState implements perfstore.Storage: a direct conditioned
// update of the quota/probation counters only.
func (s *Store) SaveQuotaState(ctx context.Context, rec *perfstore.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_records
		       (host_id, variant_id, jobs_today, quota_day,
		        max_jobs_per_day, probation_until, consecutive_valid, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (host_id, variant_id) DO UPDATE
		   SET jobs_today = EXCLUDED.jobs_today,
		       quota_day = EXCLUDED.quota_day,
		       max_jobs_per_day = EXCLUDED.max_jobs_per_day,
		       probation_until = EXCLUDED.probation_until,
		       consecutive_valid = EXCLUDED.consecutive_valid`,
		rec.HostID, rec.VariantID, rec.JobsToday, rec.QuotaDay,
		rec.MaxJobsPerDay, rec.ProbationUntil, rec.ConsecutiveValid)
	return err
}

// FetchVariantStats implements credit.VariantStorage.
func (s *Store) FetchVariantStats(ctx context.Context, variantID int64) (sched.Average, float64, int64, error) {
	var pfc sched.Average
	var scale float64
	var version int64
	err := s.db.QueryRowxContext(ctx, `
		SELECT pfc_n, pfc_avg, scale, stats_version
		  FROM app_versions WHERE id = $1`, variantID).Scan(
		&pfc.N, &pfc.Avg, &scale, &version)
	if err != nil {
		return sched.Average{}, 0, 0, err
	}
	return pfc, scale, version, nil
}

// SaveVariantStats implements credit.VariantStorage: conditioned on
// stats_version being unchanged since the caller's read.
func (s *Store) SaveVariantStats(ctx context.Context, variantID int64, pfc sched.Average, scale float64, expectVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_versions
		   SET pfc_n = $2, pfc_avg = $3, scale = $4, stats_version = $5 + 1
		 WHERE id = $1 AND stats_version = $5`,
		variantID, pfc.N, pfc.Avg, scale, expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credit.ErrStatsConflict
	}
	return nil
}

// SaveApplicationAnchor implements credit.VariantStorage.
func (s *Store) SaveApplicationAnchor(ctx context.Context, appID int64, minAvgPFC float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE applications SET min_avg_pfc = $2 WHERE id = $1`,
		appID, minAvgPFC)
	return err
}
