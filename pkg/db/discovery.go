/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/scope"
)

const (
	// Profiles eligible for scheduling: enabled, non-manual, and with
	// no job already scheduled or running. Due-ness against interval or
	// cron is evaluated by the producer.
	schedulableProfilesSQL = `
SELECT p.id, p.org_id, p.site_id, p.name, p.schedule_type, p.interval_minutes,
       p.cron_expression, p.device_id, p.subnets, p.exclusions, p.methods,
       p.ports, p.snmp_communities, p.known_guest_macs, p.enabled, p.last_run_at
FROM discovery_profiles p
WHERE p.enabled
  AND p.schedule_type <> 'manual'
  AND NOT EXISTS (
      SELECT 1 FROM discovery_jobs j
      WHERE j.profile_id = p.id AND j.status IN ('scheduled', 'running')
  )`

	selectDiscoveryProfileSQL = `
SELECT id, org_id, site_id, name, schedule_type, interval_minutes,
       cron_expression, device_id, subnets, exclusions, methods,
       ports, snmp_communities, known_guest_macs, enabled, last_run_at
FROM discovery_profiles WHERE id = $1`

	setProfileLastRunSQL = `UPDATE discovery_profiles SET last_run_at = $2 WHERE id = $1`

	insertDiscoveryJobSQL = `
INSERT INTO discovery_jobs (id, profile_id, org_id, site_id, agent_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	selectDiscoveryJobSQL = `
SELECT id, profile_id, org_id, site_id, agent_id, status, hosts_found, hosts_new,
       fail_reason, created_at, completed_at
FROM discovery_jobs WHERE id = $1`

	setDiscoveryJobStatusSQL = `
UPDATE discovery_jobs SET status = $2, fail_reason = $3 WHERE id = $1`

	setDiscoveryJobAgentSQL = `UPDATE discovery_jobs SET agent_id = $2 WHERE id = $1`

	finishDiscoveryJobSQL = `
UPDATE discovery_jobs
SET status = $2, hosts_found = $3, hosts_new = $4, completed_at = $5
WHERE id = $1`
)

func (s *Store) SchedulableProfiles(ctx context.Context) ([]*models.DiscoveryProfile, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, schedulableProfilesSQL)
	if err != nil {
		return nil, fmt.Errorf("schedulable profiles: %w", err)
	}
	defer rows.Close()

	var out []*models.DiscoveryProfile

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

func (s *Store) GetDiscoveryProfile(ctx context.Context, profileID string) (*models.DiscoveryProfile, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	p, err := scanProfile(s.pool.QueryRow(ctx, selectDiscoveryProfileSQL, profileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get discovery profile: %w", err)
	}

	return p, nil
}

func scanProfile(row pgx.Row) (*models.DiscoveryProfile, error) {
	var (
		p                                                     models.DiscoveryProfile
		scheduleType                                          string
		subnets, exclusions, methods, ports, communities, mac []byte
	)

	err := row.Scan(&p.ID, &p.OrgID, &p.SiteID, &p.Name, &scheduleType, &p.IntervalMinutes,
		&p.CronExpression, &p.DeviceID, &subnets, &exclusions, &methods,
		&ports, &communities, &mac, &p.Enabled, &p.LastRunAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan profile: %w", err)
	}

	p.ScheduleType = models.DiscoveryScheduleType(scheduleType)

	for _, pair := range []struct {
		raw []byte
		out any
	}{
		{subnets, &p.Subnets},
		{exclusions, &p.Exclusions},
		{methods, &p.Methods},
		{ports, &p.Ports},
		{communities, &p.SNMPCommunities},
		{mac, &p.KnownGuestMACs},
	} {
		if len(pair.raw) == 0 {
			continue
		}

		if err := json.Unmarshal(pair.raw, pair.out); err != nil {
			return nil, fmt.Errorf("decode profile %s lists: %w", p.ID, err)
		}
	}

	return &p, nil
}

func (s *Store) SetProfileLastRun(ctx context.Context, profileID string, at time.Time) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, setProfileLastRunSQL, profileID, at); err != nil {
		return fmt.Errorf("set profile last run: %w", err)
	}

	return nil
}

func (s *Store) CreateDiscoveryJob(ctx context.Context, job *models.DiscoveryJob) error {
	ac, err := scope.From(ctx)
	if err != nil {
		return err
	}

	if !ac.AllowsOrg(job.OrgID) {
		return ErrScopeDenied
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, insertDiscoveryJobSQL,
		job.ID, job.ProfileID, job.OrgID, job.SiteID, job.AgentID, string(job.Status), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create discovery job: %w", err)
	}

	return nil
}

func (s *Store) GetDiscoveryJob(ctx context.Context, jobID string) (*models.DiscoveryJob, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	var (
		job    models.DiscoveryJob
		status string
	)

	err := s.pool.QueryRow(ctx, selectDiscoveryJobSQL, jobID).Scan(
		&job.ID, &job.ProfileID, &job.OrgID, &job.SiteID, &job.AgentID, &status,
		&job.HostsFound, &job.HostsNew, &job.FailReason, &job.CreatedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get discovery job: %w", err)
	}

	job.Status = models.DiscoveryJobStatus(status)

	return &job, nil
}

func (s *Store) SetDiscoveryJobStatus(ctx context.Context, jobID string, status models.DiscoveryJobStatus, failReason string) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, setDiscoveryJobStatusSQL, jobID, string(status), failReason); err != nil {
		return fmt.Errorf("set discovery job status: %w", err)
	}

	return nil
}

func (s *Store) SetDiscoveryJobAgent(ctx context.Context, jobID, agentID string) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, setDiscoveryJobAgentSQL, jobID, agentID); err != nil {
		return fmt.Errorf("set discovery job agent: %w", err)
	}

	return nil
}

func (s *Store) FinishDiscoveryJob(ctx context.Context, jobID string, status models.DiscoveryJobStatus, hostsFound, hostsNew int, completedAt time.Time) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, finishDiscoveryJobSQL, jobID, string(status), hostsFound, hostsNew, completedAt)
	if err != nil {
		return fmt.Errorf("finish discovery job: %w", err)
	}

	return nil
}
