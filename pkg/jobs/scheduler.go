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

package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// SchedulerStore is the store slice the scheduler reads and writes.
type SchedulerStore interface {
	SchedulableProfiles(ctx context.Context) ([]*models.DiscoveryProfile, error)
	SetProfileLastRun(ctx context.Context, profileID string, at time.Time) error
	CreateDiscoveryJob(ctx context.Context, job *models.DiscoveryJob) error
	SetDiscoveryJobStatus(ctx context.Context, jobID string, status models.DiscoveryJobStatus, failReason string) error
}

const defaultSchedulerInterval = time.Minute

// Scheduler periodically finds discovery profiles due by schedule and
// turns each into a queued job. Profiles with a job already scheduled
// or running are excluded at the store level, so one profile never has
// two active jobs.
type Scheduler struct {
	store    SchedulerStore
	queue    JobQueue
	interval time.Duration
	logger   logger.Logger
}

// NewScheduler wires the discovery scheduler. A zero interval selects
// the default tick.
func NewScheduler(store SchedulerStore, queue JobQueue, interval time.Duration, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}

	return &Scheduler{store: store, queue: queue, interval: interval, logger: log}
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// Tick evaluates due-ness for every schedulable profile and enqueues a
// job per due profile.
func (s *Scheduler) Tick(ctx context.Context) error {
	profiles, err := s.store.SchedulableProfiles(ctx)
	if err != nil {
		return fmt.Errorf("load schedulable profiles: %w", err)
	}

	now := time.Now().UTC()

	for _, p := range profiles {
		due, err := profileDue(p, now)
		if err != nil {
			s.logger.Warn().Err(err).Str("profile_id", p.ID).Msg("unschedulable profile skipped")
			continue
		}

		if !due {
			continue
		}

		if _, err := s.EnqueueProfile(ctx, p, now); err != nil {
			// One bad profile must not starve the rest of the tick.
			s.logger.Error().Err(err).Str("profile_id", p.ID).Msg("failed to enqueue discovery job")
		}
	}

	return nil
}

// EnqueueProfile creates a job row for the profile and queues its
// dispatch. Also the entry point for manually triggered profiles.
func (s *Scheduler) EnqueueProfile(ctx context.Context, p *models.DiscoveryProfile, now time.Time) (*models.DiscoveryJob, error) {
	job := &models.DiscoveryJob{
		ID:        uuid.New().String(),
		ProfileID: p.ID,
		OrgID:     p.OrgID,
		SiteID:    p.SiteID,
		AgentID:   p.DeviceID,
		Status:    models.JobStatusScheduled,
		CreatedAt: now,
	}

	if err := s.store.CreateDiscoveryJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create discovery job: %w", err)
	}

	if err := s.store.SetProfileLastRun(ctx, p.ID, now); err != nil {
		return nil, fmt.Errorf("set profile last run: %w", err)
	}

	if err := s.queue.Enqueue(ctx, &JobMessage{Type: JobTypeDiscovery, RefID: job.ID}); err != nil {
		// A scheduled row that never reaches the queue would block its
		// profile forever; fail it so the next tick can reschedule.
		if ferr := s.store.SetDiscoveryJobStatus(ctx, job.ID, models.JobStatusFailed, "enqueue failed"); ferr != nil {
			s.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("failed to fail unenqueued discovery job")
		}

		return nil, fmt.Errorf("enqueue discovery job: %w", err)
	}

	s.logger.Info().
		Str("profile_id", p.ID).
		Str("job_id", job.ID).
		Msg("discovery job scheduled")

	return job, nil
}

// profileDue evaluates one profile's schedule at now. Manual profiles
// are never due automatically.
func profileDue(p *models.DiscoveryProfile, now time.Time) (bool, error) {
	switch p.ScheduleType {
	case models.ScheduleManual:
		return false, nil
	case models.ScheduleInterval:
		if p.IntervalMinutes <= 0 {
			return false, fmt.Errorf("profile %s has no interval", p.ID)
		}

		if p.LastRunAt == nil {
			return true, nil
		}

		return now.Sub(*p.LastRunAt) >= time.Duration(p.IntervalMinutes)*time.Minute, nil
	case models.ScheduleCron:
		sched, err := cron.ParseStandard(p.CronExpression)
		if err != nil {
			return false, fmt.Errorf("profile %s cron %q: %w", p.ID, p.CronExpression, err)
		}

		if p.LastRunAt == nil {
			return true, nil
		}

		return !sched.Next(*p.LastRunAt).After(now), nil
	default:
		return false, fmt.Errorf("profile %s has unknown schedule type %q", p.ID, p.ScheduleType)
	}
}
