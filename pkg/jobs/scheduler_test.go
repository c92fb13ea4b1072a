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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

type fakeSchedulerStore struct {
	profiles   []*models.DiscoveryProfile
	jobs       []*models.DiscoveryJob
	lastRuns   map[string]time.Time
	statusSets map[string]models.DiscoveryJobStatus
}

func (s *fakeSchedulerStore) SchedulableProfiles(_ context.Context) ([]*models.DiscoveryProfile, error) {
	return s.profiles, nil
}

func (s *fakeSchedulerStore) SetProfileLastRun(_ context.Context, profileID string, at time.Time) error {
	if s.lastRuns == nil {
		s.lastRuns = make(map[string]time.Time)
	}

	s.lastRuns[profileID] = at

	return nil
}

func (s *fakeSchedulerStore) CreateDiscoveryJob(_ context.Context, job *models.DiscoveryJob) error {
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeSchedulerStore) SetDiscoveryJobStatus(_ context.Context, jobID string, status models.DiscoveryJobStatus, _ string) error {
	if s.statusSets == nil {
		s.statusSets = make(map[string]models.DiscoveryJobStatus)
	}

	s.statusSets[jobID] = status

	return nil
}

type fakeQueue struct {
	messages   []*JobMessage
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, msg *JobMessage) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}

	q.messages = append(q.messages, msg)

	return nil
}

func TestProfileDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	hourAgo := now.Add(-time.Hour)
	tenMinAgo := now.Add(-10 * time.Minute)

	tests := []struct {
		name    string
		profile models.DiscoveryProfile
		want    bool
		wantErr bool
	}{
		{
			name:    "manual never due",
			profile: models.DiscoveryProfile{ID: "p", ScheduleType: models.ScheduleManual},
			want:    false,
		},
		{
			name:    "interval never run",
			profile: models.DiscoveryProfile{ID: "p", ScheduleType: models.ScheduleInterval, IntervalMinutes: 60},
			want:    true,
		},
		{
			name: "interval elapsed",
			profile: models.DiscoveryProfile{
				ID: "p", ScheduleType: models.ScheduleInterval, IntervalMinutes: 60, LastRunAt: &hourAgo,
			},
			want: true,
		},
		{
			name: "interval not yet",
			profile: models.DiscoveryProfile{
				ID: "p", ScheduleType: models.ScheduleInterval, IntervalMinutes: 60, LastRunAt: &tenMinAgo,
			},
			want: false,
		},
		{
			name:    "interval without minutes",
			profile: models.DiscoveryProfile{ID: "p", ScheduleType: models.ScheduleInterval},
			wantErr: true,
		},
		{
			name: "cron fired since last run",
			profile: models.DiscoveryProfile{
				ID: "p", ScheduleType: models.ScheduleCron, CronExpression: "*/15 * * * *", LastRunAt: &hourAgo,
			},
			want: true,
		},
		{
			name: "cron not fired yet",
			profile: models.DiscoveryProfile{
				ID: "p", ScheduleType: models.ScheduleCron, CronExpression: "0 0 * * *", LastRunAt: &tenMinAgo,
			},
			want: false,
		},
		{
			name: "bad cron expression",
			profile: models.DiscoveryProfile{
				ID: "p", ScheduleType: models.ScheduleCron, CronExpression: "not a cron",
			},
			wantErr: true,
		},
		{
			name:    "unknown schedule type",
			profile: models.DiscoveryProfile{ID: "p", ScheduleType: "hourly"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			profile := tt.profile

			due, err := profileDue(&profile, now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, due)
		})
	}
}

func TestTickEnqueuesDueProfiles(t *testing.T) {
	t.Parallel()

	hourAgo := time.Now().UTC().Add(-time.Hour)

	store := &fakeSchedulerStore{
		profiles: []*models.DiscoveryProfile{
			{ID: "due", OrgID: "org-1", SiteID: "site-1", ScheduleType: models.ScheduleInterval, IntervalMinutes: 30, LastRunAt: &hourAgo},
			{ID: "not-due", ScheduleType: models.ScheduleInterval, IntervalMinutes: 120, LastRunAt: &hourAgo},
			{ID: "manual", ScheduleType: models.ScheduleManual},
			{ID: "broken", ScheduleType: models.ScheduleCron, CronExpression: "nope"},
		},
	}
	queue := &fakeQueue{}
	s := NewScheduler(store, queue, 0, logger.NewTestLogger())

	require.NoError(t, s.Tick(context.Background()))

	require.Len(t, store.jobs, 1)
	job := store.jobs[0]
	assert.Equal(t, "due", job.ProfileID)
	assert.Equal(t, "org-1", job.OrgID)
	assert.Equal(t, models.JobStatusScheduled, job.Status)

	require.Len(t, queue.messages, 1)
	assert.Equal(t, JobTypeDiscovery, queue.messages[0].Type)
	assert.Equal(t, job.ID, queue.messages[0].RefID)

	_, ok := store.lastRuns["due"]
	assert.True(t, ok, "enqueuing stamps the profile's last run")
}

func TestEnqueueProfileManualTrigger(t *testing.T) {
	t.Parallel()

	store := &fakeSchedulerStore{}
	queue := &fakeQueue{}
	s := NewScheduler(store, queue, 0, logger.NewTestLogger())

	now := time.Now().UTC()
	profile := &models.DiscoveryProfile{
		ID: "p-1", OrgID: "org-1", SiteID: "site-1",
		ScheduleType: models.ScheduleManual,
		DeviceID:     "agent-7",
	}

	job, err := s.EnqueueProfile(context.Background(), profile, now)
	require.NoError(t, err)

	assert.Equal(t, "agent-7", job.AgentID, "explicit scanning agent carries into the job")
	require.Len(t, queue.messages, 1)
	assert.Equal(t, job.ID, queue.messages[0].RefID)
}

func TestEnqueueProfileQueueFailureFailsJob(t *testing.T) {
	t.Parallel()

	store := &fakeSchedulerStore{}
	queue := &fakeQueue{enqueueErr: errors.New("stream unavailable")}
	s := NewScheduler(store, queue, 0, logger.NewTestLogger())

	profile := &models.DiscoveryProfile{ID: "p-1", OrgID: "org-1", ScheduleType: models.ScheduleManual}

	_, err := s.EnqueueProfile(context.Background(), profile, time.Now().UTC())
	require.Error(t, err)

	// A job row stuck in scheduled would block the profile from ever
	// being picked up again.
	require.Len(t, store.jobs, 1)
	assert.Equal(t, models.JobStatusFailed, store.statusSets[store.jobs[0].ID])
}
