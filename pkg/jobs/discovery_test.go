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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/db"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

type fakeRegistry struct {
	connected map[string]bool
	sent      map[string][]any
	sendFails bool
}

func newFakeRegistry(agents ...string) *fakeRegistry {
	r := &fakeRegistry{connected: make(map[string]bool), sent: make(map[string][]any)}
	for _, a := range agents {
		r.connected[a] = true
	}

	return r
}

func (r *fakeRegistry) IsConnected(agentID string) bool { return r.connected[agentID] }

func (r *fakeRegistry) Send(agentID string, msg any) bool {
	if r.sendFails || !r.connected[agentID] {
		return false
	}

	r.sent[agentID] = append(r.sent[agentID], msg)

	return true
}

type fakeDiscoveryStore struct {
	job     *models.DiscoveryJob
	profile *models.DiscoveryProfile

	statusSets   []string
	failReasons  []string
	agentSets    []string
	finished     bool
	finishStatus models.DiscoveryJobStatus
	hostsFound   int
	hostsNew     int

	onlineDevice string
	owners       map[string]string

	prevAssets map[string]*models.DiscoveredAsset // keyed by IP
	upserted   []*models.DiscoveredAsset
	approvals  map[string]models.AssetApprovalStatus
	unseen     []*models.DiscoveredAsset
	seenIPs    []string
}

func (s *fakeDiscoveryStore) GetDiscoveryProfile(_ context.Context, profileID string) (*models.DiscoveryProfile, error) {
	if s.profile == nil || s.profile.ID != profileID {
		return nil, db.ErrNotFound
	}

	return s.profile, nil
}

func (s *fakeDiscoveryStore) GetDiscoveryJob(_ context.Context, jobID string) (*models.DiscoveryJob, error) {
	if s.job == nil || s.job.ID != jobID {
		return nil, db.ErrNotFound
	}

	return s.job, nil
}

func (s *fakeDiscoveryStore) SetDiscoveryJobStatus(_ context.Context, _ string, status models.DiscoveryJobStatus, failReason string) error {
	s.statusSets = append(s.statusSets, string(status))
	s.failReasons = append(s.failReasons, failReason)

	return nil
}

func (s *fakeDiscoveryStore) SetDiscoveryJobAgent(_ context.Context, _, agentID string) error {
	s.agentSets = append(s.agentSets, agentID)
	return nil
}

func (s *fakeDiscoveryStore) FinishDiscoveryJob(_ context.Context, _ string, status models.DiscoveryJobStatus, hostsFound, hostsNew int, _ time.Time) error {
	s.finished = true
	s.finishStatus = status
	s.hostsFound = hostsFound
	s.hostsNew = hostsNew

	return nil
}

func (s *fakeDiscoveryStore) OnlineDeviceAtSite(_ context.Context, _, _ string) (string, error) {
	if s.onlineDevice == "" {
		return "", db.ErrNotFound
	}

	return s.onlineDevice, nil
}

func (s *fakeDiscoveryStore) FindInterfaceOwners(_ context.Context, _, _ []string) (map[string]string, error) {
	return s.owners, nil
}

func (s *fakeDiscoveryStore) UpsertDiscoveredAsset(_ context.Context, asset *models.DiscoveredAsset) (*models.DiscoveredAsset, error) {
	s.upserted = append(s.upserted, asset)
	return s.prevAssets[asset.IPAddress], nil
}

func (s *fakeDiscoveryStore) SetAssetApproval(_ context.Context, assetID string, status models.AssetApprovalStatus) error {
	if s.approvals == nil {
		s.approvals = make(map[string]models.AssetApprovalStatus)
	}

	s.approvals[assetID] = status

	return nil
}

func (s *fakeDiscoveryStore) MarkUnseenAssetsOffline(_ context.Context, _, _ string, seenIPs []string) ([]*models.DiscoveredAsset, error) {
	s.seenIPs = seenIPs
	return s.unseen, nil
}

type fakeEventSink struct {
	approvals   []*models.AssetApprovalEventData
	disappeared []*models.AssetDisappearedEventData
}

func (e *fakeEventSink) PublishAssetApproval(_ context.Context, data *models.AssetApprovalEventData) error {
	e.approvals = append(e.approvals, data)
	return nil
}

func (e *fakeEventSink) PublishAssetDisappeared(_ context.Context, data *models.AssetDisappearedEventData) error {
	e.disappeared = append(e.disappeared, data)
	return nil
}

func discoveryFixture() (*fakeDiscoveryStore, *fakeRegistry, *fakeEventSink) {
	store := &fakeDiscoveryStore{
		job: &models.DiscoveryJob{
			ID:        "job-1",
			ProfileID: "profile-1",
			OrgID:     "org-1",
			SiteID:    "site-1",
			Status:    models.JobStatusScheduled,
		},
		profile: &models.DiscoveryProfile{
			ID:      "profile-1",
			OrgID:   "org-1",
			SiteID:  "site-1",
			Subnets: []string{"10.0.0.0/24"},
			Methods: []string{"arp", "ping"},
		},
		onlineDevice: "agent-1",
	}

	return store, newFakeRegistry("agent-1"), &fakeEventSink{}
}

func TestDiscoveryHandleJobDispatches(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	require.NoError(t, d.HandleJob(context.Background(), &JobMessage{Type: JobTypeDiscovery, RefID: "job-1"}))

	require.Len(t, registry.sent["agent-1"], 1)
	frame, ok := registry.sent["agent-1"][0].(models.CommandFrame)
	require.True(t, ok)
	assert.Equal(t, "job-1", frame.ID, "the job id is the wire correlation id")
	assert.Equal(t, models.CommandTypeNetworkDiscovery, frame.CommandType)

	assert.Equal(t, []string{"agent-1"}, store.agentSets)
	assert.Equal(t, []string{"running"}, store.statusSets)
}

func TestDiscoveryHandleJobNoOnlineAgent(t *testing.T) {
	t.Parallel()

	store, _, events := discoveryFixture()
	store.onlineDevice = ""

	d := NewDiscovery(store, newFakeRegistry(), events, nil, logger.NewTestLogger())

	// Job-level failures are recorded, not retried.
	require.NoError(t, d.HandleJob(context.Background(), &JobMessage{Type: JobTypeDiscovery, RefID: "job-1"}))

	require.Equal(t, []string{"failed"}, store.statusSets)
	assert.Contains(t, store.failReasons[0], "no online device")
}

func TestDiscoveryHandleJobAgentDisconnected(t *testing.T) {
	t.Parallel()

	store, _, events := discoveryFixture()
	store.profile.DeviceID = "agent-9"

	d := NewDiscovery(store, newFakeRegistry("agent-1"), events, nil, logger.NewTestLogger())

	require.NoError(t, d.HandleJob(context.Background(), &JobMessage{Type: JobTypeDiscovery, RefID: "job-1"}))

	require.Equal(t, []string{"failed"}, store.statusSets)
	assert.Contains(t, store.failReasons[0], "agent-9 not connected")
}

func TestDiscoveryHandleJobSkipsNonScheduled(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	store.job.Status = models.JobStatusRunning

	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	require.NoError(t, d.HandleJob(context.Background(), &JobMessage{Type: JobTypeDiscovery, RefID: "job-1"}))
	assert.Empty(t, registry.sent["agent-1"])
}

func scanResultBody(t *testing.T, hosts ...models.DiscoveredHost) *models.CommandResult {
	t.Helper()

	raw, err := json.Marshal(models.DiscoveryScanResult{Hosts: hosts})
	require.NoError(t, err)

	return &models.CommandResult{CommandID: "job-1", Status: "completed", Result: raw}
}

func TestDiscoveryOrphanResultCompletesJob(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	store.job.Status = models.JobStatusRunning
	store.owners = map[string]string{"aa:bb:cc:dd:ee:ff": "device-42"}
	store.prevAssets = map[string]*models.DiscoveredAsset{
		"10.0.0.5": {ID: "asset-5", ApprovalStatus: models.AssetApprovalNew},
	}

	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	res := scanResultBody(t,
		models.DiscoveredHost{IPAddress: "10.0.0.5", MACAddress: "aa:bb:cc:dd:ee:ff", Hostname: "printer"},
		models.DiscoveredHost{IPAddress: "10.0.0.9"},
	)

	matched, err := d.HandleOrphanResult(context.Background(), "agent-1", res)
	require.NoError(t, err)
	require.True(t, matched)

	assert.True(t, store.finished)
	assert.Equal(t, models.JobStatusCompleted, store.finishStatus)
	assert.Equal(t, 2, store.hostsFound)
	assert.Equal(t, 1, store.hostsNew, "only the never-seen host counts as new")

	require.Len(t, store.upserted, 2)
	assert.Equal(t, "device-42", store.upserted[0].LinkedDeviceID, "MAC match auto-links to the managed device")
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.9"}, store.seenIPs)

	// 10.0.0.5 moved new -> approved via the link; 10.0.0.9 is a first
	// sighting.
	require.Len(t, events.approvals, 2)
	assert.Equal(t, models.AssetApprovalApproved, events.approvals[0].CurrentStatus)
	assert.Equal(t, models.AssetApprovalNew, events.approvals[1].CurrentStatus)
}

func TestDiscoveryFirstSightingApprovalPersisted(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	store.job.Status = models.JobStatusRunning
	store.owners = map[string]string{"aa:bb:cc:dd:ee:ff": "device-42"}

	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	matched, err := d.HandleOrphanResult(context.Background(), "agent-1", scanResultBody(t,
		models.DiscoveredHost{IPAddress: "10.0.0.5", MACAddress: "aa:bb:cc:dd:ee:ff"},
		models.DiscoveredHost{IPAddress: "10.0.0.9"},
	))
	require.NoError(t, err)
	require.True(t, matched)

	require.Len(t, store.upserted, 2)

	// The insert persisted the linked host as new; the approved
	// decision must be written back, not just announced.
	linked := store.upserted[0]
	assert.Equal(t, models.AssetApprovalApproved, store.approvals[linked.ID])

	// A plain first sighting stays new, which the insert already
	// holds.
	plain := store.upserted[1]
	_, rewritten := store.approvals[plain.ID]
	assert.False(t, rewritten)

	require.Len(t, events.approvals, 2)
	assert.Equal(t, models.AssetApprovalApproved, events.approvals[0].CurrentStatus)
}

func TestDiscoveryOrphanResultUnknownJob(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	matched, err := d.HandleOrphanResult(context.Background(), "agent-1", &models.CommandResult{
		CommandID: "not-a-job",
		Status:    "completed",
	})
	require.NoError(t, err)
	assert.False(t, matched, "an unknown id falls through to the next orphan handler")
}

func TestDiscoveryOrphanResultCancelledJob(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	store.job.Status = models.JobStatusCancelled

	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	matched, err := d.HandleOrphanResult(context.Background(), "agent-1", scanResultBody(t,
		models.DiscoveredHost{IPAddress: "10.0.0.5"},
	))
	require.NoError(t, err)
	assert.True(t, matched, "the result is claimed so it is not misrouted")
	assert.Empty(t, store.upserted)
	assert.False(t, store.finished)
}

func TestDiscoveryOrphanResultScanFailure(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	store.job.Status = models.JobStatusRunning

	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	matched, err := d.HandleOrphanResult(context.Background(), "agent-1", &models.CommandResult{
		CommandID: "job-1",
		Status:    "failed",
		Error:     "interface busy",
	})
	require.NoError(t, err)
	require.True(t, matched)

	require.Equal(t, []string{"failed"}, store.statusSets)
	assert.Equal(t, []string{"interface busy"}, store.failReasons)
}

func TestDiscoveryDisappearanceEvents(t *testing.T) {
	t.Parallel()

	store, registry, events := discoveryFixture()
	store.job.Status = models.JobStatusRunning
	store.unseen = []*models.DiscoveredAsset{
		{ID: "asset-gone", OrgID: "org-1", IPAddress: "10.0.0.77"},
	}

	d := NewDiscovery(store, registry, events, nil, logger.NewTestLogger())

	matched, err := d.HandleOrphanResult(context.Background(), "agent-1", scanResultBody(t,
		models.DiscoveredHost{IPAddress: "10.0.0.5"},
	))
	require.NoError(t, err)
	require.True(t, matched)

	require.Len(t, events.disappeared, 1)
	assert.Equal(t, "asset-gone", events.disappeared[0].AssetID)
	assert.Equal(t, "job-1", events.disappeared[0].JobID)
}

func TestDecideApproval(t *testing.T) {
	t.Parallel()

	guests := map[string]bool{"gu:es:t0:00:00:01": true}

	tests := []struct {
		name  string
		asset models.DiscoveredAsset
		prev  *models.DiscoveredAsset
		want  models.AssetApprovalStatus
	}{
		{
			name:  "managed stays managed",
			asset: models.DiscoveredAsset{LinkedDeviceID: ""},
			prev:  &models.DiscoveredAsset{ApprovalStatus: models.AssetApprovalManaged},
			want:  models.AssetApprovalManaged,
		},
		{
			name:  "approved stays approved",
			asset: models.DiscoveredAsset{MACAddress: "gu:es:t0:00:00:01"},
			prev:  &models.DiscoveredAsset{ApprovalStatus: models.AssetApprovalApproved},
			want:  models.AssetApprovalApproved,
		},
		{
			name:  "device link approves",
			asset: models.DiscoveredAsset{LinkedDeviceID: "device-1"},
			want:  models.AssetApprovalApproved,
		},
		{
			name:  "guest mac ignored",
			asset: models.DiscoveredAsset{MACAddress: "gu:es:t0:00:00:01"},
			want:  models.AssetApprovalIgnored,
		},
		{
			name:  "first sighting is new",
			asset: models.DiscoveredAsset{IPAddress: "10.0.0.1"},
			want:  models.AssetApprovalNew,
		},
		{
			name:  "prior disposition kept",
			asset: models.DiscoveredAsset{},
			prev:  &models.DiscoveredAsset{ApprovalStatus: models.AssetApprovalIgnored},
			want:  models.AssetApprovalIgnored,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			asset := tt.asset
			assert.Equal(t, tt.want, decideApproval(&asset, tt.prev, guests))
		})
	}
}
