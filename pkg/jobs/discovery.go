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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetgate/pkg/db"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// AgentRegistry is the reachability slice the producers need.
// Satisfied by gateway.ConnRegistry.
type AgentRegistry interface {
	IsConnected(agentID string) bool
	Send(agentID string, msg any) bool
}

// DiscoveryStore is the store slice the discovery producer uses.
type DiscoveryStore interface {
	GetDiscoveryProfile(ctx context.Context, profileID string) (*models.DiscoveryProfile, error)
	GetDiscoveryJob(ctx context.Context, jobID string) (*models.DiscoveryJob, error)
	SetDiscoveryJobStatus(ctx context.Context, jobID string, status models.DiscoveryJobStatus, failReason string) error
	SetDiscoveryJobAgent(ctx context.Context, jobID, agentID string) error
	FinishDiscoveryJob(ctx context.Context, jobID string, status models.DiscoveryJobStatus, hostsFound, hostsNew int, completedAt time.Time) error

	OnlineDeviceAtSite(ctx context.Context, orgID, siteID string) (string, error)
	FindInterfaceOwners(ctx context.Context, macs, ips []string) (map[string]string, error)

	UpsertDiscoveredAsset(ctx context.Context, asset *models.DiscoveredAsset) (*models.DiscoveredAsset, error)
	SetAssetApproval(ctx context.Context, assetID string, status models.AssetApprovalStatus) error
	MarkUnseenAssetsOffline(ctx context.Context, orgID, siteID string, seenIPs []string) ([]*models.DiscoveredAsset, error)
}

// EventSink publishes asset lifecycle events. Satisfied by
// events.Publisher.
type EventSink interface {
	PublishAssetApproval(ctx context.Context, data *models.AssetApprovalEventData) error
	PublishAssetDisappeared(ctx context.Context, data *models.AssetDisappearedEventData) error
}

// Discovery dispatches scheduled discovery jobs to agents and applies
// their results: asset upserts, auto-linking, approval decisions,
// offline marking, and topology enrichment.
type Discovery struct {
	store    DiscoveryStore
	registry AgentRegistry
	events   EventSink
	topology *Topology
	logger   logger.Logger
}

// NewDiscovery wires the discovery job producer.
func NewDiscovery(store DiscoveryStore, registry AgentRegistry, events EventSink, topology *Topology, log logger.Logger) *Discovery {
	return &Discovery{store: store, registry: registry, events: events, topology: topology, logger: log}
}

// HandleJob dispatches one queued discovery job. The returned error is
// nil for every job-level failure: those mark the job failed with a
// reason and are not retried by the queue.
func (d *Discovery) HandleJob(ctx context.Context, msg *JobMessage) error {
	job, err := d.store.GetDiscoveryJob(ctx, msg.RefID)
	if errors.Is(err, db.ErrNotFound) {
		d.logger.Warn().Str("job_id", msg.RefID).Msg("queued discovery job no longer exists")
		return nil
	}

	if err != nil {
		return err
	}

	if job.Status != models.JobStatusScheduled {
		d.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("discovery job not schedulable, skipping")

		return nil
	}

	profile, err := d.store.GetDiscoveryProfile(ctx, job.ProfileID)
	if err != nil {
		return d.failJob(ctx, job.ID, fmt.Sprintf("profile unavailable: %v", err))
	}

	agentID, err := d.resolveAgent(ctx, job, profile)
	if err != nil {
		return d.failJob(ctx, job.ID, err.Error())
	}

	payload := models.NetworkDiscoveryPayload{
		JobID:           job.ID,
		Subnets:         profile.Subnets,
		Exclusions:      profile.Exclusions,
		Methods:         profile.Methods,
		Ports:           profile.Ports,
		SNMPCommunities: profile.SNMPCommunities,
	}

	raw, err := models.EncodeCommandPayload(payload)
	if err != nil {
		return d.failJob(ctx, job.ID, fmt.Sprintf("encode scan parameters: %v", err))
	}

	// The job ID is the correlation ID on the wire; no ledger row
	// backs this command.
	frame := models.CommandFrame{
		Type:        models.FrameTypeCommand,
		ID:          job.ID,
		CommandType: models.CommandTypeNetworkDiscovery,
		Payload:     raw,
	}

	if !d.registry.Send(agentID, frame) {
		return d.failJob(ctx, job.ID, fmt.Sprintf("send to agent %s failed", agentID))
	}

	if err := d.store.SetDiscoveryJobAgent(ctx, job.ID, agentID); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record scanning agent")
	}

	if err := d.store.SetDiscoveryJobStatus(ctx, job.ID, models.JobStatusRunning, ""); err != nil {
		return err
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Str("agent_id", agentID).
		Int("subnets", len(profile.Subnets)).
		Msg("discovery scan dispatched")

	return nil
}

// resolveAgent picks the scanning agent: the profile's explicit device
// first, else any online device at the site. The agent must be
// reachable through the registry either way.
func (d *Discovery) resolveAgent(ctx context.Context, job *models.DiscoveryJob, profile *models.DiscoveryProfile) (string, error) {
	agentID := profile.DeviceID

	if agentID == "" {
		var err error

		agentID, err = d.store.OnlineDeviceAtSite(ctx, job.OrgID, job.SiteID)
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("no online device at site %s", job.SiteID)
		}

		if err != nil {
			return "", err
		}
	}

	if !d.registry.IsConnected(agentID) {
		return "", fmt.Errorf("agent %s not connected", agentID)
	}

	return agentID, nil
}

func (d *Discovery) failJob(ctx context.Context, jobID, reason string) error {
	d.logger.Warn().Str("job_id", jobID).Str("reason", reason).Msg("discovery job failed")

	return d.store.SetDiscoveryJobStatus(ctx, jobID, models.JobStatusFailed, reason)
}

// HandleOrphanResult routes a result whose ID is a discovery job ID.
// Results for cancelled jobs are claimed but otherwise no-ops.
func (d *Discovery) HandleOrphanResult(ctx context.Context, agentID string, res *models.CommandResult) (bool, error) {
	job, err := d.store.GetDiscoveryJob(ctx, res.CommandID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if job.Status == models.JobStatusCancelled {
		d.logger.Info().Str("job_id", job.ID).Msg("dropping result for cancelled discovery job")
		return true, nil
	}

	now := time.Now().UTC()

	if res.Status != "completed" && res.Status != "success" {
		reason := res.Error
		if reason == "" {
			reason = "scan failed on agent"
		}

		if err := d.store.SetDiscoveryJobStatus(ctx, job.ID, models.JobStatusFailed, reason); err != nil {
			return true, err
		}

		return true, nil
	}

	var result models.DiscoveryScanResult
	if err := json.Unmarshal(res.Structured(), &result); err != nil {
		_ = d.store.SetDiscoveryJobStatus(ctx, job.ID, models.JobStatusFailed, "undecodable scan result")
		return true, fmt.Errorf("decode discovery result: %w", err)
	}

	hostsNew, err := d.applyScanResult(ctx, job, result.Hosts, now)
	if err != nil {
		return true, err
	}

	if err := d.store.FinishDiscoveryJob(ctx, job.ID, models.JobStatusCompleted, len(result.Hosts), hostsNew, now); err != nil {
		return true, err
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Int("hosts_found", len(result.Hosts)).
		Int("hosts_new", hostsNew).
		Msg("discovery job completed")

	return true, nil
}

// applyScanResult upserts every reported host, decides approvals,
// marks unseen assets offline, and runs topology enrichment. Per-host
// failures are logged and do not abort the remaining hosts.
func (d *Discovery) applyScanResult(ctx context.Context, job *models.DiscoveryJob, hosts []models.DiscoveredHost, now time.Time) (int, error) {
	profile, err := d.store.GetDiscoveryProfile(ctx, job.ProfileID)
	if err != nil {
		return 0, fmt.Errorf("load profile for result: %w", err)
	}

	owners := d.resolveOwners(ctx, hosts)

	guests := make(map[string]bool, len(profile.KnownGuestMACs))
	for _, mac := range profile.KnownGuestMACs {
		guests[mac] = true
	}

	seenIPs := make([]string, 0, len(hosts))
	hostsNew := 0

	for i := range hosts {
		host := &hosts[i]
		seenIPs = append(seenIPs, host.IPAddress)

		asset := &models.DiscoveredAsset{
			ID:             uuid.New().String(),
			OrgID:          job.OrgID,
			SiteID:         job.SiteID,
			IPAddress:      host.IPAddress,
			MACAddress:     host.MACAddress,
			Hostname:       host.Hostname,
			DeviceType:     host.DeviceType,
			OpenPorts:      host.OpenPorts,
			LinkedDeviceID: linkFor(host, owners),
			LastSeen:       now,
		}

		prev, err := d.store.UpsertDiscoveredAsset(ctx, asset)
		if err != nil {
			d.logger.Error().Err(err).Str("ip", host.IPAddress).Msg("asset upsert failed")
			continue
		}

		if prev == nil {
			hostsNew++
		}

		d.applyApproval(ctx, job, asset, prev, guests)
	}

	disappeared, err := d.store.MarkUnseenAssetsOffline(ctx, job.OrgID, job.SiteID, seenIPs)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark unseen assets offline")
	}

	for _, asset := range disappeared {
		if err := d.events.PublishAssetDisappeared(ctx, &models.AssetDisappearedEventData{
			OrgID:     asset.OrgID,
			AssetID:   asset.ID,
			IPAddress: asset.IPAddress,
			JobID:     job.ID,
			Timestamp: now,
		}); err != nil {
			d.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("failed to publish disappearance event")
		}
	}

	if d.topology != nil {
		if err := d.topology.Enrich(ctx, job, hosts, now); err != nil {
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("topology enrichment failed")
		}
	}

	return hostsNew, nil
}

// resolveOwners batch-resolves all reported MACs and IPs to managed
// devices in one query. Failure degrades to no auto-linking.
func (d *Discovery) resolveOwners(ctx context.Context, hosts []models.DiscoveredHost) map[string]string {
	macs := make([]string, 0, len(hosts))
	ips := make([]string, 0, len(hosts))

	for _, h := range hosts {
		if h.MACAddress != "" {
			macs = append(macs, h.MACAddress)
		}

		ips = append(ips, h.IPAddress)
	}

	owners, err := d.store.FindInterfaceOwners(ctx, macs, ips)
	if err != nil {
		d.logger.Error().Err(err).Msg("interface owner lookup failed, skipping auto-link")
		return nil
	}

	return owners
}

// applyApproval computes the approval decision from prior state and
// the known-guest list and emits an event on a meaningful transition.
func (d *Discovery) applyApproval(ctx context.Context, job *models.DiscoveryJob, asset *models.DiscoveredAsset, prev *models.DiscoveredAsset, guests map[string]bool) {
	decision := decideApproval(asset, prev, guests)

	var prevStatus models.AssetApprovalStatus

	// Inserts persist first sightings as new, so that is the durable
	// status a missing prev row implies.
	persisted := models.AssetApprovalNew
	if prev != nil {
		prevStatus = prev.ApprovalStatus
		persisted = prev.ApprovalStatus
	}

	if prev != nil && decision == prevStatus {
		return
	}

	if decision != persisted {
		if err := d.store.SetAssetApproval(ctx, asset.ID, decision); err != nil {
			d.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("failed to set approval status")
			return
		}
	}

	asset.ApprovalStatus = decision

	if err := d.events.PublishAssetApproval(ctx, &models.AssetApprovalEventData{
		OrgID:          job.OrgID,
		AssetID:        asset.ID,
		IPAddress:      asset.IPAddress,
		PreviousStatus: prevStatus,
		CurrentStatus:  decision,
		JobID:          job.ID,
		Timestamp:      time.Now().UTC(),
	}); err != nil {
		d.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("failed to publish approval event")
	}
}

// decideApproval: a device link means approved, a known guest MAC
// means ignored, a first sighting is new, anything else keeps its
// prior disposition.
func decideApproval(asset *models.DiscoveredAsset, prev *models.DiscoveredAsset, guests map[string]bool) models.AssetApprovalStatus {
	switch {
	case prev != nil && (prev.ApprovalStatus == models.AssetApprovalManaged || prev.ApprovalStatus == models.AssetApprovalApproved):
		return prev.ApprovalStatus
	case asset.LinkedDeviceID != "":
		return models.AssetApprovalApproved
	case asset.MACAddress != "" && guests[asset.MACAddress]:
		return models.AssetApprovalIgnored
	case prev == nil:
		return models.AssetApprovalNew
	default:
		return prev.ApprovalStatus
	}
}

func linkFor(host *models.DiscoveredHost, owners map[string]string) string {
	if owners == nil {
		return ""
	}

	if host.MACAddress != "" {
		if deviceID, ok := owners[host.MACAddress]; ok {
			return deviceID
		}
	}

	if deviceID, ok := owners[host.IPAddress]; ok {
		return deviceID
	}

	return ""
}
