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
	"time"

	"github.com/carverauto/fleetgate/pkg/models"
)

// DeviceStore covers managed-device presence and identity.
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	GetDeviceCredentialHash(ctx context.Context, deviceID string) (string, error)
	SetDeviceOnline(ctx context.Context, deviceID string, online bool) error
	TouchDeviceLastSeen(ctx context.Context, deviceID string, seen time.Time) error
	OnlineDeviceAtSite(ctx context.Context, orgID, siteID string) (string, error)
	OnlineDeviceInOrg(ctx context.Context, orgID string) (string, error)
	GetDeviceProbe(ctx context.Context, deviceID string) (policyRevision int64, pinnedVersion string, err error)
	FindInterfaceOwners(ctx context.Context, macs, ips []string) (map[string]string, error)
}

// CommandStore is the durable command ledger.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *models.DeviceCommand) error
	MarkCommandSent(ctx context.Context, commandID string, sentAt time.Time) (bool, error)
	PullPendingCommands(ctx context.Context, deviceID string, limit int, sentAt time.Time) ([]*models.DeviceCommand, error)
	CompleteCommand(ctx context.Context, commandID, deviceID string, status models.CommandStatus, result []byte, completedAt time.Time) (cmd *models.DeviceCommand, applied bool, err error)
	HasCommandInFlight(ctx context.Context, deviceID string, cmdType models.CommandType) (bool, error)
	TimeoutSentBefore(ctx context.Context, cmdType models.CommandType, cutoff time.Time) (int64, error)
}

// DiscoveryStore covers profiles, jobs, and discovered assets.
type DiscoveryStore interface {
	SchedulableProfiles(ctx context.Context) ([]*models.DiscoveryProfile, error)
	GetDiscoveryProfile(ctx context.Context, profileID string) (*models.DiscoveryProfile, error)
	SetProfileLastRun(ctx context.Context, profileID string, at time.Time) error
	CreateDiscoveryJob(ctx context.Context, job *models.DiscoveryJob) error
	GetDiscoveryJob(ctx context.Context, jobID string) (*models.DiscoveryJob, error)
	SetDiscoveryJobStatus(ctx context.Context, jobID string, status models.DiscoveryJobStatus, failReason string) error
	SetDiscoveryJobAgent(ctx context.Context, jobID, agentID string) error
	FinishDiscoveryJob(ctx context.Context, jobID string, status models.DiscoveryJobStatus, hostsFound, hostsNew int, completedAt time.Time) error

	UpsertDiscoveredAsset(ctx context.Context, asset *models.DiscoveredAsset) (prev *models.DiscoveredAsset, err error)
	SetAssetApproval(ctx context.Context, assetID string, status models.AssetApprovalStatus) error
	MarkUnseenAssetsOffline(ctx context.Context, orgID, siteID string, seenIPs []string) ([]*models.DiscoveredAsset, error)
	AssetIDsByIPs(ctx context.Context, orgID string, ips []string) (map[string]string, error)
}

// TopologyStore persists adjacency edges, batched.
type TopologyStore interface {
	EdgesBySources(ctx context.Context, sourceAssetIDs []string) ([]*models.TopologyEdge, error)
	TouchEdges(ctx context.Context, edgeIDs []string, verifiedAt time.Time) error
	InsertEdges(ctx context.Context, edges []*models.TopologyEdge) error
}

// SNMPStore covers poll targets and metric rows.
type SNMPStore interface {
	GetSNMPTarget(ctx context.Context, deviceID string) (*models.SNMPTarget, error)
	ListSNMPTargets(ctx context.Context, orgID string) ([]*models.SNMPTarget, error)
	TemplateOIDs(ctx context.Context, templateID string) ([]models.SNMPOid, error)
	DueSNMPTargets(ctx context.Context, cutoff time.Time) ([]*models.SNMPTarget, error)
	InsertSNMPMetrics(ctx context.Context, rows []*models.SNMPMetricRow) error
	SetSNMPTargetStatus(ctx context.Context, deviceID, status string, polledAt time.Time) error
}

// CheckpointStore is the per-device filesystem-scan state.
type CheckpointStore interface {
	GetScanCheckpoint(ctx context.Context, deviceID string) (*models.ScanCheckpoint, error)
	SaveScanCheckpoint(ctx context.Context, cp *models.ScanCheckpoint) error
	AdvanceScanCheckpoint(ctx context.Context, cp *models.ScanCheckpoint, expectedAttempt int) (bool, error)
	ClearScanCheckpoint(ctx context.Context, deviceID string, baselineCompletedAt time.Time) error
	InsertFilesystemSnapshot(ctx context.Context, snap *models.FilesystemSnapshot) error
}

// SecurityStore covers endpoint-protection snapshots and threats.
type SecurityStore interface {
	UpsertSecurityStatus(ctx context.Context, st *models.SecurityStatus) error
	InsertSecurityScan(ctx context.Context, scan *models.SecurityScan) (inserted bool, err error)
	InsertThreats(ctx context.Context, threats []*models.SecurityThreat) error
	TransitionThreat(ctx context.Context, deviceID, threatID, path string, state models.ThreatState, at time.Time) (bool, error)
	IncrementBatchCounter(ctx context.Context, batchID string, succeeded bool) error
}

// Service is the full store surface.
type Service interface {
	DeviceStore
	CommandStore
	DiscoveryStore
	TopologyStore
	SNMPStore
	CheckpointStore
	SecurityStore

	ApplySchema(ctx context.Context) error
	Close()
}

var _ Service = (*Store)(nil)
