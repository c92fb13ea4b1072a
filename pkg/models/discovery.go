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

package models

import "time"

// DiscoveryScheduleType selects how a profile becomes due.
type DiscoveryScheduleType string

const (
	ScheduleManual   DiscoveryScheduleType = "manual"
	ScheduleInterval DiscoveryScheduleType = "interval"
	ScheduleCron     DiscoveryScheduleType = "cron"
)

// DiscoveryProfile configures a recurring network discovery scan.
type DiscoveryProfile struct {
	ID              string                `json:"id"`
	OrgID           string                `json:"org_id"`
	SiteID          string                `json:"site_id"`
	Name            string                `json:"name"`
	ScheduleType    DiscoveryScheduleType `json:"schedule_type"`
	IntervalMinutes int                   `json:"interval_minutes,omitempty"`
	CronExpression  string                `json:"cron_expression,omitempty"`
	DeviceID        string                `json:"device_id,omitempty"` // explicit scanning agent, optional
	Subnets         []string              `json:"subnets"`
	Exclusions      []string              `json:"exclusions,omitempty"`
	Methods         []string              `json:"methods"`
	Ports           []int                 `json:"ports,omitempty"`
	SNMPCommunities []string              `json:"snmp_communities,omitempty"`
	KnownGuestMACs  []string              `json:"known_guest_macs,omitempty"`
	Enabled         bool                  `json:"enabled"`
	LastRunAt       *time.Time            `json:"last_run_at,omitempty"`
}

// DiscoveryJobStatus is the lifecycle state of one scan run.
type DiscoveryJobStatus string

const (
	JobStatusScheduled DiscoveryJobStatus = "scheduled"
	JobStatusRunning   DiscoveryJobStatus = "running"
	JobStatusCompleted DiscoveryJobStatus = "completed"
	JobStatusFailed    DiscoveryJobStatus = "failed"
	JobStatusCancelled DiscoveryJobStatus = "cancelled"
)

// DiscoveryJob maps 1:1 to one dispatched scan; the job ID is the
// correlation ID on the wire and no ledger row is created for it.
type DiscoveryJob struct {
	ID          string             `json:"id"`
	ProfileID   string             `json:"profile_id"`
	OrgID       string             `json:"org_id"`
	SiteID      string             `json:"site_id"`
	AgentID     string             `json:"agent_id,omitempty"`
	Status      DiscoveryJobStatus `json:"status"`
	HostsFound  int                `json:"hosts_found"`
	HostsNew    int                `json:"hosts_new"`
	FailReason  string             `json:"fail_reason,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// AssetApprovalStatus is the operator-facing disposition of a
// discovered asset. Policy for transitions is owned externally; the
// producer only computes the new/approved/ignored decision.
type AssetApprovalStatus string

const (
	AssetApprovalNew      AssetApprovalStatus = "new"
	AssetApprovalApproved AssetApprovalStatus = "approved"
	AssetApprovalManaged  AssetApprovalStatus = "managed"
	AssetApprovalIgnored  AssetApprovalStatus = "ignored"
)

// DiscoveredAsset is a network host found by discovery, unique per
// (org, IP). LinkedDeviceID is a weak reference to a managed device;
// once set by a human it is never overwritten automatically.
type DiscoveredAsset struct {
	ID              string              `json:"id"`
	OrgID           string              `json:"org_id"`
	SiteID          string              `json:"site_id"`
	IPAddress       string              `json:"ip_address"`
	MACAddress      string              `json:"mac_address,omitempty"`
	Hostname        string              `json:"hostname,omitempty"`
	DeviceType      string              `json:"device_type,omitempty"`
	OpenPorts       []int               `json:"open_ports,omitempty"`
	ApprovalStatus  AssetApprovalStatus `json:"approval_status"`
	LinkedDeviceID  string              `json:"linked_device_id,omitempty"`
	LinkSetManually bool                `json:"link_set_manually"`
	IsOnline        bool                `json:"is_online"`
	FirstSeen       time.Time           `json:"first_seen"`
	LastSeen        time.Time           `json:"last_seen"`
}

// DiscoveredHost is one host entry inside a scan result payload.
type DiscoveredHost struct {
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	OpenPorts  []int  `json:"open_ports,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
}

// DiscoveryScanResult is the structured result body of a network
// discovery job.
type DiscoveryScanResult struct {
	Hosts []DiscoveredHost `json:"hosts"`
}

// TopologyEdge records adjacency between a gateway-type asset and an
// endpoint asset, deduplicated by (source, target).
type TopologyEdge struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	SiteID         string    `json:"site_id"`
	SourceAssetID  string    `json:"source_asset_id"`
	TargetAssetID  string    `json:"target_asset_id"`
	ConnectionType string    `json:"connection_type"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}
