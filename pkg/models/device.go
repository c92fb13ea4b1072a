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

// Package models defines the domain types shared across the gateway,
// the command ledger, and the job producers.
package models

import "time"

// Device is a managed endpoint running an agent. The agent identity
// used at handshake time is the device ID.
type Device struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	SiteID         string     `json:"site_id"`
	Hostname       string     `json:"hostname"`
	IsOnline       bool       `json:"is_online"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	PolicyRevision int64      `json:"policy_revision"`
	AgentVersion   string     `json:"agent_version"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeviceInterface is a known NIC of a managed device, used to auto-link
// discovered assets by MAC or IP.
type DeviceInterface struct {
	DeviceID   string `json:"device_id"`
	MACAddress string `json:"mac_address"`
	IPAddress  string `json:"ip_address"`
}
