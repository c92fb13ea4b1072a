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

import (
	"encoding/json"
	"time"
)

// SecurityStatus is the per-device endpoint-protection snapshot.
type SecurityStatus struct {
	DeviceID           string     `json:"device_id"`
	ProductName        string     `json:"product_name,omitempty"`
	RealtimeProtection bool       `json:"realtime_protection"`
	DefinitionsDate    *time.Time `json:"definitions_date,omitempty"`
	ThreatCount        int        `json:"threat_count"`
	LastScanAt         *time.Time `json:"last_scan_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SecurityScan records one completed scan run on a device.
type SecurityScan struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	CommandID    string    `json:"command_id"`
	ScanType     string    `json:"scan_type"`
	FilesScanned int64     `json:"files_scanned"`
	ThreatsFound int       `json:"threats_found"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// ThreatState tracks a detected threat through remediation.
type ThreatState string

const (
	ThreatDetected    ThreatState = "detected"
	ThreatQuarantined ThreatState = "quarantined"
	ThreatRemoved     ThreatState = "removed"
	ThreatRestored    ThreatState = "restored"
)

// SecurityThreat is one detected threat on a device. Identified by ID
// or, for agent-reported transitions without one, by (device, path).
type SecurityThreat struct {
	ID         string      `json:"id"`
	DeviceID   string      `json:"device_id"`
	ScanID     string      `json:"scan_id,omitempty"`
	Name       string      `json:"name"`
	Severity   string      `json:"severity"`
	Path       string      `json:"path"`
	State      ThreatState `json:"state"`
	DetectedAt time.Time   `json:"detected_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// SecurityResultBody is the structured result of security commands.
type SecurityResultBody struct {
	ProductName        string           `json:"product_name,omitempty"`
	RealtimeProtection bool             `json:"realtime_protection"`
	DefinitionsDate    *time.Time       `json:"definitions_date,omitempty"`
	ScanType           string           `json:"scan_type,omitempty"`
	FilesScanned       int64            `json:"files_scanned,omitempty"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	Threats            []ReportedThreat `json:"threats,omitempty"`
	ThreatID           string           `json:"threat_id,omitempty"`
	Path               string           `json:"path,omitempty"`
}

// ReportedThreat is one threat entry in a scan result.
type ReportedThreat struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Path     string `json:"path"`
}

// DecodeSecurityResult parses the structured security result body.
func DecodeSecurityResult(raw json.RawMessage) (*SecurityResultBody, error) {
	var body SecurityResultBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}

	return &body, nil
}
