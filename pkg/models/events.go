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

// CloudEvent is the envelope published to the events stream,
// following the CloudEvents 1.0 spec.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// AssetApprovalEventData reports a meaningful approval transition of a
// discovered asset.
type AssetApprovalEventData struct {
	OrgID          string              `json:"org_id"`
	AssetID        string              `json:"asset_id"`
	IPAddress      string              `json:"ip_address"`
	PreviousStatus AssetApprovalStatus `json:"previous_status"`
	CurrentStatus  AssetApprovalStatus `json:"current_status"`
	JobID          string              `json:"job_id"`
	Timestamp      time.Time           `json:"timestamp"`
}

// AssetDisappearedEventData reports a previously approved, online
// asset not seen by the latest scan.
type AssetDisappearedEventData struct {
	OrgID     string    `json:"org_id"`
	AssetID   string    `json:"asset_id"`
	IPAddress string    `json:"ip_address"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEventData is the generic audit record written for dispatches
// and security transitions.
type AuditEventData struct {
	OrgID     string            `json:"org_id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	TargetID  string            `json:"target_id"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
