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

// SNMPTarget holds the connection parameters for one SNMP device.
// Version is "v1", "v2c", or "v3"; community applies to v1/v2c and the
// V3 block to v3.
type SNMPTarget struct {
	DeviceID   string `json:"device_id"`
	OrgID      string `json:"org_id"`
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	Version    string `json:"version"`
	Community  string `json:"community,omitempty"`
	TemplateID string `json:"template_id,omitempty"`

	// PollDirect routes the poll through the control plane's own SNMP
	// client instead of an agent; only valid for targets the server can
	// reach.
	PollDirect bool `json:"poll_direct,omitempty"`

	V3 *SNMPv3Credentials `json:"v3,omitempty"`

	LastPolled *time.Time `json:"last_polled,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
}

// SNMPv3Credentials carries USM parameters for v3 targets.
type SNMPv3Credentials struct {
	Username      string `json:"username"`
	SecurityLevel string `json:"security_level"` // noAuthNoPriv | authNoPriv | authPriv
	AuthProtocol  string `json:"auth_protocol,omitempty"`
	AuthPassword  string `json:"auth_password,omitempty"`
	PrivProtocol  string `json:"priv_protocol,omitempty"`
	PrivPassword  string `json:"priv_password,omitempty"`
}

// SNMPOid names one OID from a monitoring template.
type SNMPOid struct {
	OID  string `json:"oid"`
	Name string `json:"name"`
}

// SNMPMetricSample is one polled value as reported by an agent or the
// direct poller.
type SNMPMetricSample struct {
	OID       string          `json:"oid"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// SNMPPollResult is the orphan-routed result body for an SNMP poll: a
// device ID plus its metric samples, dispatched by request ID with no
// ledger row.
type SNMPPollResult struct {
	DeviceID string             `json:"deviceId"`
	Metrics  []SNMPMetricSample `json:"metrics"`
}

// SNMPMetricRow is the persisted form of one sample.
type SNMPMetricRow struct {
	DeviceID  string    `json:"device_id"`
	OrgID     string    `json:"org_id"`
	OID       string    `json:"oid"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	ValueType string    `json:"value_type"` // number | string | bool
	Timestamp time.Time `json:"timestamp"`
}
