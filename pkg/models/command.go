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
	"fmt"
	"time"
)

// CommandType discriminates the payload carried by a device command.
type CommandType string

const (
	CommandTypeScript                CommandType = "script"
	CommandTypeSecurityCollectStatus CommandType = "security_collect_status"
	CommandTypeSecurityScan          CommandType = "security_scan"
	CommandTypeSecurityQuarantine    CommandType = "security_threat_quarantine"
	CommandTypeSecurityRemove        CommandType = "security_threat_remove"
	CommandTypeSecurityRestore       CommandType = "security_threat_restore"
	CommandTypeFilesystemAnalysis    CommandType = "filesystem_analysis"
	CommandTypeNetworkDiscovery      CommandType = "network_discovery"
	CommandTypeSNMPPoll              CommandType = "snmp_poll"
	CommandTypeReboot                CommandType = "reboot"
	CommandTypeWake                  CommandType = "wake"
)

// CommandStatus is the ledger lifecycle state of a dispatched command.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusSent      CommandStatus = "sent"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusTimeout   CommandStatus = "timeout"
)

// IsTerminal reports whether the status ends the command lifecycle.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandStatusCompleted, CommandStatusFailed, CommandStatusTimeout:
		return true
	default:
		return false
	}
}

// DeviceCommand is a durable ledger entry for one dispatched command.
// Its lifetime is independent of any agent connection.
type DeviceCommand struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	OrgID       string          `json:"org_id"`
	Type        CommandType     `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      CommandStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// CommandResult is the agent-reported outcome of a command.
type CommandResult struct {
	CommandID  string          `json:"commandId"`
	Status     string          `json:"status"`
	ExitCode   *int            `json:"exitCode,omitempty"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	DurationMS int64           `json:"durationMs"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Structured returns the structured result body when present, falling
// back to raw stdout. Structured output wins when both are set.
func (r *CommandResult) Structured() json.RawMessage {
	if len(r.Result) > 0 {
		return r.Result
	}

	if r.Stdout != "" {
		return json.RawMessage(r.Stdout)
	}

	return nil
}

// CommandPayload is the tagged sum of per-type command payloads.
// Decoding goes through DecodeCommandPayload so an unhandled type is a
// compile-time hole in exactly one switch.
type CommandPayload interface {
	PayloadType() CommandType
}

// ScriptPayload carries an interpreted script plus batch bookkeeping.
type ScriptPayload struct {
	Shell          string   `json:"shell"`
	Script         string   `json:"script"`
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	BatchID        string   `json:"batch_id,omitempty"`
}

func (ScriptPayload) PayloadType() CommandType { return CommandTypeScript }

// SecurityActionPayload covers scan, collect-status, and the threat
// transitions. ThreatID or Path identify the target threat.
type SecurityActionPayload struct {
	Action   CommandType `json:"action"`
	ThreatID string      `json:"threat_id,omitempty"`
	Path     string      `json:"path,omitempty"`
	ScanType string      `json:"scan_type,omitempty"`
}

func (p SecurityActionPayload) PayloadType() CommandType { return p.Action }

// FilesystemAnalysisPayload drives full and incremental filesystem
// scans. Checkpoint is an opaque cursor from a prior partial run.
type FilesystemAnalysisPayload struct {
	Mode          string          `json:"mode"` // "baseline" | "incremental"
	Paths         []string        `json:"paths,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
	AutoContinue  bool            `json:"auto_continue"`
	ResumeAttempt int             `json:"resume_attempt"`
}

func (FilesystemAnalysisPayload) PayloadType() CommandType { return CommandTypeFilesystemAnalysis }

// NetworkDiscoveryPayload is the scan parameter set for a discovery
// job. The job ID doubles as the correlation ID; no ledger row exists.
type NetworkDiscoveryPayload struct {
	JobID           string   `json:"job_id"`
	Subnets         []string `json:"subnets"`
	Exclusions      []string `json:"exclusions,omitempty"`
	Methods         []string `json:"methods"`
	Ports           []int    `json:"ports,omitempty"`
	SNMPCommunities []string `json:"snmp_communities,omitempty"`
}

func (NetworkDiscoveryPayload) PayloadType() CommandType { return CommandTypeNetworkDiscovery }

// SNMPPollPayload carries target connection parameters plus the OID
// list resolved from the device's monitoring template.
type SNMPPollPayload struct {
	DeviceID  string     `json:"device_id"`
	Target    SNMPTarget `json:"target"`
	OIDs      []SNMPOid  `json:"oids"`
	RequestID string     `json:"request_id"`
}

func (SNMPPollPayload) PayloadType() CommandType { return CommandTypeSNMPPoll }

// PowerPayload covers reboot/wake and other parameterless actions.
type PowerPayload struct {
	Action CommandType `json:"action"`
	Force  bool        `json:"force,omitempty"`
}

func (p PowerPayload) PayloadType() CommandType { return p.Action }

// DecodeCommandPayload unmarshals a raw payload into its typed form.
func DecodeCommandPayload(cmdType CommandType, raw json.RawMessage) (CommandPayload, error) {
	switch cmdType {
	case CommandTypeScript:
		var p ScriptPayload
		return decodeInto(&p, raw)
	case CommandTypeSecurityCollectStatus, CommandTypeSecurityScan,
		CommandTypeSecurityQuarantine, CommandTypeSecurityRemove, CommandTypeSecurityRestore:
		var p SecurityActionPayload

		if _, err := decodeInto(&p, raw); err != nil {
			return nil, err
		}

		p.Action = cmdType

		return p, nil
	case CommandTypeFilesystemAnalysis:
		var p FilesystemAnalysisPayload
		return decodeInto(&p, raw)
	case CommandTypeNetworkDiscovery:
		var p NetworkDiscoveryPayload
		return decodeInto(&p, raw)
	case CommandTypeSNMPPoll:
		var p SNMPPollPayload
		return decodeInto(&p, raw)
	case CommandTypeReboot, CommandTypeWake:
		var p PowerPayload

		if _, err := decodeInto(&p, raw); err != nil {
			return nil, err
		}

		p.Action = cmdType

		return p, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", cmdType)
	}
}

func decodeInto[T CommandPayload](p *T, raw json.RawMessage) (CommandPayload, error) {
	if len(raw) == 0 {
		return *p, nil
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", (*p).PayloadType(), err)
	}

	return *p, nil
}

// EncodeCommandPayload marshals a typed payload for the ledger row.
func EncodeCommandPayload(p CommandPayload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.PayloadType(), err)
	}

	return data, nil
}

// ScriptBatch aggregates completion counters over a set of script
// commands dispatched together.
type ScriptBatch struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	TotalCount     int       `json:"total_count"`
	CompletedCount int       `json:"completed_count"`
	FailedCount    int       `json:"failed_count"`
	CreatedAt      time.Time `json:"created_at"`
}
