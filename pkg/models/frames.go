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

// Frame types on the agent channel. Inbound frames come from agents,
// outbound frames from the gateway.
const (
	FrameTypeHeartbeat      = "heartbeat"
	FrameTypeCommandResult  = "command_result"
	FrameTypeTerminalOutput = "terminal_output"

	FrameTypeConnected    = "connected"
	FrameTypeCommand      = "command"
	FrameTypeAck          = "ack"
	FrameTypeError        = "error"
	FrameTypeHeartbeatAck = "heartbeat_ack"
)

// InboundFrame is the envelope for every agent-sent message. Fields
// beyond Type are populated per frame type.
type InboundFrame struct {
	Type      string     `json:"type"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// heartbeat; both optional, used for the policy/version probe
	PolicyRevision int64  `json:"policyRevision,omitempty"`
	AgentVersion   string `json:"agentVersion,omitempty"`

	// command_result
	CommandID  string          `json:"commandId,omitempty"`
	Status     string          `json:"status,omitempty"`
	ExitCode   *int            `json:"exitCode,omitempty"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	DurationMS int64           `json:"durationMs,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// terminal_output
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToResult converts a command_result frame into the correlator input.
func (f *InboundFrame) ToResult() *CommandResult {
	return &CommandResult{
		CommandID:  f.CommandID,
		Status:     f.Status,
		ExitCode:   f.ExitCode,
		Stdout:     f.Stdout,
		Stderr:     f.Stderr,
		DurationMS: f.DurationMS,
		Error:      f.Error,
		Result:     f.Result,
	}
}

// ConnectedFrame acknowledges a successful handshake and flushes the
// commands that queued up while the agent was offline.
type ConnectedFrame struct {
	Type            string         `json:"type"`
	AgentID         string         `json:"agentId"`
	Timestamp       time.Time      `json:"timestamp"`
	PendingCommands []CommandFrame `json:"pendingCommands"`
}

// CommandFrame delivers one ledger command to the agent.
type CommandFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	CommandType CommandType     `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewCommandFrame builds the wire form of a ledger entry.
func NewCommandFrame(cmd *DeviceCommand) CommandFrame {
	return CommandFrame{
		Type:        FrameTypeCommand,
		ID:          cmd.ID,
		CommandType: cmd.Type,
		Payload:     cmd.Payload,
	}
}

// AckFrame echoes a result's command ID so agents can retry delivery
// idempotently until acknowledged.
type AckFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
}

// ErrorFrame reports a protocol-level failure to the agent.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatCommand is the compact command shape carried inside a
// heartbeat ack. No frame envelope wraps entries in the commands
// list, so the type key holds the command type directly.
type HeartbeatCommand struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewHeartbeatCommand builds the heartbeat-ack form of a ledger entry.
func NewHeartbeatCommand(cmd *DeviceCommand) HeartbeatCommand {
	return HeartbeatCommand{
		ID:      cmd.ID,
		Type:    cmd.Type,
		Payload: cmd.Payload,
	}
}

// HeartbeatAckFrame answers a heartbeat. Commands carries the pulled
// pending commands (fallback delivery path), ConfigUpdate probes the
// agent to refresh policy, UpgradeTo pins a newer agent version.
type HeartbeatAckFrame struct {
	Type         string             `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	Commands     []HeartbeatCommand `json:"commands"`
	ConfigUpdate bool               `json:"configUpdate"`
	UpgradeTo    string             `json:"upgradeTo,omitempty"`
}
