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

// Package processors applies per-command-type side effects to results
// after the ledger transition. Each processor is idempotent under
// result redelivery.
package processors

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// SecurityStore is the store slice the security processor writes.
type SecurityStore interface {
	UpsertSecurityStatus(ctx context.Context, st *models.SecurityStatus) error
	InsertSecurityScan(ctx context.Context, scan *models.SecurityScan) (inserted bool, err error)
	InsertThreats(ctx context.Context, threats []*models.SecurityThreat) error
	TransitionThreat(ctx context.Context, deviceID, threatID, path string, state models.ThreatState, at time.Time) (bool, error)
}

// Security processes endpoint-protection results: status snapshots,
// scan records with their threat rows, and threat state transitions.
type Security struct {
	store  SecurityStore
	logger logger.Logger
}

// NewSecurity wires the security result processor.
func NewSecurity(store SecurityStore, log logger.Logger) *Security {
	return &Security{store: store, logger: log}
}

// Process applies one security result. Failed commands carry no
// structured body worth persisting and are skipped.
func (p *Security) Process(ctx context.Context, cmd *models.DeviceCommand, res *models.CommandResult) error {
	if terminal(res) != models.CommandStatusCompleted {
		return nil
	}

	body, err := models.DecodeSecurityResult(res.Structured())
	if err != nil {
		return fmt.Errorf("decode security result: %w", err)
	}

	switch cmd.Type {
	case models.CommandTypeSecurityCollectStatus:
		return p.applyStatus(ctx, cmd.DeviceID, body)
	case models.CommandTypeSecurityScan:
		return p.applyScan(ctx, cmd, body)
	case models.CommandTypeSecurityQuarantine:
		return p.transition(ctx, cmd, body, models.ThreatQuarantined)
	case models.CommandTypeSecurityRemove:
		return p.transition(ctx, cmd, body, models.ThreatRemoved)
	case models.CommandTypeSecurityRestore:
		return p.transition(ctx, cmd, body, models.ThreatRestored)
	default:
		return fmt.Errorf("security processor got %s command", cmd.Type)
	}
}

func (p *Security) applyStatus(ctx context.Context, deviceID string, body *models.SecurityResultBody) error {
	return p.store.UpsertSecurityStatus(ctx, &models.SecurityStatus{
		DeviceID:           deviceID,
		ProductName:        body.ProductName,
		RealtimeProtection: body.RealtimeProtection,
		DefinitionsDate:    body.DefinitionsDate,
		ThreatCount:        len(body.Threats),
		UpdatedAt:          time.Now().UTC(),
	})
}

// applyScan records the scan run and its threats. The scan row is
// keyed by command id, so a redelivered result inserts nothing and the
// threat rows are not duplicated.
func (p *Security) applyScan(ctx context.Context, cmd *models.DeviceCommand, body *models.SecurityResultBody) error {
	now := time.Now().UTC()

	scan := &models.SecurityScan{
		ID:           uuid.New().String(),
		DeviceID:     cmd.DeviceID,
		CommandID:    cmd.ID,
		ScanType:     body.ScanType,
		FilesScanned: body.FilesScanned,
		ThreatsFound: len(body.Threats),
		StartedAt:    timeOr(body.StartedAt, now),
		CompletedAt:  timeOr(body.CompletedAt, now),
	}

	inserted, err := p.store.InsertSecurityScan(ctx, scan)
	if err != nil {
		return fmt.Errorf("insert security scan: %w", err)
	}

	if !inserted {
		p.logger.Debug().
			Str("command_id", cmd.ID).
			Str("device_id", cmd.DeviceID).
			Msg("scan already recorded, skipping threat rows")

		return nil
	}

	if len(body.Threats) > 0 {
		threats := make([]*models.SecurityThreat, 0, len(body.Threats))
		for _, t := range body.Threats {
			threats = append(threats, &models.SecurityThreat{
				ID:         uuid.New().String(),
				DeviceID:   cmd.DeviceID,
				ScanID:     scan.ID,
				Name:       t.Name,
				Severity:   t.Severity,
				Path:       t.Path,
				State:      models.ThreatDetected,
				DetectedAt: now,
				UpdatedAt:  now,
			})
		}

		if err := p.store.InsertThreats(ctx, threats); err != nil {
			return fmt.Errorf("insert threats: %w", err)
		}
	}

	lastScan := scan.CompletedAt

	return p.store.UpsertSecurityStatus(ctx, &models.SecurityStatus{
		DeviceID:           cmd.DeviceID,
		ProductName:        body.ProductName,
		RealtimeProtection: body.RealtimeProtection,
		DefinitionsDate:    body.DefinitionsDate,
		ThreatCount:        len(body.Threats),
		LastScanAt:         &lastScan,
		UpdatedAt:          now,
	})
}

// transition moves one threat by id, falling back to (device, path)
// when the agent reported no id. The store predicate makes repeated
// transitions to the same state no-ops.
func (p *Security) transition(ctx context.Context, cmd *models.DeviceCommand, body *models.SecurityResultBody, state models.ThreatState) error {
	threatID, path := body.ThreatID, body.Path

	if threatID == "" && path == "" {
		payload, err := models.DecodeCommandPayload(cmd.Type, cmd.Payload)
		if err != nil {
			return fmt.Errorf("decode %s payload: %w", cmd.Type, err)
		}

		action, ok := payload.(models.SecurityActionPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", payload, cmd.Type)
		}

		threatID, path = action.ThreatID, action.Path
	}

	changed, err := p.store.TransitionThreat(ctx, cmd.DeviceID, threatID, path, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("transition threat: %w", err)
	}

	if !changed {
		p.logger.Debug().
			Str("device_id", cmd.DeviceID).
			Str("threat_id", threatID).
			Str("state", string(state)).
			Msg("threat already in target state")
	}

	return nil
}

func timeOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}

	return fallback
}

func terminal(res *models.CommandResult) models.CommandStatus {
	switch res.Status {
	case "completed", "success":
		if res.ExitCode != nil && *res.ExitCode != 0 {
			return models.CommandStatusFailed
		}

		return models.CommandStatusCompleted
	case "timeout":
		return models.CommandStatusTimeout
	default:
		return models.CommandStatusFailed
	}
}
