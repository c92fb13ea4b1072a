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

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// DispatchStore is the ledger slice the dispatcher writes.
type DispatchStore interface {
	CreateCommand(ctx context.Context, cmd *models.DeviceCommand) error
	MarkCommandSent(ctx context.Context, commandID string, sentAt time.Time) (bool, error)
}

// AuditWriter records dispatch actions. Implementations must not
// block dispatch on failure.
type AuditWriter interface {
	WriteAuditEvent(ctx context.Context, event *models.AuditEventData)
}

// Dispatcher creates ledger entries and attempts push delivery.
// A failed push leaves the row pending for the heartbeat pull path.
type Dispatcher struct {
	registry *ConnRegistry
	store    DispatchStore
	audit    AuditWriter
	logger   logger.Logger
}

// NewDispatcher wires the command dispatcher.
func NewDispatcher(registry *ConnRegistry, store DispatchStore, audit AuditWriter, log logger.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, store: store, audit: audit, logger: log}
}

// Dispatch persists a new command and tries the push path. The command
// ends up sent (push delivered) or pending (heartbeat will carry it);
// either way delivery is at-least-once.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, orgID string, payload models.CommandPayload) (*models.DeviceCommand, error) {
	raw, err := models.EncodeCommandPayload(payload)
	if err != nil {
		return nil, err
	}

	cmd := &models.DeviceCommand{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		OrgID:     orgID,
		Type:      payload.PayloadType(),
		Payload:   raw,
		Status:    models.CommandStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", cmd.Type, err)
	}

	if d.audit != nil {
		d.audit.WriteAuditEvent(ctx, &models.AuditEventData{
			OrgID:     orgID,
			Actor:     "system",
			Action:    "command.dispatch",
			TargetID:  cmd.ID,
			Details:   map[string]string{"device_id": deviceID, "type": string(cmd.Type)},
			Timestamp: cmd.CreatedAt,
		})
	}

	d.tryPush(ctx, cmd)

	return cmd, nil
}

// tryPush attempts immediate delivery over the live channel. Transport
// success marks the row sent; anything else leaves it pending and the
// failure is never surfaced to the caller.
func (d *Dispatcher) tryPush(ctx context.Context, cmd *models.DeviceCommand) {
	if !d.registry.Send(cmd.DeviceID, models.NewCommandFrame(cmd)) {
		d.logger.Debug().
			Str("command_id", cmd.ID).
			Str("device_id", cmd.DeviceID).
			Msg("push unavailable, command stays pending for heartbeat pull")

		return
	}

	now := time.Now().UTC()

	marked, err := d.store.MarkCommandSent(ctx, cmd.ID, now)
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("command_id", cmd.ID).
			Msg("failed to mark command sent after push")

		return
	}

	if marked {
		cmd.Status = models.CommandStatusSent
		cmd.SentAt = &now
	}
}
