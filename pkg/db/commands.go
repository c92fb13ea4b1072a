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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/scope"
)

const (
	insertCommandSQL = `
INSERT INTO device_commands (id, device_id, org_id, type, payload, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	markCommandSentSQL = `
UPDATE device_commands
SET status = 'sent', sent_at = $2
WHERE id = $1 AND status = 'pending'`

	// Heartbeat pull: the oldest pending commands for the device are
	// read and marked sent in one statement, so a command can never be
	// handed out twice across concurrent pulls.
	pullPendingSQL = `
UPDATE device_commands
SET status = 'sent', sent_at = $3
WHERE id IN (
    SELECT id FROM device_commands
    WHERE device_id = $1 AND status = 'pending'
    ORDER BY created_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING id, device_id, org_id, type, payload, status, created_at, sent_at, completed_at, result`

	// Terminal transition. The device_id predicate rejects cross-device
	// mutation; the status predicate makes redelivery a no-op.
	completeCommandSQL = `
UPDATE device_commands
SET status = $3, result = $4, completed_at = $5
WHERE id = $1 AND device_id = $2 AND status IN ('pending', 'sent')
RETURNING id, device_id, org_id, type, payload, status, created_at, sent_at, completed_at, result`

	selectCommandByIDSQL = `
SELECT id, device_id, org_id, type, payload, status, created_at, sent_at, completed_at, result
FROM device_commands
WHERE id = $1 AND device_id = $2`

	hasInFlightSQL = `
SELECT EXISTS (
    SELECT 1 FROM device_commands
    WHERE device_id = $1 AND type = $2 AND status IN ('pending', 'sent')
)`

	timeoutSentSQL = `
UPDATE device_commands
SET status = 'timeout', completed_at = now()
WHERE type = $1 AND status = 'sent' AND sent_at < $2`
)

// CreateCommand inserts a pending ledger row.
func (s *Store) CreateCommand(ctx context.Context, cmd *models.DeviceCommand) error {
	ac, err := scope.From(ctx)
	if err != nil {
		return err
	}

	if !ac.AllowsOrg(cmd.OrgID) {
		return ErrScopeDenied
	}

	if cmd.Status == "" {
		cmd.Status = models.CommandStatusPending
	}

	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, insertCommandSQL,
		cmd.ID, cmd.DeviceID, cmd.OrgID, string(cmd.Type), cmd.Payload, string(cmd.Status), cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}

	return nil
}

// MarkCommandSent transitions pending→sent after a successful push.
// Returns false without error when the row was not pending anymore.
func (s *Store) MarkCommandSent(ctx context.Context, commandID string, sentAt time.Time) (bool, error) {
	if _, err := scope.From(ctx); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, markCommandSentSQL, commandID, sentAt)
	if err != nil {
		return false, fmt.Errorf("mark command sent: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// PullPendingCommands atomically claims up to limit oldest pending
// commands for the device, marking them sent in the same statement.
func (s *Store) PullPendingCommands(ctx context.Context, deviceID string, limit int, sentAt time.Time) ([]*models.DeviceCommand, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, pullPendingSQL, deviceID, limit, sentAt)
	if err != nil {
		return nil, fmt.Errorf("pull pending commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// CompleteCommand applies a terminal status reported by the agent that
// owns deviceID. Cross-device and unknown IDs return ErrNotFound;
// already-terminal rows return the row with applied=false so callers
// can skip side effects on redelivery.
func (s *Store) CompleteCommand(
	ctx context.Context,
	commandID, deviceID string,
	status models.CommandStatus,
	result []byte,
	completedAt time.Time,
) (*models.DeviceCommand, bool, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, false, err
	}

	row := s.pool.QueryRow(ctx, completeCommandSQL, commandID, deviceID, string(status), result, completedAt)

	cmd, err := scanCommand(row)
	if err == nil {
		return cmd, true, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("complete command: %w", err)
	}

	// No transition happened. Distinguish "already terminal" (seen on
	// agent redelivery, not an error) from "wrong device or unknown id".
	row = s.pool.QueryRow(ctx, selectCommandByIDSQL, commandID, deviceID)

	cmd, err = scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}

	if err != nil {
		return nil, false, fmt.Errorf("complete command lookup: %w", err)
	}

	return cmd, false, nil
}

// HasCommandInFlight reports whether a pending or sent command of the
// given type exists for the device.
func (s *Store) HasCommandInFlight(ctx context.Context, deviceID string, cmdType models.CommandType) (bool, error) {
	if _, err := scope.From(ctx); err != nil {
		return false, err
	}

	var inFlight bool
	if err := s.pool.QueryRow(ctx, hasInFlightSQL, deviceID, string(cmdType)).Scan(&inFlight); err != nil {
		return false, fmt.Errorf("command in-flight check: %w", err)
	}

	return inFlight, nil
}

// TimeoutSentBefore transitions sent commands of one type older than
// cutoff to timeout, returning the number swept.
func (s *Store) TimeoutSentBefore(ctx context.Context, cmdType models.CommandType, cutoff time.Time) (int64, error) {
	if _, err := scope.From(ctx); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, timeoutSentSQL, string(cmdType), cutoff)
	if err != nil {
		return 0, fmt.Errorf("timeout sweep: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanCommand(row pgx.Row) (*models.DeviceCommand, error) {
	var cmd models.DeviceCommand

	var cmdType, status string

	err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmd.OrgID, &cmdType, &cmd.Payload,
		&status, &cmd.CreatedAt, &cmd.SentAt, &cmd.CompletedAt, &cmd.Result)
	if err != nil {
		return nil, err
	}

	cmd.Type = models.CommandType(cmdType)
	cmd.Status = models.CommandStatus(status)

	return &cmd, nil
}

func scanCommands(rows pgx.Rows) ([]*models.DeviceCommand, error) {
	var out []*models.DeviceCommand

	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}

		out = append(out, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
