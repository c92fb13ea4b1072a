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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/scope"
)

const (
	upsertSecurityStatusSQL = `
INSERT INTO security_status (device_id, product_name, realtime_protection, definitions_date,
    threat_count, last_scan_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (device_id) DO UPDATE
SET product_name = EXCLUDED.product_name,
    realtime_protection = EXCLUDED.realtime_protection,
    definitions_date = EXCLUDED.definitions_date,
    threat_count = EXCLUDED.threat_count,
    last_scan_at = COALESCE(EXCLUDED.last_scan_at, security_status.last_scan_at),
    updated_at = EXCLUDED.updated_at`

	// command_id is unique, so a redelivered scan result inserts
	// nothing the second time.
	insertSecurityScanSQL = `
INSERT INTO security_scans (id, device_id, command_id, scan_type, files_scanned, threats_found, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (command_id) DO NOTHING`

	insertThreatSQL = `
INSERT INTO security_threats (id, device_id, scan_id, name, severity, path, state, detected_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (scan_id, path) DO NOTHING`

	transitionThreatByIDSQL = `
UPDATE security_threats SET state = $3, updated_at = $4
WHERE id = $1 AND device_id = $2 AND state <> $3`

	transitionThreatByPathSQL = `
UPDATE security_threats SET state = $3, updated_at = $4
WHERE device_id = $1 AND path = $2 AND state <> $3`

	incrementBatchCompletedSQL = `
UPDATE script_batches SET completed_count = completed_count + 1 WHERE id = $1`

	incrementBatchFailedSQL = `
UPDATE script_batches SET failed_count = failed_count + 1 WHERE id = $1`
)

func (s *Store) UpsertSecurityStatus(ctx context.Context, st *models.SecurityStatus) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, upsertSecurityStatusSQL,
		st.DeviceID, st.ProductName, st.RealtimeProtection, st.DefinitionsDate,
		st.ThreatCount, st.LastScanAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert security status: %w", err)
	}

	return nil
}

func (s *Store) InsertSecurityScan(ctx context.Context, scan *models.SecurityScan) (bool, error) {
	if _, err := scope.From(ctx); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, insertSecurityScanSQL,
		scan.ID, scan.DeviceID, scan.CommandID, scan.ScanType, scan.FilesScanned,
		scan.ThreatsFound, scan.StartedAt, scan.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("insert security scan: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *Store) InsertThreats(ctx context.Context, threats []*models.SecurityThreat) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, t := range threats {
		batch.Queue(insertThreatSQL,
			t.ID, t.DeviceID, t.ScanID, t.Name, t.Severity, t.Path, string(t.State), t.DetectedAt)
	}

	return s.sendBatchExecAll(ctx, batch, "insert threats")
}

// TransitionThreat moves a threat to state, matching by ID when given,
// otherwise by (device, path). The state predicate makes redelivered
// transitions no-ops.
func (s *Store) TransitionThreat(ctx context.Context, deviceID, threatID, path string, state models.ThreatState, at time.Time) (bool, error) {
	if _, err := scope.From(ctx); err != nil {
		return false, err
	}

	var (
		tag pgconn.CommandTag
		err error
	)

	if threatID != "" {
		tag, err = s.pool.Exec(ctx, transitionThreatByIDSQL, threatID, deviceID, string(state), at)
	} else {
		tag, err = s.pool.Exec(ctx, transitionThreatByPathSQL, deviceID, path, string(state), at)
	}

	if err != nil {
		return false, fmt.Errorf("transition threat: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *Store) IncrementBatchCounter(ctx context.Context, batchID string, succeeded bool) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	sql := incrementBatchFailedSQL
	if succeeded {
		sql = incrementBatchCompletedSQL
	}

	if _, err := s.pool.Exec(ctx, sql, batchID); err != nil {
		return fmt.Errorf("increment batch counter: %w", err)
	}

	return nil
}
