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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/scope"
)

const (
	selectCheckpointSQL = `
SELECT device_id, last_run_mode, cursor, aggregate, hot_directories, resume_attempt,
       last_baseline_completed_at, updated_at
FROM scan_checkpoints WHERE device_id = $1`

	upsertCheckpointSQL = `
INSERT INTO scan_checkpoints (device_id, last_run_mode, cursor, aggregate, hot_directories,
    resume_attempt, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (device_id) DO UPDATE
SET last_run_mode = EXCLUDED.last_run_mode,
    cursor = EXCLUDED.cursor,
    aggregate = EXCLUDED.aggregate,
    hot_directories = EXCLUDED.hot_directories,
    resume_attempt = EXCLUDED.resume_attempt,
    updated_at = EXCLUDED.updated_at`

	// Compare-and-set on resume_attempt: concurrent continuations race
	// here and exactly one wins.
	advanceCheckpointSQL = `
UPDATE scan_checkpoints
SET cursor = $2, aggregate = $3, hot_directories = $4, resume_attempt = $5, updated_at = $6
WHERE device_id = $1 AND resume_attempt = $7`

	clearCheckpointSQL = `
UPDATE scan_checkpoints
SET cursor = NULL, resume_attempt = 0, last_baseline_completed_at = $2, updated_at = $2
WHERE device_id = $1`

	insertSnapshotSQL = `
INSERT INTO filesystem_snapshots (id, device_id, mode, aggregate, partial, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
)

func (s *Store) GetScanCheckpoint(ctx context.Context, deviceID string) (*models.ScanCheckpoint, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	var (
		cp             models.ScanCheckpoint
		aggregate, hot []byte
	)

	err := s.pool.QueryRow(ctx, selectCheckpointSQL, deviceID).Scan(
		&cp.DeviceID, &cp.LastRunMode, &cp.Cursor, &aggregate, &hot,
		&cp.ResumeAttempt, &cp.LastBaselineCompletedAt, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get scan checkpoint: %w", err)
	}

	if len(aggregate) > 0 {
		if err := json.Unmarshal(aggregate, &cp.Aggregate); err != nil {
			return nil, fmt.Errorf("decode checkpoint aggregate: %w", err)
		}
	}

	if len(hot) > 0 {
		if err := json.Unmarshal(hot, &cp.HotDirectories); err != nil {
			return nil, fmt.Errorf("decode hot directories: %w", err)
		}
	}

	return &cp, nil
}

func (s *Store) SaveScanCheckpoint(ctx context.Context, cp *models.ScanCheckpoint) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	aggregate, hot, err := encodeCheckpointBlobs(cp)
	if err != nil {
		return err
	}

	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, upsertCheckpointSQL,
		cp.DeviceID, cp.LastRunMode, cp.Cursor, aggregate, hot, cp.ResumeAttempt, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save scan checkpoint: %w", err)
	}

	return nil
}

// AdvanceScanCheckpoint applies cp only when the stored resume_attempt
// still equals expectedAttempt. Returns false when another writer won.
func (s *Store) AdvanceScanCheckpoint(ctx context.Context, cp *models.ScanCheckpoint, expectedAttempt int) (bool, error) {
	if _, err := scope.From(ctx); err != nil {
		return false, err
	}

	aggregate, hot, err := encodeCheckpointBlobs(cp)
	if err != nil {
		return false, err
	}

	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, advanceCheckpointSQL,
		cp.DeviceID, cp.Cursor, aggregate, hot, cp.ResumeAttempt, cp.UpdatedAt, expectedAttempt)
	if err != nil {
		return false, fmt.Errorf("advance scan checkpoint: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClearScanCheckpoint(ctx context.Context, deviceID string, baselineCompletedAt time.Time) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, clearCheckpointSQL, deviceID, baselineCompletedAt); err != nil {
		return fmt.Errorf("clear scan checkpoint: %w", err)
	}

	return nil
}

func (s *Store) InsertFilesystemSnapshot(ctx context.Context, snap *models.FilesystemSnapshot) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	aggregate, err := json.Marshal(snap.Aggregate)
	if err != nil {
		return fmt.Errorf("encode snapshot aggregate: %w", err)
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, insertSnapshotSQL,
		snap.ID, snap.DeviceID, snap.Mode, aggregate, snap.Partial, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert filesystem snapshot: %w", err)
	}

	return nil
}

func encodeCheckpointBlobs(cp *models.ScanCheckpoint) (aggregate, hot []byte, err error) {
	aggregate, err = json.Marshal(cp.Aggregate)
	if err != nil {
		return nil, nil, fmt.Errorf("encode checkpoint aggregate: %w", err)
	}

	hot, err = json.Marshal(cp.HotDirectories)
	if err != nil {
		return nil, nil, fmt.Errorf("encode hot directories: %w", err)
	}

	return aggregate, hot, nil
}
