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

package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetgate/pkg/db"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

const (
	// maxHotDirectories bounds the per-device hot-directory cache.
	maxHotDirectories = 50

	// maxLargestFiles bounds the merged largest-files list.
	maxLargestFiles = 100

	defaultResumeCeiling = 10
)

// CheckpointStore is the scan-state slice the filesystem processor
// mutates.
type CheckpointStore interface {
	GetScanCheckpoint(ctx context.Context, deviceID string) (*models.ScanCheckpoint, error)
	SaveScanCheckpoint(ctx context.Context, cp *models.ScanCheckpoint) error
	AdvanceScanCheckpoint(ctx context.Context, cp *models.ScanCheckpoint, expectedAttempt int) (bool, error)
	ClearScanCheckpoint(ctx context.Context, deviceID string, baselineCompletedAt time.Time) error
	InsertFilesystemSnapshot(ctx context.Context, snap *models.FilesystemSnapshot) error
	HasCommandInFlight(ctx context.Context, deviceID string, cmdType models.CommandType) (bool, error)
}

// Enqueuer dispatches a follow-up command. Satisfied by
// gateway.Dispatcher.
type Enqueuer interface {
	Dispatch(ctx context.Context, deviceID, orgID string, payload models.CommandPayload) (*models.DeviceCommand, error)
}

// Filesystem is the checkpoint engine for long-running filesystem
// scans. Baseline runs accumulate into a per-device checkpoint until
// the agent reports an empty pending-directory set; incremental runs
// apply standalone.
type Filesystem struct {
	store         CheckpointStore
	enqueuer      Enqueuer
	resumeCeiling int
	logger        logger.Logger
}

// NewFilesystem wires the filesystem-analysis processor. A ceiling of
// zero selects the default.
func NewFilesystem(store CheckpointStore, enq Enqueuer, resumeCeiling int, log logger.Logger) *Filesystem {
	if resumeCeiling <= 0 {
		resumeCeiling = defaultResumeCeiling
	}

	return &Filesystem{store: store, enqueuer: enq, resumeCeiling: resumeCeiling, logger: log}
}

// Process merges one scan result and, when the agent ran out of budget,
// decides whether to enqueue a continuation.
func (p *Filesystem) Process(ctx context.Context, cmd *models.DeviceCommand, res *models.CommandResult) error {
	if terminal(res) != models.CommandStatusCompleted {
		return nil
	}

	payload, err := decodeScanPayload(cmd)
	if err != nil {
		return err
	}

	var result models.FilesystemScanResult
	if err := decodeJSON(res.Structured(), &result); err != nil {
		return fmt.Errorf("decode filesystem result: %w", err)
	}

	now := time.Now().UTC()
	partial := len(result.PendingDirectories) > 0

	aggregate := result.Aggregate
	hot := result.HotDirectories

	// Baseline continuations fold into the running checkpoint;
	// incremental results stand alone.
	if payload.Mode == "baseline" && payload.ResumeAttempt > 0 {
		prev, err := p.store.GetScanCheckpoint(ctx, cmd.DeviceID)

		switch {
		case errors.Is(err, db.ErrNotFound):
			// The checkpoint was cleared underneath a late
			// continuation; its numbers stand alone.
		case err != nil:
			return fmt.Errorf("load scan checkpoint: %w", err)
		default:
			aggregate = mergeAggregates(prev.Aggregate, result.Aggregate)
			hot = mergeHotDirectories(prev.HotDirectories, result.HotDirectories)
		}
	}

	snap := &models.FilesystemSnapshot{
		ID:        uuid.New().String(),
		DeviceID:  cmd.DeviceID,
		Mode:      payload.Mode,
		Aggregate: aggregate,
		Partial:   partial,
		CreatedAt: now,
	}

	if err := p.store.InsertFilesystemSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("insert filesystem snapshot: %w", err)
	}

	if payload.Mode != "baseline" {
		return nil
	}

	if !partial {
		if err := p.store.ClearScanCheckpoint(ctx, cmd.DeviceID, now); err != nil {
			return fmt.Errorf("clear scan checkpoint: %w", err)
		}

		return nil
	}

	return p.continueScan(ctx, cmd, payload, &result, aggregate, hot, now)
}

// continueScan persists the advanced checkpoint and enqueues the next
// leg. The checkpoint write is a compare-and-set on the resume counter,
// so a duplicate or racing result loses and enqueues nothing.
func (p *Filesystem) continueScan(
	ctx context.Context,
	cmd *models.DeviceCommand,
	payload models.FilesystemAnalysisPayload,
	result *models.FilesystemScanResult,
	aggregate models.FilesystemAggregate,
	hot []models.HotDirectory,
	now time.Time,
) error {
	cp := &models.ScanCheckpoint{
		DeviceID:       cmd.DeviceID,
		LastRunMode:    payload.Mode,
		Cursor:         result.PendingDirectories,
		Aggregate:      aggregate,
		HotDirectories: hot,
		ResumeAttempt:  payload.ResumeAttempt + 1,
		UpdatedAt:      now,
	}

	if payload.ResumeAttempt == 0 {
		if err := p.store.SaveScanCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("save scan checkpoint: %w", err)
		}
	} else {
		advanced, err := p.store.AdvanceScanCheckpoint(ctx, cp, payload.ResumeAttempt)
		if err != nil {
			return fmt.Errorf("advance scan checkpoint: %w", err)
		}

		if !advanced {
			p.logger.Debug().
				Str("device_id", cmd.DeviceID).
				Int("resume_attempt", payload.ResumeAttempt).
				Msg("checkpoint moved on, dropping stale continuation")

			return nil
		}
	}

	if !payload.AutoContinue {
		return nil
	}

	if payload.ResumeAttempt >= p.resumeCeiling {
		// Ceiling hit: auto-continuation stops silently and partial
		// data stays persisted.
		p.logger.Warn().
			Str("device_id", cmd.DeviceID).
			Int("resume_attempt", payload.ResumeAttempt).
			Int("ceiling", p.resumeCeiling).
			Msg("resume ceiling reached, scan left partial")

		return nil
	}

	inFlight, err := p.store.HasCommandInFlight(ctx, cmd.DeviceID, models.CommandTypeFilesystemAnalysis)
	if err != nil {
		return fmt.Errorf("check in-flight scan: %w", err)
	}

	if inFlight {
		return nil
	}

	next := models.FilesystemAnalysisPayload{
		Mode:          payload.Mode,
		Paths:         payload.Paths,
		Checkpoint:    result.PendingDirectories,
		AutoContinue:  true,
		ResumeAttempt: payload.ResumeAttempt + 1,
	}

	if _, err := p.enqueuer.Dispatch(ctx, cmd.DeviceID, cmd.OrgID, next); err != nil {
		return fmt.Errorf("enqueue scan continuation: %w", err)
	}

	p.logger.Info().
		Str("device_id", cmd.DeviceID).
		Int("resume_attempt", next.ResumeAttempt).
		Msg("enqueued filesystem scan continuation")

	return nil
}

func decodeScanPayload(cmd *models.DeviceCommand) (models.FilesystemAnalysisPayload, error) {
	payload, err := models.DecodeCommandPayload(cmd.Type, cmd.Payload)
	if err != nil {
		return models.FilesystemAnalysisPayload{}, fmt.Errorf("decode %s payload: %w", cmd.Type, err)
	}

	fs, ok := payload.(models.FilesystemAnalysisPayload)
	if !ok {
		return models.FilesystemAnalysisPayload{}, fmt.Errorf("unexpected payload %T for %s", payload, cmd.Type)
	}

	return fs, nil
}

func decodeJSON(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty result body")
	}

	return json.Unmarshal(raw, v)
}

func mergeAggregates(base, next models.FilesystemAggregate) models.FilesystemAggregate {
	merged := models.FilesystemAggregate{
		TotalFiles:     base.TotalFiles + next.TotalFiles,
		TotalBytes:     base.TotalBytes + next.TotalBytes,
		DirectoryCount: base.DirectoryCount + next.DirectoryCount,
		ByExtension:    make(map[string]int, len(base.ByExtension)+len(next.ByExtension)),
	}

	for ext, n := range base.ByExtension {
		merged.ByExtension[ext] = n
	}

	for ext, n := range next.ByExtension {
		merged.ByExtension[ext] += n
	}

	files := make([]models.FileEntry, 0, len(base.LargestFiles)+len(next.LargestFiles))
	files = append(files, base.LargestFiles...)
	files = append(files, next.LargestFiles...)

	sort.Slice(files, func(i, j int) bool { return files[i].Bytes > files[j].Bytes })

	if len(files) > maxLargestFiles {
		files = files[:maxLargestFiles]
	}

	merged.LargestFiles = files

	return merged
}

// mergeHotDirectories dedupes by path, keeping the larger observation,
// and bounds the cache by size.
func mergeHotDirectories(base, next []models.HotDirectory) []models.HotDirectory {
	byPath := make(map[string]models.HotDirectory, len(base)+len(next))

	for _, d := range base {
		byPath[d.Path] = d
	}

	for _, d := range next {
		if prev, ok := byPath[d.Path]; !ok || d.Bytes > prev.Bytes {
			byPath[d.Path] = d
		}
	}

	merged := make([]models.HotDirectory, 0, len(byPath))
	for _, d := range byPath {
		merged = append(merged, d)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Bytes > merged[j].Bytes })

	if len(merged) > maxHotDirectories {
		merged = merged[:maxHotDirectories]
	}

	return merged
}
