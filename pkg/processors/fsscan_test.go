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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/db"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

type fakeCheckpointStore struct {
	checkpoint    *models.ScanCheckpoint
	checkpointErr error

	saved     []*models.ScanCheckpoint
	advanced  []*models.ScanCheckpoint
	advanceOK bool
	cleared   []string
	snapshots []*models.FilesystemSnapshot
	inFlight  bool
}

func (s *fakeCheckpointStore) GetScanCheckpoint(_ context.Context, _ string) (*models.ScanCheckpoint, error) {
	if s.checkpointErr != nil {
		return nil, s.checkpointErr
	}

	if s.checkpoint == nil {
		return nil, db.ErrNotFound
	}

	return s.checkpoint, nil
}

func (s *fakeCheckpointStore) SaveScanCheckpoint(_ context.Context, cp *models.ScanCheckpoint) error {
	s.saved = append(s.saved, cp)
	return nil
}

func (s *fakeCheckpointStore) AdvanceScanCheckpoint(_ context.Context, cp *models.ScanCheckpoint, _ int) (bool, error) {
	s.advanced = append(s.advanced, cp)
	return s.advanceOK, nil
}

func (s *fakeCheckpointStore) ClearScanCheckpoint(_ context.Context, deviceID string, _ time.Time) error {
	s.cleared = append(s.cleared, deviceID)
	return nil
}

func (s *fakeCheckpointStore) InsertFilesystemSnapshot(_ context.Context, snap *models.FilesystemSnapshot) error {
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakeCheckpointStore) HasCommandInFlight(_ context.Context, _ string, _ models.CommandType) (bool, error) {
	return s.inFlight, nil
}

type fakeEnqueuer struct {
	dispatched []models.CommandPayload
}

func (e *fakeEnqueuer) Dispatch(_ context.Context, deviceID, orgID string, payload models.CommandPayload) (*models.DeviceCommand, error) {
	e.dispatched = append(e.dispatched, payload)

	return &models.DeviceCommand{
		ID:       "next",
		DeviceID: deviceID,
		OrgID:    orgID,
		Type:     payload.PayloadType(),
	}, nil
}

func scanCommand(t *testing.T, payload models.FilesystemAnalysisPayload) *models.DeviceCommand {
	t.Helper()

	raw, err := models.EncodeCommandPayload(payload)
	require.NoError(t, err)

	return &models.DeviceCommand{
		ID:       "cmd-1",
		DeviceID: "device-1",
		OrgID:    "org-1",
		Type:     models.CommandTypeFilesystemAnalysis,
		Payload:  raw,
	}
}

func scanResult(t *testing.T, result models.FilesystemScanResult) *models.CommandResult {
	t.Helper()

	body, err := json.Marshal(result)
	require.NoError(t, err)

	return &models.CommandResult{
		CommandID: "cmd-1",
		Status:    "completed",
		Result:    body,
	}
}

func TestFilesystemPartialBaselineEnqueuesContinuation(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{
		Mode:         "baseline",
		Paths:        []string{"/var"},
		AutoContinue: true,
	})
	cursor := json.RawMessage(`["\/var\/log","\/var\/lib"]`)
	res := scanResult(t, models.FilesystemScanResult{
		Mode:               "baseline",
		Aggregate:          models.FilesystemAggregate{TotalFiles: 100, TotalBytes: 4096},
		PendingDirectories: cursor,
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))

	require.Len(t, store.snapshots, 1)
	assert.True(t, store.snapshots[0].Partial)

	require.Len(t, store.saved, 1)
	assert.Equal(t, 1, store.saved[0].ResumeAttempt)

	require.Len(t, enq.dispatched, 1)
	next, ok := enq.dispatched[0].(models.FilesystemAnalysisPayload)
	require.True(t, ok)
	assert.Equal(t, 1, next.ResumeAttempt)
	assert.JSONEq(t, string(cursor), string(next.Checkpoint),
		"the agent's cursor is carried into the continuation unchanged")
	assert.True(t, next.AutoContinue)
	assert.Equal(t, []string{"/var"}, next.Paths)
}

func TestFilesystemCompleteBaselineClearsCheckpoint(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{Mode: "baseline", AutoContinue: true})
	res := scanResult(t, models.FilesystemScanResult{
		Mode:      "baseline",
		Aggregate: models.FilesystemAggregate{TotalFiles: 10},
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))

	require.Len(t, store.snapshots, 1)
	assert.False(t, store.snapshots[0].Partial)
	assert.Equal(t, []string{"device-1"}, store.cleared)
	assert.Empty(t, enq.dispatched)
}

func TestFilesystemResumeCeilingStopsContinuation(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{advanceOK: true}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 3, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{
		Mode:          "baseline",
		AutoContinue:  true,
		ResumeAttempt: 3,
	})
	res := scanResult(t, models.FilesystemScanResult{
		Mode:               "baseline",
		PendingDirectories: json.RawMessage(`["\/opt"]`),
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))

	require.Len(t, store.advanced, 1, "the checkpoint still advances so the data is kept")
	assert.Empty(t, enq.dispatched, "ceiling reached, no further continuation")
}

func TestFilesystemStaleContinuationDropped(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{advanceOK: false}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{
		Mode:          "baseline",
		AutoContinue:  true,
		ResumeAttempt: 2,
	})
	res := scanResult(t, models.FilesystemScanResult{
		Mode:               "baseline",
		PendingDirectories: json.RawMessage(`["\/srv"]`),
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))
	assert.Empty(t, enq.dispatched, "losing the resume-attempt compare-and-set must not enqueue")
}

func TestFilesystemInFlightScanSkipsContinuation(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{inFlight: true}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{Mode: "baseline", AutoContinue: true})
	res := scanResult(t, models.FilesystemScanResult{
		Mode:               "baseline",
		PendingDirectories: json.RawMessage(`["\/home"]`),
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))
	assert.Empty(t, enq.dispatched)
}

func TestFilesystemManualPartialSavesWithoutEnqueue(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{Mode: "baseline", AutoContinue: false})
	res := scanResult(t, models.FilesystemScanResult{
		Mode:               "baseline",
		PendingDirectories: json.RawMessage(`["\/usr"]`),
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))

	require.Len(t, store.saved, 1, "the checkpoint is saved so an operator can resume manually")
	assert.Empty(t, enq.dispatched)
}

func TestFilesystemContinuationMergesCheckpoint(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{
		advanceOK: true,
		checkpoint: &models.ScanCheckpoint{
			DeviceID: "device-1",
			Aggregate: models.FilesystemAggregate{
				TotalFiles:  100,
				TotalBytes:  1000,
				ByExtension: map[string]int{"log": 40},
			},
			HotDirectories: []models.HotDirectory{{Path: "/var/log", Bytes: 900}},
			ResumeAttempt:  1,
		},
	}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{
		Mode:          "baseline",
		AutoContinue:  true,
		ResumeAttempt: 1,
	})
	res := scanResult(t, models.FilesystemScanResult{
		Mode: "baseline",
		Aggregate: models.FilesystemAggregate{
			TotalFiles:  50,
			TotalBytes:  500,
			ByExtension: map[string]int{"log": 10, "db": 5},
		},
		HotDirectories:     []models.HotDirectory{{Path: "/var/log", Bytes: 1200}, {Path: "/srv", Bytes: 300}},
		PendingDirectories: json.RawMessage(`["\/srv\/data"]`),
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))

	require.Len(t, store.snapshots, 1)
	merged := store.snapshots[0].Aggregate
	assert.Equal(t, int64(150), merged.TotalFiles)
	assert.Equal(t, int64(1500), merged.TotalBytes)
	assert.Equal(t, map[string]int{"log": 50, "db": 5}, merged.ByExtension)

	require.Len(t, store.advanced, 1)
	cp := store.advanced[0]
	assert.Equal(t, 2, cp.ResumeAttempt)
	require.Len(t, cp.HotDirectories, 2)
	assert.Equal(t, "/var/log", cp.HotDirectories[0].Path)
	assert.Equal(t, int64(1200), cp.HotDirectories[0].Bytes, "larger observation wins the dedupe")
}

func TestFilesystemContinuationAfterCheckpointCleared(t *testing.T) {
	t.Parallel()

	// No checkpoint on record: a continuation that lands after the
	// clear still applies, it just has nothing to merge.
	store := &fakeCheckpointStore{}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{
		Mode:          "baseline",
		ResumeAttempt: 2,
		AutoContinue:  true,
	})
	res := scanResult(t, models.FilesystemScanResult{
		Mode:      "baseline",
		Aggregate: models.FilesystemAggregate{TotalFiles: 40},
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))

	require.Len(t, store.snapshots, 1)
	assert.Equal(t, int64(40), store.snapshots[0].Aggregate.TotalFiles,
		"the late leg stands alone once the checkpoint is gone")
	assert.Equal(t, []string{"device-1"}, store.cleared)
	assert.Empty(t, enq.dispatched)
}

func TestFilesystemCheckpointLoadErrorPropagates(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{checkpointErr: errors.New("pool exhausted")}
	p := NewFilesystem(store, &fakeEnqueuer{}, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{Mode: "baseline", ResumeAttempt: 1})
	res := scanResult(t, models.FilesystemScanResult{Mode: "baseline"})

	require.Error(t, p.Process(context.Background(), cmd, res))
	assert.Empty(t, store.snapshots)
}

func TestFilesystemIncrementalStandsAlone(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{
		checkpoint: &models.ScanCheckpoint{
			DeviceID:  "device-1",
			Aggregate: models.FilesystemAggregate{TotalFiles: 999},
		},
	}
	enq := &fakeEnqueuer{}
	p := NewFilesystem(store, enq, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{Mode: "incremental"})
	res := scanResult(t, models.FilesystemScanResult{
		Mode:      "incremental",
		Aggregate: models.FilesystemAggregate{TotalFiles: 5},
	})

	require.NoError(t, p.Process(context.Background(), cmd, res))

	require.Len(t, store.snapshots, 1)
	assert.Equal(t, int64(5), store.snapshots[0].Aggregate.TotalFiles,
		"incremental results never merge the baseline checkpoint")
	assert.Empty(t, store.cleared)
	assert.Empty(t, store.saved)
}

func TestFilesystemFailedResultIgnored(t *testing.T) {
	t.Parallel()

	store := &fakeCheckpointStore{}
	p := NewFilesystem(store, &fakeEnqueuer{}, 0, logger.NewTestLogger())

	cmd := scanCommand(t, models.FilesystemAnalysisPayload{Mode: "baseline"})
	res := &models.CommandResult{CommandID: "cmd-1", Status: "failed"}

	require.NoError(t, p.Process(context.Background(), cmd, res))
	assert.Empty(t, store.snapshots)
}

func TestMergeHotDirectoriesBounded(t *testing.T) {
	t.Parallel()

	var next []models.HotDirectory
	for i := 0; i < maxHotDirectories+10; i++ {
		next = append(next, models.HotDirectory{Path: string(rune('a'+i%26)) + string(rune('0'+i/26)), Bytes: int64(i)})
	}

	merged := mergeHotDirectories(nil, next)
	assert.Len(t, merged, maxHotDirectories)
	assert.GreaterOrEqual(t, merged[0].Bytes, merged[len(merged)-1].Bytes)
}
