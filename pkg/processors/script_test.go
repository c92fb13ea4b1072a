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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

type fakeBatchStore struct {
	batchIDs  []string
	succeeded []bool
}

func (s *fakeBatchStore) IncrementBatchCounter(_ context.Context, batchID string, succeeded bool) error {
	s.batchIDs = append(s.batchIDs, batchID)
	s.succeeded = append(s.succeeded, succeeded)

	return nil
}

func scriptCommand(t *testing.T, batchID string) *models.DeviceCommand {
	t.Helper()

	raw, err := models.EncodeCommandPayload(models.ScriptPayload{
		Shell:   "bash",
		Script:  "apt-get update",
		BatchID: batchID,
	})
	require.NoError(t, err)

	return &models.DeviceCommand{
		ID:       "cmd-script",
		DeviceID: "device-1",
		Type:     models.CommandTypeScript,
		Payload:  raw,
	}
}

func TestScriptBatchCounters(t *testing.T) {
	t.Parallel()

	zero := 0
	one := 1

	tests := []struct {
		name    string
		res     models.CommandResult
		success bool
	}{
		{"completed exit zero", models.CommandResult{Status: "completed", ExitCode: &zero}, true},
		{"completed no exit code", models.CommandResult{Status: "completed"}, true},
		{"completed nonzero exit", models.CommandResult{Status: "completed", ExitCode: &one}, false},
		{"timeout", models.CommandResult{Status: "timeout"}, false},
		{"failed", models.CommandResult{Status: "failed"}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeBatchStore{}
			p := NewScript(store, logger.NewTestLogger())

			res := tt.res
			require.NoError(t, p.Process(context.Background(), scriptCommand(t, "batch-1"), &res))

			require.Equal(t, []string{"batch-1"}, store.batchIDs)
			assert.Equal(t, []bool{tt.success}, store.succeeded)
		})
	}
}

func TestScriptWithoutBatchIsNoop(t *testing.T) {
	t.Parallel()

	store := &fakeBatchStore{}
	p := NewScript(store, logger.NewTestLogger())

	res := &models.CommandResult{Status: "completed"}
	require.NoError(t, p.Process(context.Background(), scriptCommand(t, ""), res))

	assert.Empty(t, store.batchIDs)
}
