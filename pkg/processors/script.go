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
	"fmt"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// BatchStore is the counter slice the script processor writes.
type BatchStore interface {
	IncrementBatchCounter(ctx context.Context, batchID string, succeeded bool) error
}

// Script folds script results into their batch counters. Success means
// the command completed with exit code zero.
type Script struct {
	store  BatchStore
	logger logger.Logger
}

// NewScript wires the script result processor.
func NewScript(store BatchStore, log logger.Logger) *Script {
	return &Script{store: store, logger: log}
}

func (p *Script) Process(ctx context.Context, cmd *models.DeviceCommand, res *models.CommandResult) error {
	payload, err := models.DecodeCommandPayload(cmd.Type, cmd.Payload)
	if err != nil {
		return fmt.Errorf("decode script payload: %w", err)
	}

	script, ok := payload.(models.ScriptPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, cmd.Type)
	}

	if script.BatchID == "" {
		return nil
	}

	succeeded := terminal(res) == models.CommandStatusCompleted

	if err := p.store.IncrementBatchCounter(ctx, script.BatchID, succeeded); err != nil {
		return fmt.Errorf("increment batch counter: %w", err)
	}

	p.logger.Debug().
		Str("command_id", cmd.ID).
		Str("batch_id", script.BatchID).
		Bool("succeeded", succeeded).
		Msg("batch counter updated")

	return nil
}
