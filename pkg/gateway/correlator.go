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
	"encoding/json"
	"errors"
	"time"

	"github.com/carverauto/fleetgate/pkg/db"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// CorrelatorStore is the ledger slice the correlator mutates.
type CorrelatorStore interface {
	CompleteCommand(ctx context.Context, commandID, deviceID string, status models.CommandStatus, result []byte, completedAt time.Time) (*models.DeviceCommand, bool, error)
}

// PostProcessor applies per-command-type side effects after a result
// lands on its ledger entry.
type PostProcessor interface {
	Process(ctx context.Context, cmd *models.DeviceCommand, res *models.CommandResult) error
}

// OrphanHandler routes results whose ID belongs to a job rather than a
// ledger row. Matched reports whether the handler claimed the result.
type OrphanHandler interface {
	HandleOrphanResult(ctx context.Context, agentID string, res *models.CommandResult) (matched bool, err error)
}

// Correlator routes inbound command results: owned ledger entries
// first, then job-tracked orphans. Unmatched results are logged and
// dropped, never fatal; the caller acks regardless.
type Correlator struct {
	store      CorrelatorStore
	processors map[models.CommandType]PostProcessor
	orphans    []OrphanHandler
	logger     logger.Logger
}

// NewCorrelator wires the result correlator.
func NewCorrelator(store CorrelatorStore, log logger.Logger) *Correlator {
	return &Correlator{
		store:      store,
		processors: make(map[models.CommandType]PostProcessor),
		logger:     log,
	}
}

// RegisterProcessor installs the post-processor for one command type.
func (c *Correlator) RegisterProcessor(cmdType models.CommandType, p PostProcessor) {
	c.processors[cmdType] = p
}

// RegisterOrphanHandler appends a handler for job-dispatched results.
// Handlers are tried in registration order.
func (c *Correlator) RegisterOrphanHandler(h OrphanHandler) {
	c.orphans = append(c.orphans, h)
}

// HandleResult correlates one result from agentID. Every failure mode
// is contained: a store or processor error is logged and the frame is
// still acked by the caller.
func (c *Correlator) HandleResult(ctx context.Context, agentID string, res *models.CommandResult) {
	if res.CommandID == "" {
		c.logger.Warn().Str("agent_id", agentID).Msg("result without command id")
		return
	}

	status := terminalStatus(res)
	now := time.Now().UTC()

	resultBody, err := json.Marshal(res)
	if err != nil {
		c.logger.Error().Err(err).Str("command_id", res.CommandID).Msg("failed to encode result body")
		return
	}

	// Owned lookup: the device_id predicate inside CompleteCommand is
	// the cross-device guard, since one agent owns one device.
	cmd, applied, err := c.store.CompleteCommand(ctx, res.CommandID, agentID, status, resultBody, now)

	switch {
	case err == nil && applied:
		c.logger.Info().
			Str("command_id", cmd.ID).
			Str("device_id", cmd.DeviceID).
			Str("type", string(cmd.Type)).
			Str("status", string(status)).
			Int64("duration_ms", res.DurationMS).
			Msg("command completed")

		c.postProcess(ctx, cmd, res)

		return
	case err == nil:
		// Already terminal: agent redelivery. The transition is
		// idempotent and side effects are not re-applied.
		c.logger.Debug().
			Str("command_id", cmd.ID).
			Str("device_id", cmd.DeviceID).
			Msg("duplicate result for terminal command")

		return
	case !errors.Is(err, db.ErrNotFound):
		c.logger.Error().Err(err).Str("command_id", res.CommandID).Msg("ledger update failed")
		return
	}

	// Orphaned routing: results dispatched by job id with no ledger
	// row (discovery scans, SNMP polls).
	for _, h := range c.orphans {
		matched, err := h.HandleOrphanResult(ctx, agentID, res)
		if err != nil {
			c.logger.Error().
				Err(err).
				Str("command_id", res.CommandID).
				Str("agent_id", agentID).
				Msg("orphan result processing failed")

			return
		}

		if matched {
			return
		}
	}

	// Correlation miss. Logged and acknowledged, never dropped
	// silently and never fatal.
	c.logger.Warn().
		Str("command_id", res.CommandID).
		Str("agent_id", agentID).
		Str("status", res.Status).
		Msg("unmatched result")
}

func (c *Correlator) postProcess(ctx context.Context, cmd *models.DeviceCommand, res *models.CommandResult) {
	p, ok := c.processors[cmd.Type]
	if !ok {
		return
	}

	if err := p.Process(ctx, cmd, res); err != nil {
		// Downstream failure: logged, does not abort the connection or
		// any remaining processing.
		c.logger.Error().
			Err(err).
			Str("command_id", cmd.ID).
			Str("type", string(cmd.Type)).
			Msg("post-processor failed")
	}
}

func terminalStatus(res *models.CommandResult) models.CommandStatus {
	switch res.Status {
	case "completed", "success":
		// An agent may report completed with a nonzero exit code.
		// Success requires both.
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
