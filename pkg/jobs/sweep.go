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

package jobs

import (
	"context"
	"time"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// SweepStore is the ledger slice the timeout sweep mutates.
type SweepStore interface {
	TimeoutSentBefore(ctx context.Context, cmdType models.CommandType, cutoff time.Time) (int64, error)
}

const (
	defaultSweepInterval  = time.Minute
	defaultCommandTimeout = 10 * time.Minute
)

// sweptTypes are the command types the sweep covers; each can carry
// its own deadline.
var sweptTypes = []models.CommandType{
	models.CommandTypeScript,
	models.CommandTypeSecurityCollectStatus,
	models.CommandTypeSecurityScan,
	models.CommandTypeSecurityQuarantine,
	models.CommandTypeSecurityRemove,
	models.CommandTypeSecurityRestore,
	models.CommandTypeFilesystemAnalysis,
	models.CommandTypeReboot,
	models.CommandTypeWake,
}

// TimeoutSweep transitions commands stuck in sent past a per-type
// deadline to timeout. The agent never reported back for these; the
// sweep is the server-side backstop. It must run at concurrency 1.
type TimeoutSweep struct {
	store    SweepStore
	queue    JobQueue
	interval time.Duration
	deadline map[models.CommandType]time.Duration
	fallback time.Duration
	logger   logger.Logger
}

// NewTimeoutSweep wires the sweep from the per-type timeout config.
func NewTimeoutSweep(store SweepStore, queue JobQueue, cfg *models.JobsConfig, log logger.Logger) *TimeoutSweep {
	interval := time.Duration(cfg.SweepInterval)
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	fallback := time.Duration(cfg.DefaultCmdTimeout)
	if fallback <= 0 {
		fallback = defaultCommandTimeout
	}

	deadline := make(map[models.CommandType]time.Duration, len(cfg.CommandTimeouts))
	for cmdType, d := range cfg.CommandTimeouts {
		deadline[models.CommandType(cmdType)] = time.Duration(d)
	}

	return &TimeoutSweep{
		store:    store,
		queue:    queue,
		interval: interval,
		deadline: deadline,
		fallback: fallback,
		logger:   log,
	}
}

// Run enqueues a sweep job per interval until ctx ends. The sweep work
// itself goes through the queue so exactly one sweep runs at a time
// even with multiple tickers.
func (s *TimeoutSweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.queue.Enqueue(ctx, &JobMessage{Type: JobTypeTimeoutSweep}); err != nil {
				s.logger.Error().Err(err).Msg("failed to enqueue timeout sweep")
			}
		}
	}
}

// HandleJob performs one sweep pass over every covered command type.
func (s *TimeoutSweep) HandleJob(ctx context.Context, _ *JobMessage) error {
	now := time.Now().UTC()

	for _, cmdType := range sweptTypes {
		deadline, ok := s.deadline[cmdType]
		if !ok {
			deadline = s.fallback
		}

		timedOut, err := s.store.TimeoutSentBefore(ctx, cmdType, now.Add(-deadline))
		if err != nil {
			s.logger.Error().Err(err).Str("type", string(cmdType)).Msg("timeout sweep failed")
			continue
		}

		if timedOut > 0 {
			s.logger.Warn().
				Str("type", string(cmdType)).
				Int64("count", timedOut).
				Dur("deadline", deadline).
				Msg("commands timed out")
		}
	}

	return nil
}
