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
	"time"

	"github.com/carverauto/fleetgate/pkg/models"
)

// handleHeartbeat answers an agent-initiated poll. This is the
// secondary delivery path: up to the configured limit of oldest
// pending commands ride back on the ack, marked sent by the same
// atomic pull that read them.
func (s *Server) handleHeartbeat(ctx context.Context, agentID string, ch *wsChannel, frame *models.InboundFrame) {
	now := time.Now().UTC()

	seen := now
	if frame.Timestamp != nil {
		seen = *frame.Timestamp
	}

	if err := s.store.TouchDeviceLastSeen(ctx, agentID, seen); err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to touch device last seen")
	}

	pulled, err := s.store.PullPendingCommands(ctx, agentID, s.config.HeartbeatPull, now)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("heartbeat pull failed")
	}

	frames := make([]models.HeartbeatCommand, 0, len(pulled))
	for _, cmd := range pulled {
		frames = append(frames, models.NewHeartbeatCommand(cmd))
	}

	ack := models.HeartbeatAckFrame{
		Type:      models.FrameTypeHeartbeatAck,
		Timestamp: now,
		Commands:  frames,
	}

	// Policy probe: flag a refresh when the server-side revision is
	// ahead of what the agent reported, and pin an upgrade when the
	// org's pinned version differs from the running one.
	revision, pinned, err := s.store.GetDeviceProbe(ctx, agentID)
	if err == nil {
		ack.ConfigUpdate = revision > frame.PolicyRevision

		if pinned != "" && pinned != frame.AgentVersion {
			ack.UpgradeTo = pinned
		}
	} else {
		s.logger.Debug().Err(err).Str("agent_id", agentID).Msg("device probe unavailable")
	}

	if err := ch.Send(ack); err != nil {
		s.logger.Debug().Err(err).Str("agent_id", agentID).Msg("heartbeat ack send failed")
	}

	if len(frames) > 0 {
		s.logger.Info().
			Str("agent_id", agentID).
			Int("commands", len(frames)).
			Msg("delivered pending commands via heartbeat")
	}
}
