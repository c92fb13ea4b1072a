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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetgate/pkg/db"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// SNMPStore is the store slice the SNMP producer uses.
type SNMPStore interface {
	GetSNMPTarget(ctx context.Context, deviceID string) (*models.SNMPTarget, error)
	DueSNMPTargets(ctx context.Context, cutoff time.Time) ([]*models.SNMPTarget, error)
	TemplateOIDs(ctx context.Context, templateID string) ([]models.SNMPOid, error)
	InsertSNMPMetrics(ctx context.Context, rows []*models.SNMPMetricRow) error
	SetSNMPTargetStatus(ctx context.Context, deviceID, status string, polledAt time.Time) error
	OnlineDeviceInOrg(ctx context.Context, orgID string) (string, error)
}

// DirectPoller polls a target from the control plane itself.
type DirectPoller interface {
	Poll(ctx context.Context, target *models.SNMPTarget, oids []models.SNMPOid) ([]models.SNMPMetricSample, error)
}

// defaultOIDs keeps templateless targets minimally useful.
var defaultOIDs = []models.SNMPOid{
	{OID: "1.3.6.1.2.1.1.3.0", Name: "sysUptime"},
	{OID: "1.3.6.1.2.1.1.5.0", Name: "sysName"},
}

const defaultSNMPPollInterval = 5 * time.Minute

// SNMP polls SNMP targets, either through an online agent in the
// target's organization or directly from the server for poll_direct
// targets.
type SNMP struct {
	store    SNMPStore
	registry AgentRegistry
	direct   DirectPoller
	queue    JobQueue
	interval time.Duration
	logger   logger.Logger
}

// NewSNMP wires the SNMP job producer.
func NewSNMP(store SNMPStore, registry AgentRegistry, direct DirectPoller, queue JobQueue, interval time.Duration, log logger.Logger) *SNMP {
	if interval <= 0 {
		interval = defaultSNMPPollInterval
	}

	return &SNMP{store: store, registry: registry, direct: direct, queue: queue, interval: interval, logger: log}
}

// RunScheduler enqueues a poll job per due target until ctx ends.
func (p *SNMP) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.enqueueDue(ctx); err != nil {
				p.logger.Error().Err(err).Msg("snmp scheduler tick failed")
			}
		}
	}
}

func (p *SNMP) enqueueDue(ctx context.Context) error {
	targets, err := p.store.DueSNMPTargets(ctx, time.Now().UTC().Add(-p.interval))
	if err != nil {
		return err
	}

	for _, t := range targets {
		if err := p.queue.Enqueue(ctx, &JobMessage{Type: JobTypeSNMPPoll, RefID: t.DeviceID}); err != nil {
			p.logger.Error().Err(err).Str("device_id", t.DeviceID).Msg("failed to enqueue snmp poll")
		}
	}

	return nil
}

// HandleJob polls one target. Agent-path polls complete
// asynchronously through HandleOrphanResult; direct polls apply their
// samples inline.
func (p *SNMP) HandleJob(ctx context.Context, msg *JobMessage) error {
	target, err := p.store.GetSNMPTarget(ctx, msg.RefID)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.Warn().Str("device_id", msg.RefID).Msg("queued snmp target no longer exists")
		return nil
	}

	if err != nil {
		return err
	}

	oids := defaultOIDs

	if target.TemplateID != "" {
		oids, err = p.store.TemplateOIDs(ctx, target.TemplateID)
		if err != nil {
			return p.failTarget(ctx, target.DeviceID, fmt.Sprintf("template %s unavailable: %v", target.TemplateID, err))
		}
	}

	if target.PollDirect {
		return p.pollDirect(ctx, target, oids)
	}

	return p.pollViaAgent(ctx, target, oids)
}

func (p *SNMP) pollDirect(ctx context.Context, target *models.SNMPTarget, oids []models.SNMPOid) error {
	samples, err := p.direct.Poll(ctx, target, oids)
	if err != nil {
		return p.failTarget(ctx, target.DeviceID, fmt.Sprintf("direct poll: %v", err))
	}

	return p.applySamples(ctx, target, samples)
}

func (p *SNMP) pollViaAgent(ctx context.Context, target *models.SNMPTarget, oids []models.SNMPOid) error {
	agentID, err := p.store.OnlineDeviceInOrg(ctx, target.OrgID)
	if errors.Is(err, db.ErrNotFound) {
		return p.failTarget(ctx, target.DeviceID, "no online agent in organization")
	}

	if err != nil {
		return err
	}

	if !p.registry.IsConnected(agentID) {
		return p.failTarget(ctx, target.DeviceID, fmt.Sprintf("agent %s not connected", agentID))
	}

	payload := models.SNMPPollPayload{
		DeviceID:  target.DeviceID,
		Target:    *target,
		OIDs:      oids,
		RequestID: uuid.New().String(),
	}

	raw, err := models.EncodeCommandPayload(payload)
	if err != nil {
		return err
	}

	frame := models.CommandFrame{
		Type:        models.FrameTypeCommand,
		ID:          payload.RequestID,
		CommandType: models.CommandTypeSNMPPoll,
		Payload:     raw,
	}

	if !p.registry.Send(agentID, frame) {
		return p.failTarget(ctx, target.DeviceID, fmt.Sprintf("send to agent %s failed", agentID))
	}

	p.logger.Debug().
		Str("device_id", target.DeviceID).
		Str("agent_id", agentID).
		Int("oids", len(oids)).
		Msg("snmp poll dispatched")

	return nil
}

func (p *SNMP) failTarget(ctx context.Context, deviceID, reason string) error {
	p.logger.Warn().Str("device_id", deviceID).Str("reason", reason).Msg("snmp poll failed")

	return p.store.SetSNMPTargetStatus(ctx, deviceID, "failed", time.Now().UTC())
}

// HandleOrphanResult claims results whose body embeds a deviceId plus
// metrics, the shape agent-dispatched polls report with no ledger row.
func (p *SNMP) HandleOrphanResult(ctx context.Context, agentID string, res *models.CommandResult) (bool, error) {
	var body models.SNMPPollResult
	if err := json.Unmarshal(res.Structured(), &body); err != nil {
		return false, nil
	}

	if body.DeviceID == "" || body.Metrics == nil {
		return false, nil
	}

	target, err := p.store.GetSNMPTarget(ctx, body.DeviceID)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.Warn().
			Str("device_id", body.DeviceID).
			Str("agent_id", agentID).
			Msg("snmp result for unknown target")

		return true, nil
	}

	if err != nil {
		return true, err
	}

	if res.Status != "completed" && res.Status != "success" {
		return true, p.failTarget(ctx, target.DeviceID, res.Error)
	}

	return true, p.applySamples(ctx, target, body.Metrics)
}

// applySamples bulk-inserts one metric row per sample with a
// best-effort inferred value type, then marks the target online.
func (p *SNMP) applySamples(ctx context.Context, target *models.SNMPTarget, samples []models.SNMPMetricSample) error {
	now := time.Now().UTC()
	rows := make([]*models.SNMPMetricRow, 0, len(samples))

	for _, sample := range samples {
		value, valueType := inferValue(sample.Value)

		ts := sample.Timestamp
		if ts.IsZero() {
			ts = now
		}

		rows = append(rows, &models.SNMPMetricRow{
			DeviceID:  target.DeviceID,
			OrgID:     target.OrgID,
			OID:       sample.OID,
			Name:      sample.Name,
			Value:     value,
			ValueType: valueType,
			Timestamp: ts,
		})
	}

	if len(rows) > 0 {
		if err := p.store.InsertSNMPMetrics(ctx, rows); err != nil {
			return fmt.Errorf("insert snmp metrics: %w", err)
		}
	}

	if err := p.store.SetSNMPTargetStatus(ctx, target.DeviceID, "online", now); err != nil {
		return err
	}

	p.logger.Debug().
		Str("device_id", target.DeviceID).
		Int("metrics", len(rows)).
		Msg("snmp samples stored")

	return nil
}

// inferValue coerces a raw JSON value to its stored string form and a
// best-effort type tag.
func inferValue(raw json.RawMessage) (value, valueType string) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), "bool"
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), "number"
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, "string"
	}

	return string(raw), "string"
}
