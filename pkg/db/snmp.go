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
	selectSNMPTargetSQL = `
SELECT device_id, org_id, host, port, version, community, template_id, poll_direct, v3, last_polled, last_status
FROM snmp_targets WHERE device_id = $1`

	listSNMPTargetsSQL = `
SELECT device_id, org_id, host, port, version, community, template_id, poll_direct, v3, last_polled, last_status
FROM snmp_targets WHERE org_id = $1`

	insertSNMPMetricSQL = `
INSERT INTO snmp_metrics (device_id, org_id, oid, name, value, value_type, timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	setSNMPTargetStatusSQL = `
UPDATE snmp_targets SET last_status = $2, last_polled = $3 WHERE device_id = $1`

	selectTemplateOIDsSQL = `SELECT oids FROM snmp_templates WHERE id = $1`

	dueSNMPTargetsSQL = `
SELECT device_id, org_id, host, port, version, community, template_id, poll_direct, v3, last_polled, last_status
FROM snmp_targets
WHERE last_polled IS NULL OR last_polled < $1
ORDER BY last_polled NULLS FIRST`
)

func (s *Store) GetSNMPTarget(ctx context.Context, deviceID string) (*models.SNMPTarget, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	target, err := scanSNMPTarget(s.pool.QueryRow(ctx, selectSNMPTargetSQL, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get snmp target: %w", err)
	}

	return target, nil
}

func (s *Store) ListSNMPTargets(ctx context.Context, orgID string) ([]*models.SNMPTarget, error) {
	ac, err := scope.From(ctx)
	if err != nil {
		return nil, err
	}

	if !ac.AllowsOrg(orgID) {
		return nil, ErrScopeDenied
	}

	rows, err := s.pool.Query(ctx, listSNMPTargetsSQL, orgID)
	if err != nil {
		return nil, fmt.Errorf("list snmp targets: %w", err)
	}
	defer rows.Close()

	var out []*models.SNMPTarget

	for rows.Next() {
		target, err := scanSNMPTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snmp target: %w", err)
		}

		out = append(out, target)
	}

	return out, rows.Err()
}

// DueSNMPTargets lists targets whose last poll is older than cutoff,
// never-polled targets first.
func (s *Store) DueSNMPTargets(ctx context.Context, cutoff time.Time) ([]*models.SNMPTarget, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, dueSNMPTargetsSQL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("due snmp targets: %w", err)
	}
	defer rows.Close()

	var out []*models.SNMPTarget

	for rows.Next() {
		target, err := scanSNMPTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snmp target: %w", err)
		}

		out = append(out, target)
	}

	return out, rows.Err()
}

// TemplateOIDs resolves a monitoring template to its OID list.
func (s *Store) TemplateOIDs(ctx context.Context, templateID string) ([]models.SNMPOid, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	var raw []byte

	err := s.pool.QueryRow(ctx, selectTemplateOIDsSQL, templateID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get snmp template: %w", err)
	}

	var oids []models.SNMPOid
	if err := json.Unmarshal(raw, &oids); err != nil {
		return nil, fmt.Errorf("decode template %s oids: %w", templateID, err)
	}

	return oids, nil
}

// InsertSNMPMetrics bulk-inserts metric rows in one batch.
func (s *Store) InsertSNMPMetrics(ctx context.Context, metricRows []*models.SNMPMetricRow) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, row := range metricRows {
		batch.Queue(insertSNMPMetricSQL,
			row.DeviceID, row.OrgID, row.OID, row.Name, row.Value, row.ValueType, row.Timestamp)
	}

	return s.sendBatchExecAll(ctx, batch, "insert snmp metrics")
}

func (s *Store) SetSNMPTargetStatus(ctx context.Context, deviceID, status string, polledAt time.Time) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, setSNMPTargetStatusSQL, deviceID, status, polledAt); err != nil {
		return fmt.Errorf("set snmp target status: %w", err)
	}

	return nil
}

func scanSNMPTarget(row pgx.Row) (*models.SNMPTarget, error) {
	var (
		target models.SNMPTarget
		port   int
		v3     []byte
	)

	err := row.Scan(&target.DeviceID, &target.OrgID, &target.Host, &port, &target.Version,
		&target.Community, &target.TemplateID, &target.PollDirect, &v3,
		&target.LastPolled, &target.LastStatus)
	if err != nil {
		return nil, err
	}

	target.Port = uint16(port)

	if len(v3) > 0 {
		target.V3 = &models.SNMPv3Credentials{}
		if err := json.Unmarshal(v3, target.V3); err != nil {
			return nil, fmt.Errorf("decode v3 credentials: %w", err)
		}
	}

	return &target, nil
}
