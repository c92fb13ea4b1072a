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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/scope"
)

const (
	selectDeviceSQL = `
SELECT id, org_id, site_id, hostname, is_online, last_seen, policy_revision, agent_version, created_at
FROM devices WHERE id = $1`

	selectDeviceTokenHashSQL = `SELECT token_hash FROM devices WHERE id = $1`

	setDeviceOnlineSQL = `UPDATE devices SET is_online = $2, last_seen = now() WHERE id = $1`

	touchDeviceSQL = `UPDATE devices SET last_seen = $2 WHERE id = $1`

	onlineDeviceAtSiteSQL = `
SELECT id FROM devices WHERE org_id = $1 AND site_id = $2 AND is_online ORDER BY last_seen DESC LIMIT 1`

	onlineDeviceInOrgSQL = `
SELECT id FROM devices WHERE org_id = $1 AND is_online ORDER BY last_seen DESC LIMIT 1`

	deviceProbeSQL = `SELECT policy_revision, pinned_version FROM devices WHERE id = $1`

	interfaceOwnersSQL = `
SELECT device_id, mac_address, ip_address
FROM device_interfaces
WHERE mac_address = ANY($1) OR ip_address = ANY($2)`
)

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	ac, err := scope.From(ctx)
	if err != nil {
		return nil, err
	}

	var d models.Device

	err = s.pool.QueryRow(ctx, selectDeviceSQL, deviceID).Scan(
		&d.ID, &d.OrgID, &d.SiteID, &d.Hostname, &d.IsOnline, &d.LastSeen,
		&d.PolicyRevision, &d.AgentVersion, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	if !ac.AllowsOrg(d.OrgID) {
		return nil, ErrScopeDenied
	}

	return &d, nil
}

func (s *Store) GetDeviceCredentialHash(ctx context.Context, deviceID string) (string, error) {
	if _, err := scope.From(ctx); err != nil {
		return "", err
	}

	var hash string

	err := s.pool.QueryRow(ctx, selectDeviceTokenHashSQL, deviceID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("get device credential: %w", err)
	}

	return hash, nil
}

func (s *Store) SetDeviceOnline(ctx context.Context, deviceID string, online bool) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, setDeviceOnlineSQL, deviceID, online); err != nil {
		return fmt.Errorf("set device online: %w", err)
	}

	return nil
}

func (s *Store) TouchDeviceLastSeen(ctx context.Context, deviceID string, seen time.Time) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, touchDeviceSQL, deviceID, seen); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}

	return nil
}

// OnlineDeviceAtSite picks the most recently seen online device at a
// site, used when a discovery profile names no explicit agent.
func (s *Store) OnlineDeviceAtSite(ctx context.Context, orgID, siteID string) (string, error) {
	return s.onlineDevice(ctx, onlineDeviceAtSiteSQL, orgID, siteID)
}

// OnlineDeviceInOrg picks any online device in the org, used by the
// SNMP producer to find a polling agent.
func (s *Store) OnlineDeviceInOrg(ctx context.Context, orgID string) (string, error) {
	return s.onlineDevice(ctx, onlineDeviceInOrgSQL, orgID)
}

func (s *Store) onlineDevice(ctx context.Context, sql string, args ...any) (string, error) {
	ac, err := scope.From(ctx)
	if err != nil {
		return "", err
	}

	if orgID, ok := args[0].(string); ok && !ac.AllowsOrg(orgID) {
		return "", ErrScopeDenied
	}

	var deviceID string

	err = s.pool.QueryRow(ctx, sql, args...).Scan(&deviceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("online device lookup: %w", err)
	}

	return deviceID, nil
}

func (s *Store) GetDeviceProbe(ctx context.Context, deviceID string) (int64, string, error) {
	if _, err := scope.From(ctx); err != nil {
		return 0, "", err
	}

	var (
		revision int64
		pinned   string
	)

	err := s.pool.QueryRow(ctx, deviceProbeSQL, deviceID).Scan(&revision, &pinned)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", ErrNotFound
	}

	if err != nil {
		return 0, "", fmt.Errorf("device probe: %w", err)
	}

	return revision, pinned, nil
}

// FindInterfaceOwners resolves MACs and IPs to owning device IDs in
// one query. Keys in the result are the matched MAC or IP values.
func (s *Store) FindInterfaceOwners(ctx context.Context, macs, ips []string) (map[string]string, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	if len(macs) == 0 && len(ips) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, interfaceOwnersSQL, macs, ips)
	if err != nil {
		return nil, fmt.Errorf("interface owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[string]string)

	for rows.Next() {
		var deviceID, mac, ip string

		if err := rows.Scan(&deviceID, &mac, &ip); err != nil {
			return nil, fmt.Errorf("scan interface owner: %w", err)
		}

		if mac != "" {
			owners[mac] = deviceID
		}

		if ip != "" {
			owners[ip] = deviceID
		}
	}

	return owners, rows.Err()
}
