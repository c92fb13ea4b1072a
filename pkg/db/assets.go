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
	selectAssetForUpdateSQL = `
SELECT id, org_id, site_id, ip_address, mac_address, hostname, device_type, open_ports,
       approval_status, linked_device_id, link_set_manually, is_online, first_seen, last_seen
FROM discovered_assets
WHERE org_id = $1 AND ip_address = $2
FOR UPDATE`

	insertAssetSQL = `
INSERT INTO discovered_assets (id, org_id, site_id, ip_address, mac_address, hostname,
    device_type, open_ports, approval_status, linked_device_id, link_set_manually,
    is_online, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12, $12)`

	// Revisit update. The CASE keeps a manually-set device link intact
	// no matter what the scan reports.
	updateAssetSQL = `
UPDATE discovered_assets
SET mac_address = COALESCE(NULLIF($2, ''), mac_address),
    hostname = COALESCE(NULLIF($3, ''), hostname),
    device_type = COALESCE(NULLIF($4, ''), device_type),
    open_ports = $5,
    linked_device_id = CASE WHEN link_set_manually THEN linked_device_id
                            ELSE COALESCE(NULLIF($6, ''), linked_device_id) END,
    is_online = TRUE,
    last_seen = $7
WHERE id = $1`

	setAssetApprovalSQL = `UPDATE discovered_assets SET approval_status = $2 WHERE id = $1`

	markUnseenOfflineSQL = `
UPDATE discovered_assets
SET is_online = FALSE
WHERE org_id = $1 AND site_id = $2 AND is_online
  AND approval_status IN ('approved', 'managed')
  AND NOT (ip_address = ANY($3))
RETURNING id, org_id, site_id, ip_address, mac_address, hostname, device_type, open_ports,
          approval_status, linked_device_id, link_set_manually, is_online, first_seen, last_seen`

	assetIDsByIPsSQL = `
SELECT ip_address, id FROM discovered_assets WHERE org_id = $1 AND ip_address = ANY($2)`
)

// UpsertDiscoveredAsset inserts or revisits an asset keyed by
// (org, IP). The returned prev is nil for a first sighting; replays
// only refresh metrics and timestamps, never duplicate rows.
func (s *Store) UpsertDiscoveredAsset(ctx context.Context, asset *models.DiscoveredAsset) (*models.DiscoveredAsset, error) {
	ac, err := scope.From(ctx)
	if err != nil {
		return nil, err
	}

	if !ac.AllowsOrg(asset.OrgID) {
		return nil, ErrScopeDenied
	}

	openPorts, err := json.Marshal(asset.OpenPorts)
	if err != nil {
		return nil, fmt.Errorf("encode open ports: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset upsert begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := asset.LastSeen
	if now.IsZero() {
		now = time.Now().UTC()
	}

	prev, err := scanAsset(tx.QueryRow(ctx, selectAssetForUpdateSQL, asset.OrgID, asset.IPAddress))

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if asset.ApprovalStatus == "" {
			asset.ApprovalStatus = models.AssetApprovalNew
		}

		_, err = tx.Exec(ctx, insertAssetSQL,
			asset.ID, asset.OrgID, asset.SiteID, asset.IPAddress, asset.MACAddress,
			asset.Hostname, asset.DeviceType, openPorts, string(asset.ApprovalStatus),
			asset.LinkedDeviceID, asset.LinkSetManually, now)
		if err != nil {
			return nil, fmt.Errorf("insert asset: %w", err)
		}

		asset.FirstSeen = now
		asset.LastSeen = now
		asset.IsOnline = true

		prev = nil
	case err != nil:
		return nil, fmt.Errorf("asset lookup: %w", err)
	default:
		_, err = tx.Exec(ctx, updateAssetSQL,
			prev.ID, asset.MACAddress, asset.Hostname, asset.DeviceType, openPorts,
			asset.LinkedDeviceID, now)
		if err != nil {
			return nil, fmt.Errorf("update asset: %w", err)
		}

		asset.ID = prev.ID
		asset.ApprovalStatus = prev.ApprovalStatus
		asset.FirstSeen = prev.FirstSeen
		asset.LastSeen = now
		asset.IsOnline = true

		if prev.LinkSetManually {
			asset.LinkedDeviceID = prev.LinkedDeviceID
			asset.LinkSetManually = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("asset upsert commit: %w", err)
	}

	return prev, nil
}

func (s *Store) SetAssetApproval(ctx context.Context, assetID string, status models.AssetApprovalStatus) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, setAssetApprovalSQL, assetID, string(status)); err != nil {
		return fmt.Errorf("set asset approval: %w", err)
	}

	return nil
}

// MarkUnseenAssetsOffline flips approved/managed online assets not in
// seenIPs to offline and returns them so the producer can emit
// disappearance events.
func (s *Store) MarkUnseenAssetsOffline(ctx context.Context, orgID, siteID string, seenIPs []string) ([]*models.DiscoveredAsset, error) {
	ac, err := scope.From(ctx)
	if err != nil {
		return nil, err
	}

	if !ac.AllowsOrg(orgID) {
		return nil, ErrScopeDenied
	}

	if seenIPs == nil {
		seenIPs = []string{}
	}

	rows, err := s.pool.Query(ctx, markUnseenOfflineSQL, orgID, siteID, seenIPs)
	if err != nil {
		return nil, fmt.Errorf("mark unseen offline: %w", err)
	}
	defer rows.Close()

	var out []*models.DiscoveredAsset

	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offline asset: %w", err)
		}

		out = append(out, asset)
	}

	return out, rows.Err()
}

// AssetIDsByIPs batch-resolves host IPs to asset IDs in one query.
func (s *Store) AssetIDsByIPs(ctx context.Context, orgID string, ips []string) (map[string]string, error) {
	ac, err := scope.From(ctx)
	if err != nil {
		return nil, err
	}

	if !ac.AllowsOrg(orgID) {
		return nil, ErrScopeDenied
	}

	if len(ips) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, assetIDsByIPsSQL, orgID, ips)
	if err != nil {
		return nil, fmt.Errorf("asset ids by ips: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ips))

	for rows.Next() {
		var ip, id string

		if err := rows.Scan(&ip, &id); err != nil {
			return nil, fmt.Errorf("scan asset id: %w", err)
		}

		out[ip] = id
	}

	return out, rows.Err()
}

func scanAsset(row pgx.Row) (*models.DiscoveredAsset, error) {
	var (
		asset     models.DiscoveredAsset
		approval  string
		openPorts []byte
	)

	err := row.Scan(&asset.ID, &asset.OrgID, &asset.SiteID, &asset.IPAddress, &asset.MACAddress,
		&asset.Hostname, &asset.DeviceType, &openPorts, &approval, &asset.LinkedDeviceID,
		&asset.LinkSetManually, &asset.IsOnline, &asset.FirstSeen, &asset.LastSeen)
	if err != nil {
		return nil, err
	}

	asset.ApprovalStatus = models.AssetApprovalStatus(approval)

	if len(openPorts) > 0 {
		if err := json.Unmarshal(openPorts, &asset.OpenPorts); err != nil {
			return nil, fmt.Errorf("decode open ports: %w", err)
		}
	}

	return &asset, nil
}
