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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/scope"
)

const (
	edgesBySourcesSQL = `
SELECT id, org_id, site_id, source_asset_id, target_asset_id, connection_type, last_verified_at
FROM topology_edges
WHERE source_asset_id = ANY($1)`

	touchEdgeSQL = `UPDATE topology_edges SET last_verified_at = $2 WHERE id = $1`

	insertEdgeSQL = `
INSERT INTO topology_edges (id, org_id, site_id, source_asset_id, target_asset_id, connection_type, last_verified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (source_asset_id, target_asset_id) DO UPDATE SET last_verified_at = EXCLUDED.last_verified_at`
)

// EdgesBySources batch-loads all existing edges for the given gateway
// assets in one round trip.
func (s *Store) EdgesBySources(ctx context.Context, sourceAssetIDs []string) ([]*models.TopologyEdge, error) {
	if _, err := scope.From(ctx); err != nil {
		return nil, err
	}

	if len(sourceAssetIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, edgesBySourcesSQL, sourceAssetIDs)
	if err != nil {
		return nil, fmt.Errorf("edges by sources: %w", err)
	}
	defer rows.Close()

	var out []*models.TopologyEdge

	for rows.Next() {
		var e models.TopologyEdge

		err := rows.Scan(&e.ID, &e.OrgID, &e.SiteID, &e.SourceAssetID, &e.TargetAssetID,
			&e.ConnectionType, &e.LastVerifiedAt)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}

		out = append(out, &e)
	}

	return out, rows.Err()
}

// TouchEdges bumps last_verified_at on revisited edges in one batch.
func (s *Store) TouchEdges(ctx context.Context, edgeIDs []string, verifiedAt time.Time) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, id := range edgeIDs {
		batch.Queue(touchEdgeSQL, id, verifiedAt)
	}

	return s.sendBatchExecAll(ctx, batch, "touch edges")
}

// InsertEdges writes new edges in one batch. The (source, target)
// conflict clause keeps replays from duplicating rows.
func (s *Store) InsertEdges(ctx context.Context, edges []*models.TopologyEdge) error {
	if _, err := scope.From(ctx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(insertEdgeSQL,
			e.ID, e.OrgID, e.SiteID, e.SourceAssetID, e.TargetAssetID, e.ConnectionType, e.LastVerifiedAt)
	}

	return s.sendBatchExecAll(ctx, batch, "insert edges")
}
