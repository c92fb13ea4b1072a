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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// TopologyStore is the store slice enrichment uses.
type TopologyStore interface {
	AssetIDsByIPs(ctx context.Context, orgID string, ips []string) (map[string]string, error)
	EdgesBySources(ctx context.Context, sourceAssetIDs []string) ([]*models.TopologyEdge, error)
	TouchEdges(ctx context.Context, edgeIDs []string, verifiedAt time.Time) error
	InsertEdges(ctx context.Context, edges []*models.TopologyEdge) error
}

// gatewayTypes are device types treated as topology sources; every
// other host is an endpoint hanging off them.
var gatewayTypes = map[string]bool{
	"router":       true,
	"switch":       true,
	"firewall":     true,
	"access_point": true,
}

// Topology derives gateway-to-endpoint adjacency from scan results.
// All store access is batched: one ID resolve, one edge load, one
// touch, one insert per run, regardless of host count.
type Topology struct {
	store  TopologyStore
	logger logger.Logger
}

// NewTopology wires the enrichment step.
func NewTopology(store TopologyStore, log logger.Logger) *Topology {
	return &Topology{store: store, logger: log}
}

// Enrich computes the gateway x endpoint cross product for one scan
// and reconciles it against stored edges: existing edges get their
// lastVerifiedAt bumped, new pairs get inserted. (source, target) is
// unique, so reruns never duplicate edges.
func (t *Topology) Enrich(ctx context.Context, job *models.DiscoveryJob, hosts []models.DiscoveredHost, now time.Time) error {
	var gateways, endpoints []models.DiscoveredHost

	for _, h := range hosts {
		if gatewayTypes[h.DeviceType] {
			gateways = append(gateways, h)
		} else {
			endpoints = append(endpoints, h)
		}
	}

	if len(gateways) == 0 || len(endpoints) == 0 {
		return nil
	}

	ips := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ips = append(ips, h.IPAddress)
	}

	assetIDs, err := t.store.AssetIDsByIPs(ctx, job.OrgID, ips)
	if err != nil {
		return fmt.Errorf("resolve asset ids: %w", err)
	}

	sourceIDs := make([]string, 0, len(gateways))

	for _, g := range gateways {
		if id, ok := assetIDs[g.IPAddress]; ok {
			sourceIDs = append(sourceIDs, id)
		}
	}

	if len(sourceIDs) == 0 {
		return nil
	}

	existing, err := t.store.EdgesBySources(ctx, sourceIDs)
	if err != nil {
		return fmt.Errorf("load existing edges: %w", err)
	}

	existingByPair := make(map[[2]string]*models.TopologyEdge, len(existing))
	for _, e := range existing {
		existingByPair[[2]string{e.SourceAssetID, e.TargetAssetID}] = e
	}

	var (
		touchIDs []string
		inserts  []*models.TopologyEdge
	)

	for _, g := range gateways {
		sourceID, ok := assetIDs[g.IPAddress]
		if !ok {
			continue
		}

		for _, e := range endpoints {
			targetID, ok := assetIDs[e.IPAddress]
			if !ok || targetID == sourceID {
				continue
			}

			if edge, ok := existingByPair[[2]string{sourceID, targetID}]; ok {
				touchIDs = append(touchIDs, edge.ID)
				continue
			}

			inserts = append(inserts, &models.TopologyEdge{
				ID:             uuid.New().String(),
				OrgID:          job.OrgID,
				SiteID:         job.SiteID,
				SourceAssetID:  sourceID,
				TargetAssetID:  targetID,
				ConnectionType: g.DeviceType,
				LastVerifiedAt: now,
			})
		}
	}

	if len(touchIDs) > 0 {
		if err := t.store.TouchEdges(ctx, touchIDs, now); err != nil {
			return fmt.Errorf("touch edges: %w", err)
		}
	}

	if len(inserts) > 0 {
		if err := t.store.InsertEdges(ctx, inserts); err != nil {
			return fmt.Errorf("insert edges: %w", err)
		}
	}

	t.logger.Debug().
		Str("job_id", job.ID).
		Int("verified", len(touchIDs)).
		Int("inserted", len(inserts)).
		Msg("topology enrichment done")

	return nil
}
