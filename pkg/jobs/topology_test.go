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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

type fakeTopologyStore struct {
	assetIDs map[string]string
	edges    []*models.TopologyEdge

	touched  []string
	inserted []*models.TopologyEdge

	resolveCalls int
	edgeCalls    int
}

func (s *fakeTopologyStore) AssetIDsByIPs(_ context.Context, _ string, _ []string) (map[string]string, error) {
	s.resolveCalls++
	return s.assetIDs, nil
}

func (s *fakeTopologyStore) EdgesBySources(_ context.Context, _ []string) ([]*models.TopologyEdge, error) {
	s.edgeCalls++
	return s.edges, nil
}

func (s *fakeTopologyStore) TouchEdges(_ context.Context, edgeIDs []string, _ time.Time) error {
	s.touched = append(s.touched, edgeIDs...)
	return nil
}

func (s *fakeTopologyStore) InsertEdges(_ context.Context, edges []*models.TopologyEdge) error {
	s.inserted = append(s.inserted, edges...)
	return nil
}

func topologyJob() *models.DiscoveryJob {
	return &models.DiscoveryJob{ID: "job-1", OrgID: "org-1", SiteID: "site-1"}
}

func TestEnrichInsertsGatewayEndpointEdges(t *testing.T) {
	t.Parallel()

	store := &fakeTopologyStore{
		assetIDs: map[string]string{
			"10.0.0.1":  "asset-router",
			"10.0.0.10": "asset-a",
			"10.0.0.11": "asset-b",
		},
	}
	topo := NewTopology(store, logger.NewTestLogger())

	hosts := []models.DiscoveredHost{
		{IPAddress: "10.0.0.1", DeviceType: "router"},
		{IPAddress: "10.0.0.10", DeviceType: "workstation"},
		{IPAddress: "10.0.0.11"},
	}

	require.NoError(t, topo.Enrich(context.Background(), topologyJob(), hosts, time.Now().UTC()))

	require.Len(t, store.inserted, 2)

	targets := map[string]bool{}
	for _, e := range store.inserted {
		assert.Equal(t, "asset-router", e.SourceAssetID)
		assert.Equal(t, "router", e.ConnectionType)
		targets[e.TargetAssetID] = true
	}

	assert.True(t, targets["asset-a"])
	assert.True(t, targets["asset-b"])
	assert.Empty(t, store.touched)
}

func TestEnrichRerunTouchesExistingEdges(t *testing.T) {
	t.Parallel()

	store := &fakeTopologyStore{
		assetIDs: map[string]string{
			"10.0.0.1":  "asset-router",
			"10.0.0.10": "asset-a",
		},
		edges: []*models.TopologyEdge{
			{ID: "edge-1", SourceAssetID: "asset-router", TargetAssetID: "asset-a"},
		},
	}
	topo := NewTopology(store, logger.NewTestLogger())

	hosts := []models.DiscoveredHost{
		{IPAddress: "10.0.0.1", DeviceType: "switch"},
		{IPAddress: "10.0.0.10"},
	}

	require.NoError(t, topo.Enrich(context.Background(), topologyJob(), hosts, time.Now().UTC()))

	assert.Equal(t, []string{"edge-1"}, store.touched, "a rerun bumps the edge instead of duplicating it")
	assert.Empty(t, store.inserted)
}

func TestEnrichSkipsWithoutGatewaysOrEndpoints(t *testing.T) {
	t.Parallel()

	store := &fakeTopologyStore{}
	topo := NewTopology(store, logger.NewTestLogger())

	onlyEndpoints := []models.DiscoveredHost{{IPAddress: "10.0.0.10"}, {IPAddress: "10.0.0.11"}}
	require.NoError(t, topo.Enrich(context.Background(), topologyJob(), onlyEndpoints, time.Now().UTC()))

	onlyGateways := []models.DiscoveredHost{{IPAddress: "10.0.0.1", DeviceType: "firewall"}}
	require.NoError(t, topo.Enrich(context.Background(), topologyJob(), onlyGateways, time.Now().UTC()))

	assert.Zero(t, store.resolveCalls, "nothing to relate, no store round trips")
}

func TestEnrichBatchesStoreAccess(t *testing.T) {
	t.Parallel()

	assetIDs := map[string]string{"10.0.0.1": "gw-1", "10.0.0.2": "gw-2"}
	var hosts []models.DiscoveredHost

	hosts = append(hosts,
		models.DiscoveredHost{IPAddress: "10.0.0.1", DeviceType: "router"},
		models.DiscoveredHost{IPAddress: "10.0.0.2", DeviceType: "switch"},
	)

	for i := 10; i < 40; i++ {
		ip := "10.0.1." + string(rune('0'+i/10)) + string(rune('0'+i%10))
		assetIDs[ip] = "ep-" + ip
		hosts = append(hosts, models.DiscoveredHost{IPAddress: ip})
	}

	store := &fakeTopologyStore{assetIDs: assetIDs}
	topo := NewTopology(store, logger.NewTestLogger())

	require.NoError(t, topo.Enrich(context.Background(), topologyJob(), hosts, time.Now().UTC()))

	assert.Equal(t, 1, store.resolveCalls)
	assert.Equal(t, 1, store.edgeCalls)
	assert.Len(t, store.inserted, 60, "two gateways times thirty endpoints")
}

func TestEnrichSkipsUnresolvedAndSelfEdges(t *testing.T) {
	t.Parallel()

	store := &fakeTopologyStore{
		assetIDs: map[string]string{
			"10.0.0.1": "asset-shared",
			"10.0.0.5": "asset-shared", // same asset under both IPs
		},
	}
	topo := NewTopology(store, logger.NewTestLogger())

	hosts := []models.DiscoveredHost{
		{IPAddress: "10.0.0.1", DeviceType: "router"},
		{IPAddress: "10.0.0.5"},
		{IPAddress: "10.0.0.6"}, // never resolved to an asset
	}

	require.NoError(t, topo.Enrich(context.Background(), topologyJob(), hosts, time.Now().UTC()))

	assert.Empty(t, store.inserted)
	assert.Empty(t, store.touched)
}
