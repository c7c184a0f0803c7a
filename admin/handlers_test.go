package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/hlc"
	"github.com/clusterd/statepub/publication"
)

func newTestHandler(t *testing.T) *publication.TransportHandler {
	t.Helper()
	local := &cluster.Node{ID: 1, Name: "node-1", WireVersion: cluster.CurrentWireVersion}
	h, err := publication.NewTransportHandler(publication.HandlerConfig{
		LocalNode: local,
		Codec:     publication.NewCodecWithLevel(zstd.SpeedFastest),
		Registry:  cluster.NewFragmentRegistry(),
		Clock:     hlc.NewClock(local.ID),
		HandlePublish: func(req *publication.PublishRequest) (*publication.PublishWithJoinResponse, error) {
			return &publication.PublishWithJoinResponse{
				Response: publication.PublishResponse{Term: req.State.Term, Version: req.State.Version},
			}, nil
		},
		HandleCommit: func(*publication.ApplyCommitRequest) error { return nil },
	})
	require.NoError(t, err)
	return h
}

func seedState(t *testing.T, h *publication.TransportHandler, version int64) *cluster.ClusterState {
	t.Helper()
	state := &cluster.ClusterState{
		Term:      2,
		Version:   version,
		StateUUID: cluster.NewStateUUID(),
		Nodes: cluster.NewNodes([]*cluster.Node{
			{ID: 1, Name: "node-1", Address: "10.0.0.1:8080", WireVersion: cluster.CurrentWireVersion},
			{ID: 2, Name: "node-2", Address: "10.0.0.2:8080", WireVersion: cluster.WireVersion1},
		}, 1, 2),
	}

	codec := publication.NewCodecWithLevel(zstd.SpeedFastest)
	payload, err := codec.SerializeFullState(state, h.LocalNode())
	require.NoError(t, err)
	defer payload.DecRef()

	_, err = h.HandlePublishRequest(context.Background(), payload.Bytes())
	require.NoError(t, err)
	return state
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := Handler(NewAdminHandlers(newTestHandler(t)))

	rec := get(t, router, "/admin/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["node_id"])
}

func TestClusterStateEndpoint(t *testing.T) {
	h := newTestHandler(t)
	router := Handler(NewAdminHandlers(h))

	rec := get(t, router, "/admin/cluster/state")
	require.Equal(t, http.StatusNotFound, rec.Code)

	state := seedState(t, h, 7)

	rec = get(t, router, "/admin/cluster/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary clusterStateSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, state.StateUUID, summary.StateUUID)
	require.Equal(t, int64(7), summary.Version)
	require.Len(t, summary.Nodes, 2)
	require.True(t, summary.Nodes[1].Coordinator)
}

func TestPublicationStatsEndpoint(t *testing.T) {
	h := newTestHandler(t)
	router := Handler(NewAdminHandlers(h))

	seedState(t, h, 3)

	rec := get(t, router, "/admin/publication/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats publication.PublicationStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, uint64(1), stats.FullStatesReceived)
	require.Equal(t, int64(3), stats.LastSeenVersion)
}
