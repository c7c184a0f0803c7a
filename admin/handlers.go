package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clusterd/statepub/cluster"
	"github.com/clusterd/statepub/publication"
)

// AdminHandlers serves the read-only admin API over the publication handler.
type AdminHandlers struct {
	handler *publication.TransportHandler
	started time.Time
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(handler *publication.TransportHandler) *AdminHandlers {
	return &AdminHandlers{
		handler: handler,
		started: time.Now(),
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}

// handleHealth reports liveness and the local node identity.
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	local := h.handler.LocalNode()
	writeJSONResponse(w, map[string]interface{}{
		"status":         "ok",
		"node_id":        local.ID,
		"node_name":      local.Name,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// handleStats returns the publication counters and serialization stats.
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.handler.Stats())
}

// clusterStateSummary is the JSON shape of the last-seen state.
type clusterStateSummary struct {
	Term      uint64        `json:"term"`
	Version   int64         `json:"version"`
	StateUUID string        `json:"state_uuid"`
	Nodes     []memberEntry `json:"nodes"`
}

type memberEntry struct {
	ID          uint64            `json:"id"`
	Name        string            `json:"name"`
	Address     string            `json:"address"`
	WireVersion string            `json:"wire_version"`
	Coordinator bool              `json:"coordinator,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func summarize(state *cluster.ClusterState) clusterStateSummary {
	summary := clusterStateSummary{
		Term:      state.Term,
		Version:   state.Version,
		StateUUID: state.StateUUID,
	}
	for _, node := range state.Nodes.Sorted() {
		summary.Nodes = append(summary.Nodes, memberEntry{
			ID:          node.ID,
			Name:        node.Name,
			Address:     node.Address,
			WireVersion: node.WireVersion.String(),
			Coordinator: node.ID == state.Nodes.CoordinatorID,
			Attributes:  node.Attributes,
		})
	}
	return summary
}

// handleClusterState returns the full last-seen state summary.
func (h *AdminHandlers) handleClusterState(w http.ResponseWriter, r *http.Request) {
	state := h.handler.LastSeenState()
	if state == nil {
		writeErrorResponse(w, http.StatusNotFound, "no cluster state received yet")
		return
	}
	writeJSONResponse(w, summarize(state))
}

// handleClusterMembers returns just the membership of the last-seen state.
func (h *AdminHandlers) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	state := h.handler.LastSeenState()
	if state == nil {
		writeErrorResponse(w, http.StatusNotFound, "no cluster state received yet")
		return
	}
	writeJSONResponse(w, summarize(state).Nodes)
}
