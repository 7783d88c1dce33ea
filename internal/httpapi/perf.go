package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/medicare/internal/observability"
)

// handlePerfLatency reports rolling stream latency stats. ?stage= narrows the
// response to one stage.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotStreams()
	stage := strings.TrimSpace(r.URL.Query().Get("stage"))
	if stage != "" {
		filtered := make([]observability.StreamStageStats, 0, 1)
		for _, st := range snap.Stages {
			if st.Stage == stage {
				filtered = append(filtered, st)
			}
		}
		snap.Stages = filtered
	}
	respondJSON(w, http.StatusOK, snap)
}
