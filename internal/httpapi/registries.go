package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dfs3/dfs3node/internal/apperr"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rows, http.StatusOK)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	u, ok := s.users.Get(userID)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown user: "+userID))
		return
	}
	jsonResponse(w, u, http.StatusOK)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.nodes.List()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rows, http.StatusOK)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	n, ok := s.nodes.Get(nodeID)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown node: "+nodeID))
		return
	}
	jsonResponse(w, n, http.StatusOK)
}
