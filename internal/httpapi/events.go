package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dfs3/dfs3node/internal/apperr"
)

const defaultEventListLimit = 100

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apperr.New(apperr.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	rows, err := s.db.ListEvents(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rows, http.StatusOK)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	blockID := chi.URLParam(r, "block_id")
	row, ok := s.db.GetEvent(blockID)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown block_id: "+blockID))
		return
	}
	jsonResponse(w, row, http.StatusOK)
}
