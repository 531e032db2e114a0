package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleListCalls returns every active call with both legs.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.inspector.Calls(r.Context())
	if err != nil {
		s.logger.Error("list calls: snapshot failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event loop unavailable")
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleGetCall returns one active call by its numeric id.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}

	calls, err := s.inspector.Calls(r.Context())
	if err != nil {
		s.logger.Error("get call: snapshot failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event loop unavailable")
		return
	}
	for _, c := range calls {
		if c.ID == uint32(id) {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	writeError(w, http.StatusNotFound, "call not found")
}
