package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/sipconnector/internal/database"
	"github.com/flowpbx/sipconnector/internal/database/models"
)

// historyResponse is the JSON form of one released call.
type historyResponse struct {
	ID          string  `json:"id"`
	CallID      uint32  `json:"call_id"`
	Origin      string  `json:"origin"`
	Source      string  `json:"source"`
	Dest        string  `json:"dest"`
	GCR         string  `json:"gcr,omitempty"`
	StartTime   string  `json:"start_time"`
	AnswerTime  *string `json:"answer_time"`
	EndTime     string  `json:"end_time"`
	Duration    *int    `json:"duration"`
	Disposition string  `json:"disposition"`
	Cause       int     `json:"cause"`
}

func toHistoryResponse(c *models.CallRecord) historyResponse {
	resp := historyResponse{
		ID:          c.ID,
		CallID:      c.CallID,
		Origin:      c.Origin,
		Source:      c.Source,
		Dest:        c.Dest,
		GCR:         c.GCR,
		StartTime:   c.StartTime.Format(time.RFC3339),
		EndTime:     c.EndTime.Format(time.RFC3339),
		Duration:    c.Duration,
		Disposition: c.Disposition,
		Cause:       c.Cause,
	}
	if c.AnswerTime != nil {
		s := c.AnswerTime.Format(time.RFC3339)
		resp.AnswerTime = &s
	}
	return resp
}

// handleListHistory returns released calls, newest first.
// Query params: limit, offset, search, origin, start_date, end_date.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	origin := q.Get("origin")
	if origin != "" && origin != "MNCC" && origin != "SIP" {
		writeError(w, http.StatusBadRequest, "origin must be \"MNCC\" or \"SIP\"")
		return
	}

	recs, total, err := s.history.List(r.Context(), database.HistoryListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Search:    q.Get("search"),
		Origin:    origin,
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	})
	if err != nil {
		s.logger.Error("list history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]historyResponse, len(recs))
	for i := range recs {
		items[i] = toHistoryResponse(&recs[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}

	rec, err := s.history.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("get history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "call record not found")
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(rec))
}
