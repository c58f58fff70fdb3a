package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/carpie/sid/internal/audit"
)

// handleHistory searches the decision history.
// GET /api/v1/history?mac=&event=&from=&to=&limit=&format=csv
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		JSONError(w, http.StatusServiceUnavailable, "audit_disabled", "decision history not available")
		return
	}

	q := r.URL.Query()
	params := audit.QueryParams{
		MAC:   q.Get("mac"),
		Event: q.Get("event"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Limit = n
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.To = t
		}
	}

	records, err := s.auditLog.Query(params)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_error", err.Error())
		return
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=sid_history.csv")
		if err := audit.WriteCSV(w, records); err != nil {
			s.logger.Error("failed to write CSV export", "error", err)
		}
		return
	}

	if records == nil {
		records = []audit.Record{}
	}
	JSONResponse(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}
