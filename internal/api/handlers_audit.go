package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/audit"
)

// AuditLog is the lease history the API can search. *audit.Log implements it.
type AuditLog interface {
	Query(params audit.QueryParams) ([]audit.Record, error)
	Count() int
}

// handleAuditQuery searches the audit log with query parameters.
// GET /api/v1/audit?ip=&mac=&event=&from=&to=&at=&limit=
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		JSONError(w, http.StatusServiceUnavailable, "audit_disabled", "audit log not available")
		return
	}
	params, ok := auditParams(w, r)
	if !ok {
		return
	}

	records, err := s.auditLog.Query(params)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_error", err.Error())
		return
	}
	if records == nil {
		records = []audit.Record{}
	}

	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"total":   s.auditLog.Count(),
		"records": records,
	})
}

// handleAuditExportCSV exports audit log records as CSV.
// GET /api/v1/audit/export?ip=&mac=&event=&from=&to=&at=&limit=
func (s *Server) handleAuditExportCSV(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		JSONError(w, http.StatusServiceUnavailable, "audit_disabled", "audit log not available")
		return
	}
	params, ok := auditParams(w, r)
	if !ok {
		return
	}

	records, err := s.auditLog.Query(params)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "query_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=audit_log.csv")
	if err := audit.WriteCSV(w, records); err != nil {
		s.logger.Error("failed to write CSV export", "error", err)
	}
}

// auditParams reads the shared query parameters. Malformed times are
// rejected rather than silently widening the search.
func auditParams(w http.ResponseWriter, r *http.Request) (audit.QueryParams, bool) {
	q := r.URL.Query()
	params := audit.QueryParams{
		IP:    q.Get("ip"),
		MAC:   q.Get("mac"),
		Event: q.Get("event"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Limit = n
		}
	}

	for name, dst := range map[string]*time.Time{
		"at":   &params.At,
		"from": &params.From,
		"to":   &params.To,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "invalid_time", name+" must be an RFC 3339 timestamp")
			return params, false
		}
		*dst = t
	}
	return params, true
}
