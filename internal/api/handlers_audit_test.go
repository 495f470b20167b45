package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/audit"
	"github.com/MauricioCa07/DHCP-Project/internal/config"
)

type fakeAuditLog struct {
	records []audit.Record
	last    audit.QueryParams
}

func (f *fakeAuditLog) Query(params audit.QueryParams) ([]audit.Record, error) {
	f.last = params
	return f.records, nil
}

func (f *fakeAuditLog) Count() int { return len(f.records) }

func TestHandleAuditQuery(t *testing.T) {
	al := &fakeAuditLog{records: []audit.Record{
		{ID: 2, Event: "lease.release", IP: "10.0.0.10", MAC: "00:11:22:33:44:01"},
		{ID: 1, Event: "lease.ack", IP: "10.0.0.10", MAC: "00:11:22:33:44:01"},
	}}
	srv, _ := newTestServer(t, config.APIConfig{})
	WithAuditLog(al)(srv)

	w := do(srv, "GET", "/api/v1/audit?ip=10.0.0.10&limit=5&at=2025-02-15T14:30:00Z", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var body struct {
		Count   int            `json:"count"`
		Records []audit.Record `json:"records"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Count != 2 || len(body.Records) != 2 {
		t.Errorf("body = %+v", body)
	}
	want := time.Date(2025, 2, 15, 14, 30, 0, 0, time.UTC)
	if al.last.IP != "10.0.0.10" || al.last.Limit != 5 || !al.last.At.Equal(want) {
		t.Errorf("query params = %+v", al.last)
	}
}

func TestHandleAuditBadTime(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})
	WithAuditLog(&fakeAuditLog{})(srv)

	w := do(srv, "GET", "/api/v1/audit?from=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleAuditDisabled(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})

	w := do(srv, "GET", "/api/v1/audit", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHandleAuditExportCSV(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{})
	WithAuditLog(&fakeAuditLog{records: []audit.Record{
		{ID: 1, Event: "lease.ack", IP: "10.0.0.10", MAC: "00:11:22:33:44:01"},
	}})(srv)

	w := do(srv, "GET", "/api/v1/audit/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "1,,lease.ack,10.0.0.10,") {
		t.Errorf("CSV = %q", w.Body.String())
	}
}
