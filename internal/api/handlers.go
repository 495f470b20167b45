package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MauricioCa07/DHCP-Project/internal/lease"
)

// handleHealth returns server health status (no auth required).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.leases.Stats()
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"timestamp":      s.now().Unix(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"leases":         st.Active,
		"free":           st.Free,
	})
}

// leaseResponse is the JSON representation of a lease.
type leaseResponse struct {
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	State     string `json:"state"`
	Start     int64  `json:"start,omitempty"`
	Expiry    int64  `json:"expiry"`
	Remaining int64  `json:"remaining_seconds"`
}

// handleListLeases returns all lease records with optional filtering.
// Query params: mac, state, limit, offset
func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	records := s.leases.Snapshot()

	macFilter := strings.ToLower(r.URL.Query().Get("mac"))
	stateFilter := r.URL.Query().Get("state")

	var filtered []lease.Record
	for _, rec := range records {
		if macFilter != "" && !strings.Contains(strings.ToLower(rec.MAC.String()), macFilter) {
			continue
		}
		if stateFilter != "" && string(rec.State) != stateFilter {
			continue
		}
		filtered = append(filtered, rec)
	}

	// Apply pagination
	total := len(filtered)
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	limit := total
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	now := s.now()
	result := make([]leaseResponse, 0, end-offset)
	for _, rec := range filtered[offset:end] {
		result = append(result, leaseResponse{
			IP:        rec.IP.String(),
			MAC:       rec.MAC.String(),
			State:     string(rec.State),
			Expiry:    rec.Expiry.Unix(),
			Remaining: remainingSeconds(rec.Expiry, now),
		})
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	JSONResponse(w, http.StatusOK, result)
}

// handleGetLease returns the lease held by one MAC address.
func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	mac, ok := pathMAC(w, r)
	if !ok {
		return
	}

	l, found := s.leases.Lookup(mac)
	if !found {
		JSONError(w, http.StatusNotFound, "not_found", "lease not found")
		return
	}

	JSONResponse(w, http.StatusOK, leaseResponse{
		IP:        l.IP.String(),
		MAC:       l.MAC.String(),
		State:     string(l.State),
		Start:     l.Start.Unix(),
		Expiry:    l.Expiry.Unix(),
		Remaining: remainingSeconds(l.Expiry, s.now()),
	})
}

// handleReleaseLease releases the Offered or Active lease of one MAC address.
func (s *Server) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	mac, ok := pathMAC(w, r)
	if !ok {
		return
	}

	if err := s.leases.Release(mac); err != nil {
		if errors.Is(err, lease.ErrUnknown) {
			JSONError(w, http.StatusNotFound, "not_found", "no offered or active lease for this MAC")
			return
		}
		JSONError(w, http.StatusInternalServerError, "release_failed", err.Error())
		return
	}

	s.logger.Info("lease released via API", "mac", mac.String(), "remote", r.RemoteAddr)
	JSONResponse(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleStats returns pool occupancy.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, s.leases.Stats())
}

func pathMAC(w http.ResponseWriter, r *http.Request) (net.HardwareAddr, bool) {
	mac, err := net.ParseMAC(r.PathValue("mac"))
	if err != nil || len(mac) != 6 {
		JSONError(w, http.StatusBadRequest, "invalid_mac", "invalid MAC address")
		return nil, false
	}
	return mac, true
}

func remainingSeconds(expiry, now time.Time) int64 {
	if d := expiry.Sub(now); d > 0 {
		return int64(d.Seconds())
	}
	return 0
}
