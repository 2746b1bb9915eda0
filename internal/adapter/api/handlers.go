package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"m2dash/internal/domain"
)

const maxPublishBody = 64 << 10

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Online             bool       `json:"online"`
	LatencyMS          float64    `json:"latency_ms"`
	Rate               float64    `json:"rate"`
	ManualOverride     bool       `json:"manual_override"`
	Connected          bool       `json:"connected"`
	TransportConnected bool       `json:"transport_connected"`
	RoundTripMS        float64    `json:"round_trip_ms"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
	Frozen             bool       `json:"frozen"`
	Pending            int        `json:"pending"`
	UptimeSeconds      int64      `json:"uptime_seconds"`
}

// FreezeResponse is returned by the freeze endpoints. Drained is set on
// release only.
type FreezeResponse struct {
	Frozen  bool `json:"frozen"`
	Pending int  `json:"pending"`
	Drained int  `json:"drained"`
}

// PublishRequest is the body of POST /api/v1/publish.
type PublishRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func (s *Server) statusResponse() StatusResponse {
	snap := s.core.ConnectionStatus()
	resp := StatusResponse{
		Online:             snap.Online,
		LatencyMS:          millis(snap.Latency),
		Rate:               snap.Rate,
		ManualOverride:     snap.ManualOverride,
		Connected:          snap.Connected,
		TransportConnected: s.core.TransportConnected(),
		RoundTripMS:        millis(snap.RoundTrip),
		Frozen:             s.core.Frozen(),
		Pending:            s.core.Pending(),
		UptimeSeconds:      int64(time.Since(s.start).Seconds()),
	}
	if !snap.UpdatedAt.IsZero() {
		at := snap.UpdatedAt
		resp.UpdatedAt = &at
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleForceOnline(w http.ResponseWriter, _ *http.Request) {
	s.core.ForceOnline()
	s.logger.Info("operator forced online")
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleForceOffline(w http.ResponseWriter, _ *http.Request) {
	s.core.ForceOffline()
	s.logger.Info("operator forced offline")
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleClearOverride(w http.ResponseWriter, _ *http.Request) {
	s.core.ClearOverride()
	s.logger.Info("operator cleared override")
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleEngageFreeze(w http.ResponseWriter, _ *http.Request) {
	s.core.EngageFreeze()
	writeJSON(w, http.StatusOK, FreezeResponse{Frozen: s.core.Frozen(), Pending: s.core.Pending()})
}

func (s *Server) handleReleaseFreeze(w http.ResponseWriter, r *http.Request) {
	// The drain runs to completion even if the caller goes away.
	drained := s.core.ReleaseFreeze(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, FreezeResponse{
		Frozen:  s.core.Frozen(),
		Pending: s.core.Pending(),
		Drained: drained,
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("api.publish", domain.ErrInvalidInput, err.Error()))
		return
	}
	if req.Event == domain.EventConnection {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("api.publish", domain.ErrInvalidInput, "connection is a local event"))
		return
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	if err := s.core.Publish(r.Context(), req.Event, data); err != nil {
		if domain.IsRetryableError(err) {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"transport_connected": s.core.TransportConnected(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsRetryableError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
