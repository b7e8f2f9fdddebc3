package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// connectWait bounds how long POST /connect waits for the attempt.
const connectWait = 10 * time.Second

// setDPsRequest is the body of PUT /devices/{id}/dps.
type setDPsRequest struct {
	DPS device.State `json:"dps"`
}

// handleListDevices returns a snapshot of every session. Fake gateways are
// included only with ?all=true.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"

	devices := make([]session.Snapshot, 0)
	for _, sess := range s.sessions.Sessions() {
		if sess.IsFakeGateway() && !all {
			continue
		}
		devices = append(devices, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one session snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleSetDPs writes datapoints. A device without a connection answers
// 409; the values are not queued.
func (s *Server) handleSetDPs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setDPsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.DPS) == 0 {
		writeBadRequest(w, "dps is required")
		return
	}

	err := s.sessions.SetValues(r.Context(), id, req.DPS)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"device_id": id, "status": "accepted"})
	case errors.Is(err, session.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is not connected")
	case errors.Is(err, session.ErrCancelled), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "write cancelled")
	default:
		s.logger.Warn("datapoint write failed", "device_id", id, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
	}
}

// handleConnect starts a connect attempt and waits briefly for it. The
// response carries the resulting snapshot: 200 when connected, 202 while
// the attempt is still running or the device stays offline.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectWait)
	defer cancel()
	sess.Connect(ctx)

	snap := sess.Snapshot()
	status := http.StatusAccepted
	if snap.Connected {
		status = http.StatusOK
	}
	writeJSON(w, status, snap)
}

// lookup resolves the {id} parameter, writing 404 when unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return nil, false
	}
	return sess, true
}
