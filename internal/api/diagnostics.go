package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/tuyalocal-core/internal/diagnostics"
)

// handleDiagnostics returns the masked coordinator dump.
func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	if s.diagnostics == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "diagnostics are not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.diagnostics.Export())
}

// handleDeviceDiagnostics returns the masked dump of one device.
func (s *Server) handleDeviceDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.diagnostics == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "diagnostics are not configured")
		return
	}
	report, err := s.diagnostics.Device(chi.URLParam(r, "id"))
	if errors.Is(err, diagnostics.ErrUnknownDevice) {
		writeNotFound(w, "device not found")
		return
	}
	if err != nil {
		writeInternalError(w, "failed to build diagnostics")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
