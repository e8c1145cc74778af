package httpapi

import (
	"net/http"
	"strings"

	"github.com/slotwatch/bookerd/internal/secrets"
)

// Credential configuration surface. Reads always mask passwords; the clear
// secret only ever travels to an executor inside a trigger message.

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	if s.vault == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "credential vault not configured")
		return
	}
	masked, err := s.vault.Masked()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "config_read_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"credentials": masked})
}

type putConfigRequest struct {
	Ref      string `json:"ref,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "credential vault not configured")
		return
	}
	var req putConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}
	if err := s.vault.Set(req.Ref, secrets.Credential{Email: req.Email, Password: req.Password}); err != nil {
		respondError(w, http.StatusInternalServerError, "config_write_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"saved": true})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "credential vault not configured")
		return
	}
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if err := s.vault.Delete(ref); err != nil {
		respondError(w, http.StatusInternalServerError, "config_delete_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
