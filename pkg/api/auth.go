package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// IssueKeyRequest asks for a new API key; the issue password gates it
type IssueKeyRequest struct {
	Password    string `json:"password"`
	UserID      string `json:"user_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// IssueKeyResponse carries the one and only copy of the signed token
type IssueKeyResponse struct {
	APIKeyID    string `json:"api_key_id"`
	Token       string `json:"token"`
	UserID      string `json:"user_id,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message"`
}

// RevokeKeyRequest names the key to revoke
type RevokeKeyRequest struct {
	APIKeyID string `json:"api_key_id"`
}

// UpdateKeyRequest patches key metadata; nil fields are left unchanged
type UpdateKeyRequest struct {
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req IssueKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := s.auth.IssueKey(r.Context(), req.Password, req.UserID, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, IssueKeyResponse{
		APIKeyID:    rec.KeyID,
		Token:       rec.Token,
		UserID:      req.UserID,
		Description: req.Description,
		Message:     "API key issued successfully. Use token in Authorization header: Bearer <token>",
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req RevokeKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.auth.RevokeKey(r.Context(), req.APIKeyID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("API key %s revoked successfully", shortKeyID(req.APIKeyID)),
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.auth.ListKeys(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")

	var req UpdateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.auth.UpdateKey(r.Context(), keyID, req.Description, req.Active); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("API key %s updated successfully", shortKeyID(keyID)),
	})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auth.Status())
}

func shortKeyID(keyID string) string {
	if len(keyID) > 20 {
		return keyID[:20] + "..."
	}
	return keyID
}
