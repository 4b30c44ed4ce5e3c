package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"tokenforge.org/internal/token"
)

type userRotationRequest struct {
	Reason string `json:"reason"`
}

type globalRotationRequest struct {
	Reason             string `json:"reason"`
	GracePeriodMinutes int64  `json:"grace_period_minutes"`
}

func (a *API) handleUserRotation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/token-rotation/users/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	// Users rotate their own tokens only. Fleet-wide action is the global
	// rotation endpoint.
	if claims.Subject != userID {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req userRotationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}

	result, err := a.rotation.RotateUser(r.Context(), userID, req.Reason, claims.Subject)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGlobalRotation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := requireRole(w, r, "admin")
	if !ok {
		return
	}

	var req globalRotationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}
	if req.GracePeriodMinutes < 0 || req.GracePeriodMinutes > 24*60 {
		writeError(w, r, http.StatusBadRequest, "grace_period_minutes must be between 0 and 1440")
		return
	}

	grace := time.Duration(req.GracePeriodMinutes) * time.Minute
	result, err := a.rotation.RotateGlobal(r.Context(), req.Reason, claims.Subject, grace)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSecurityConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := requireRole(w, r, "admin"); !ok {
		return
	}

	cfg, err := a.rotation.CurrentSecurityConfig(r.Context())
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "security config not initialized")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"global_min_token_version": cfg.GlobalMinTokenVersion,
		"updated_at":               cfg.UpdatedAt,
		"updated_by":               cfg.UpdatedBy,
		"reason":                   cfg.Reason,
	})
}
