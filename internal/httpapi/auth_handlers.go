package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tokenforge.org/internal/obs"
	"tokenforge.org/internal/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	User         map[string]any `json:"user,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	meta := token.SessionMetadata{
		DeviceInfo: strings.TrimSpace(r.Header.Get("User-Agent")),
		IPAddress:  clientIP(r),
	}
	pair, user, err := a.issuer.Login(r.Context(), req.Email, req.Password, meta)
	if err != nil {
		if errors.Is(err, token.ErrUnauthorized) {
			unauthorized(w, r, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(a.issuer.AccessTTL().Seconds()),
		User: map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"role":  user.Role,
		},
	})
}

// handleRefresh exchanges a valid refresh token for a new access token. The
// refresh token itself is not rotated: the same opaque secret comes back
// and only its last_activity advances.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.validator.ValidateRefresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.rejectRefresh(w, r, err)
		return
	}

	user, err := a.store.Users(r.Context()).Find(r.Context(), rec.UserID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			a.rejectRefresh(w, r, token.ErrInvalidToken)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if user.Status != "active" {
		a.rejectRefresh(w, r, token.ErrRevokedToken)
		return
	}

	access, _, err := a.issuer.IssueAccess(user, rec.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.sessions.TouchActivity(r.Context(), rec.ID)

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: req.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(a.issuer.AccessTTL().Seconds()),
	})
}

// rejectRefresh maps validation failures onto the 401 contract with a
// machine-readable reason. Storage failures stay 500: a broken database
// must not look like a revoked token.
func (a *API) rejectRefresh(w http.ResponseWriter, r *http.Request, err error) {
	if token.IsStorage(err) {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	reason := "invalid"
	switch {
	case errors.Is(err, token.ErrRevokedToken):
		reason = "revoked"
	case errors.Is(err, token.ErrExpiredToken):
		reason = "expired"
	case errors.Is(err, token.ErrVersionStale):
		reason = "version_stale"
	}
	obs.TokenRejected(reason)
	w.Header().Set("WWW-Authenticate", `Bearer realm="tokenforge"`)
	writeAuthError(w, r, http.StatusUnauthorized, "refresh token rejected", reason)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.sessions.Logout(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidToken), errors.Is(err, token.ErrNotFound):
			unauthorized(w, r, "invalid token")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}
