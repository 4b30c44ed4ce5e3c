package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tokenforge.org/internal/token"
)

type sessionListResponse struct {
	Sessions   []token.SessionInfo `json:"sessions"`
	TotalCount int                 `json:"total_count"`
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	sessions, err := a.sessions.List(r.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if sessions == nil {
		sessions = []token.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{
		Sessions:   sessions,
		TotalCount: len(sessions),
	})
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/auth/sessions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch path {
	case "others/revoke":
		a.revokeOtherSessions(w, r)
		return
	case "all/revoke":
		a.revokeAllSessions(w, r)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		a.revokeSession(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) revokeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	err := a.sessions.Revoke(r.Context(), claims.Subject, sessionID, claims.SessionID,
		clientIP(r), strings.TrimSpace(r.Header.Get("User-Agent")))
	if err != nil {
		switch {
		case errors.Is(err, token.ErrSelfRevocation):
			writeError(w, r, http.StatusBadRequest, "cannot revoke the current session, use logout")
		case errors.Is(err, token.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "session not found")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) revokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	count, err := a.sessions.RevokeOthers(r.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_count": count})
}

func (a *API) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	count, err := a.sessions.RevokeAll(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_count": count})
}
