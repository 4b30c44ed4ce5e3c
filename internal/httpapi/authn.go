package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tokenforge.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/auth/login",
	"/auth/refresh",
	"/auth/logout",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth verifies the bearer access token on every non-public path and
// attaches the claims to the request context. Pure signature/expiry check:
// no storage access on this path.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.validator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}

		claims, err := a.validator.ValidateAccess(raw)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpiredToken):
				unauthorized(w, r, "token expired")
			default:
				unauthorized(w, r, "invalid token")
			}
			return
		}

		ctx := token.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireClaims returns the authenticated claims or writes a 401.
func requireClaims(w http.ResponseWriter, r *http.Request) (*token.AccessClaims, bool) {
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok || claims == nil {
		unauthorized(w, r, "authentication required")
		return nil, false
	}
	return claims, true
}

// requireRole returns the claims when they carry the role; otherwise it
// writes 401 or 403.
func requireRole(w http.ResponseWriter, r *http.Request, role string) (*token.AccessClaims, bool) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return nil, false
	}
	if !claims.HasRole(role) {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return nil, false
	}
	return claims, true
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tokenforge"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
