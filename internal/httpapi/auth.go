package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qbook/queue-engine/internal/store"
)

const (
	RoleCustomer   = "customer"
	RoleOperator   = "operator"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

type authContextKey struct{}

// AuthMiddleware resolves the caller's session through the store and stashes
// it in the request context. Public endpoints pass through without a session;
// everything else requires one.
func AuthMiddleware(st store.TokenStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := st.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(store.Session)
	return session, ok
}

func requireSession(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return store.Session{}, false
	}
	return session, true
}

// requireStaff admits operators and above; customers are rejected.
func requireStaff(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	session, ok := requireSession(w, r)
	if !ok {
		return store.Session{}, false
	}
	switch session.Role {
	case RoleOperator, RoleAdmin, RoleSuperadmin:
		return session, true
	default:
		writeError(w, http.StatusForbidden, "access_denied", "operator role required")
		return store.Session{}, false
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// isPublicEndpoint lists the reads a display board or kiosk hits without a
// session.
func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/token/queue", "/services":
		return r.Method == http.MethodGet
	case "/counter/status":
		return r.Method == http.MethodGet
	default:
		return r.Method == http.MethodOptions
	}
}
