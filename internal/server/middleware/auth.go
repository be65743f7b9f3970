package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/activitycast/pkg/auth"
)

const (
	sessionCookie    = "session-token"
	accessTokenParam = "access_token"
)

// NewAuthMiddleware rejects requests without a verifiable bearer credential and
// records the principal in the request metadata.
func NewAuthMiddleware(logger *slog.Logger, verifier auth.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.Warn("Credential missing in request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			principal, err := verifier.Verify(tokenString)
			if err != nil {
				logger.Warn("Invalid credential presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = principal.Username
			reqMeta.DisplayName = principal.DisplayName
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken looks in the Authorization header, then the access_token query
// parameter (browsers cannot set headers on websocket upgrades), then the session cookie.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if token := r.URL.Query().Get(accessTokenParam); token != "" {
		return token
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
