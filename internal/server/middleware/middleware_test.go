package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/a-essam23/activitycast/pkg/config"
	"github.com/a-essam23/activitycast/pkg/logging"
)

func whoAmI(w http.ResponseWriter, r *http.Request) {
	meta, _ := ReqMetadataFrom(r.Context())
	w.Write([]byte(meta.UserID))
}

func TestAuthMiddleware(t *testing.T) {
	issuer := auth.NewJWT("test-secret", 0)
	token, _ := issuer.Issue("bob", "Bob")
	h := Chain(http.HandlerFunc(whoAmI),
		RequestMetadataMiddleware(),
		NewAuthMiddleware(logging.Discard(), issuer),
	)

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "access_token=" + token }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session-token", Value: token}) }, http.StatusOK},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.status == http.StatusOK && rec.Body.String() != "bob" {
				t.Errorf("expected principal bob, got %q", rec.Body.String())
			}
		})
	}
}

func TestConnectionLimiter(t *testing.T) {
	cycled := ""
	limiter := func(mode string) http.Handler {
		return Chain(http.HandlerFunc(whoAmI),
			RequestMetadataMiddleware(),
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					meta, _ := ReqMetadataFrom(r.Context())
					meta.UserID = "bob"
					next.ServeHTTP(w, r)
				})
			},
			NewConnectionLimiter(logging.Discard(),
				func(string) (int, error) { return 2, nil },
				func(userID string) { cycled = userID },
				config.ConnectionLimitConfig{MaxPerUser: 2, Mode: mode},
			),
		)
	}

	rec := httptest.NewRecorder()
	limiter("reject").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 in reject mode, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	limiter("cycle").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusOK || cycled != "bob" {
		t.Errorf("expected cycle mode to close oldest and continue, got %d cycled=%q", rec.Code, cycled)
	}
}
