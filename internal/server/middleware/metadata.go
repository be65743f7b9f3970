package middleware

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata is filled in by the middleware chain as the request passes through.
type RequestMetadata struct {
	IP          string
	UserID      string
	DisplayName string
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// WithRequestMetadata returns a copy of ctx carrying meta.
func WithRequestMetadata(ctx context.Context, meta *RequestMetadata) context.Context {
	return context.WithValue(ctx, reqMetaKey, meta)
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			next.ServeHTTP(w, r.WithContext(WithRequestMetadata(r.Context(), reqMeta)))
		})
	}
}
