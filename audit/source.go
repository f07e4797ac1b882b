package audit

import (
	"context"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type sourceKey struct{}

// WithSource adds request source information to the context.
func WithSource(ctx context.Context, src *Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFromContext is a SourceExtractor reading what RequestSource stored.
func SourceFromContext(ctx context.Context) *Source {
	src, _ := ctx.Value(sourceKey{}).(*Source)
	return src
}

// RequestSource is HTTP middleware that records the client address, user
// agent and chi request ID for SourceFromContext. Put it after chi's
// RealIP and RequestID middleware to pick up their values.
func RequestSource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		src := &Source{
			IPAddress: ip,
			UserAgent: r.UserAgent(),
			RequestID: chimw.GetReqID(r.Context()),
		}
		next.ServeHTTP(w, r.WithContext(WithSource(r.Context(), src)))
	})
}
