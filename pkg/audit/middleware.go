package audit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
)

// MiddlewareConfig controls which impersonated requests are recorded.
type MiddlewareConfig struct {
	// RecordReads also records GET and HEAD requests.
	RecordReads bool
	// ResourceType names the resource when the route does not; defaults to "http".
	ResourceType string
}

type Middleware struct {
	recorder *Recorder
	config   MiddlewareConfig
}

func NewMiddleware(recorder *Recorder, config MiddlewareConfig) *Middleware {
	if config.ResourceType == "" {
		config.ResourceType = "http"
	}
	return &Middleware{recorder: recorder, config: config}
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// Handler audits requests whose token carries an impersonation context.
// The entry is written before the request runs; if it cannot be written the
// request is refused. Mutating requests in view_only sessions are refused.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := caller.FromContext(r.Context())
		imp := c.Impersonation
		if imp == nil {
			next.ServeHTTP(w, r)
			return
		}

		read := isRead(r.Method)
		if !read && imp.Mode != "act_as" {
			slog.Warn("Mutating request refused in view_only session", "caller", c, "method", r.Method, "path", r.URL.Path)
			errors.Render(w, r, errors.Forbidden("view_only session cannot modify data"))
			return
		}
		if read && !m.config.RecordReads {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}

		_, err := m.recorder.Record(r.Context(), c, RecordRequest{
			SessionID:    imp.SessionID,
			Action:       r.Method + " " + endpoint,
			ResourceType: m.config.ResourceType,
			Endpoint:     r.URL.Path,
			Method:       r.Method,
		})
		if err != nil {
			errors.Render(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
