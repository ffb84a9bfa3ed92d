package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/permtrace"
)

// TraceHandler returns a http.Handler for permission traces.
func TraceHandler(h *Handle) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.GetTrace)
	return r
}

type Handle struct {
	resolver *permtrace.Resolver
}

func NewHandle(resolver *permtrace.Resolver) *Handle {
	return &Handle{resolver: resolver}
}

// GetTrace resolves the permission trace of a user in a tenant. Without
// user_id the tenant defaults are returned.
// (GET /?tenant_id=&user_id=)
func (h *Handle) GetTrace(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		errors.Render(w, r, errors.InvalidInput("tenant_id", "must be a UUID"))
		return
	}

	var userID *uuid.UUID
	if v := r.URL.Query().Get("user_id"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			errors.Render(w, r, errors.InvalidInput("user_id", "must be a UUID"))
			return
		}
		userID = &parsed
	}

	trace, err := h.resolver.Resolve(r.Context(), userID, tenantID)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	render.JSON(w, r, trace)
}
