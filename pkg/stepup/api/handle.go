package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/stepup"
)

// StepUpHandler returns a http.Handler for step-up verification.
func StepUpHandler(h *Handle) http.Handler {
	r := chi.NewRouter()
	r.Post("/verify", h.Verify)
	r.Post("/enroll", h.Enroll)
	r.Get("/grant", h.GetGrant)
	return r
}

type Handle struct {
	gate *stepup.Gate
}

func NewHandle(gate *stepup.Gate) *Handle {
	return &Handle{gate: gate}
}

type VerifyRequest struct {
	Code         string `json:"code"`
	IsBackupCode bool   `json:"is_backup_code"`
}

type VerifyResponse struct {
	Verified  bool      `json:"verified"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GrantResponse struct {
	Active bool `json:"active"`
}

// Verify checks a code and issues a grant for the next privileged operation.
// (POST /verify)
func (h *Handle) Verify(w http.ResponseWriter, r *http.Request) {
	var data VerifyRequest
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		errors.Render(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	grant, err := h.gate.Verify(r.Context(), caller.FromContext(r.Context()), data.Code, data.IsBackupCode)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	render.JSON(w, r, VerifyResponse{Verified: true, ExpiresAt: grant.ExpiresAt})
}

// Enroll creates the caller's factor. The secret and backup codes are only
// ever returned here.
// (POST /enroll)
func (h *Handle) Enroll(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.gate.Enroll(r.Context(), caller.FromContext(r.Context()))
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, enrollment)
}

// (GET /grant)
func (h *Handle) GetGrant(w http.ResponseWriter, r *http.Request) {
	c := caller.FromContext(r.Context())
	if err := c.Authenticated(); err != nil {
		errors.Render(w, r, err)
		return
	}
	ok, err := h.gate.HasGrant(r.Context(), c)
	if err != nil {
		errors.Render(w, r, errors.Wrap(err, errors.ErrCodeVerificationServiceError, "failed to read grant"))
		return
	}
	render.JSON(w, r, GrantResponse{Active: ok})
}
