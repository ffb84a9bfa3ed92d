package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/tendant/simple-delegate/pkg/audit"
	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/impersonate"
	"github.com/tendant/simple-delegate/pkg/refresh"
)

// Handle serves the session lifecycle and the per-session audit log.
type Handle struct {
	orchestrator *impersonate.Orchestrator
	service      *impersonate.Service
	recorder     *audit.Recorder
}

func NewHandle(orchestrator *impersonate.Orchestrator, service *impersonate.Service, recorder *audit.Recorder) *Handle {
	return &Handle{orchestrator: orchestrator, service: service, recorder: recorder}
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type StartResponse struct {
	SessionID uuid.UUID      `json:"session_id"`
	ExpiresAt time.Time      `json:"expires_at"`
	Token     *TokenResponse `json:"token,omitempty"`
}

type EndResponse struct {
	SessionID uuid.UUID      `json:"session_id"`
	EndedAt   time.Time      `json:"ended_at"`
	Token     *TokenResponse `json:"token,omitempty"`
}

type ExtendRequest struct {
	AdditionalMinutes int `json:"additional_minutes"`
}

type ExtendResponse struct {
	SessionID    uuid.UUID `json:"session_id"`
	NewExpiresAt time.Time `json:"new_expires_at"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
}

type ActiveResponse struct {
	Active  bool                       `json:"active"`
	Session *impersonate.ActiveSession `json:"session,omitempty"`
}

// SessionResponse is the history view of a session. Scratch state and
// metadata are not exposed.
type SessionResponse struct {
	ID                uuid.UUID  `json:"id"`
	ActorID           uuid.UUID  `json:"actor_id"`
	TargetUserID      *uuid.UUID `json:"target_user_id,omitempty"`
	TargetTenantID    *uuid.UUID `json:"target_tenant_id,omitempty"`
	TargetUserName    string     `json:"target_user_name,omitempty"`
	TargetTenantName  string     `json:"target_tenant_name,omitempty"`
	Mode              string     `json:"mode"`
	Justification     string     `json:"justification"`
	JustificationType string     `json:"justification_type"`
	StartedAt         time.Time  `json:"started_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Status            string     `json:"status"`
	IsPreTenant       bool       `json:"is_pre_tenant"`
	RevokedBy         *uuid.UUID `json:"revoked_by,omitempty"`
	RevokeReason      string     `json:"revoke_reason,omitempty"`
}

type AuditEntryResponse struct {
	ID                      string          `json:"id"`
	ActorID                 uuid.UUID       `json:"actor_id"`
	PerformedBySuperadminID uuid.UUID       `json:"performed_by_superadmin_id"`
	Action                  string          `json:"action"`
	ResourceType            string          `json:"resource_type"`
	ResourceID              *string         `json:"resource_id,omitempty"`
	OldValues               json.RawMessage `json:"old_values,omitempty"`
	NewValues               json.RawMessage `json:"new_values,omitempty"`
	Diff                    []audit.Change  `json:"diff,omitempty"`
	Endpoint                string          `json:"endpoint,omitempty"`
	Method                  string          `json:"method,omitempty"`
	RiskLevel               string          `json:"risk_level"`
	CreatedAt               time.Time       `json:"created_at"`
}

type RecordResponse struct {
	ID string `json:"id"`
}

func tokenResponse(t *refresh.Token) *TokenResponse {
	if t == nil {
		return nil
	}
	return &TokenResponse{AccessToken: t.AccessToken, ExpiresAt: t.ExpiresAt}
}

func sessionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.InvalidInput("session id", "must be a UUID")
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

// Start handles POST /sessions.
func (h *Handle) Start(w http.ResponseWriter, r *http.Request) {
	c := caller.FromContext(r.Context())
	var req impersonate.StartRequest
	if err := decode(r, &req); err != nil {
		errors.Render(w, r, err)
		return
	}

	res, err := h.orchestrator.StartSession(r.Context(), c, req)
	if err != nil {
		errors.Render(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, StartResponse{SessionID: res.SessionID, ExpiresAt: res.ExpiresAt, Token: tokenResponse(res.Token)})
}

// GetActive handles GET /sessions/active.
func (h *Handle) GetActive(w http.ResponseWriter, r *http.Request) {
	active, err := h.service.GetActive(r.Context(), caller.FromContext(r.Context()))
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	render.JSON(w, r, ActiveResponse{Active: active != nil, Session: active})
}

// End handles POST /sessions/{id}/end.
func (h *Handle) End(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	res, err := h.service.End(r.Context(), caller.FromContext(r.Context()), id)
	if err != nil {
		errors.Render(w, r, err)
		return
	}

	render.JSON(w, r, EndResponse{SessionID: res.SessionID, EndedAt: res.EndedAt, Token: tokenResponse(res.Token)})
}

// Extend handles POST /sessions/{id}/extend. An empty body extends by the
// default amount.
func (h *Handle) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	var req ExtendRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			errors.Render(w, r, err)
			return
		}
	}

	res, err := h.service.Extend(r.Context(), caller.FromContext(r.Context()), id, req.AdditionalMinutes)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	render.JSON(w, r, ExtendResponse{SessionID: res.SessionID, NewExpiresAt: res.ExpiresAt})
}

// Revoke handles POST /sessions/{id}/revoke.
func (h *Handle) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	var req RevokeRequest
	if err := decode(r, &req); err != nil {
		errors.Render(w, r, err)
		return
	}
	if err := h.service.Revoke(r.Context(), caller.FromContext(r.Context()), id, req.Reason); err != nil {
		errors.Render(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// ListHistory handles GET /sessions?actor_id=&limit=. Without actor_id the
// caller's own history is listed.
func (h *Handle) ListHistory(w http.ResponseWriter, r *http.Request) {
	c := caller.FromContext(r.Context())
	actorID := c.ActorID
	if v := r.URL.Query().Get("actor_id"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			errors.Render(w, r, errors.InvalidInput("actor_id", "must be a UUID"))
			return
		}
		actorID = parsed
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := h.service.ListHistory(r.Context(), c, actorID, limit)
	if err != nil {
		errors.Render(w, r, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	if err := copier.Copy(&resp, &sessions); err != nil {
		errors.Render(w, r, errors.Wrap(err, errors.ErrCodeInternal, "failed to build response"))
		return
	}
	render.JSON(w, r, resp)
}

// ListAudit handles GET /sessions/{id}/audit. The session's actor and
// superadmins may read it.
func (h *Handle) ListAudit(w http.ResponseWriter, r *http.Request) {
	c := caller.FromContext(r.Context())
	id, err := sessionID(r)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	if err := c.Authenticated(); err != nil {
		errors.Render(w, r, err)
		return
	}
	info, err := h.service.LookupSession(r.Context(), id)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	if info.ActorID != c.ActorID && !c.IsSuperadmin() {
		errors.Render(w, r, errors.Forbidden("session belongs to another actor"))
		return
	}

	entries, err := h.recorder.ListForSession(r.Context(), id)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	resp := make([]AuditEntryResponse, 0, len(entries))
	if err := copier.Copy(&resp, &entries); err != nil {
		errors.Render(w, r, errors.Wrap(err, errors.ErrCodeInternal, "failed to build response"))
		return
	}
	render.JSON(w, r, resp)
}

// RecordAudit handles POST /sessions/{id}/audit.
func (h *Handle) RecordAudit(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	var req audit.RecordRequest
	if err := decode(r, &req); err != nil {
		errors.Render(w, r, err)
		return
	}
	req.SessionID = id
	if req.Endpoint == "" {
		req.Endpoint = r.URL.Path
	}

	entryID, err := h.recorder.Record(r.Context(), caller.FromContext(r.Context()), req)
	if err != nil {
		errors.Render(w, r, err)
		return
	}
	slog.Debug("Audit entry recorded via API", "id", entryID, "session", id)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, RecordResponse{ID: entryID})
}

// SessionHandler returns a http.Handler for the session API.
func SessionHandler(h *Handle) http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.Start)
	r.Get("/", h.ListHistory)
	r.Get("/active", h.GetActive)
	r.Post("/{id}/end", h.End)
	r.Post("/{id}/extend", h.Extend)
	r.Post("/{id}/revoke", h.Revoke)
	r.Get("/{id}/audit", h.ListAudit)
	r.Post("/{id}/audit", h.RecordAudit)
	return r
}
