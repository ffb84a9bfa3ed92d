package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlzd/gotp"

	"github.com/tendant/simple-delegate/pkg/audit"
	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/impersonate"
	"github.com/tendant/simple-delegate/pkg/stepup"
)

const stepUpSecret = "JBSWY3DPEHPK3PXP"

type testServer struct {
	clock   *clockwork.FakeClock
	gate    *stepup.Gate
	router  chi.Router
	current caller.Caller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		current: caller.Caller{ActorID: uuid.New(), Roles: []string{caller.RoleSuperadmin}},
	}

	factors := stepup.NewMemoryFactorStore()
	require.NoError(t, factors.SaveFactor(context.Background(), stepup.Factor{ActorID: s.current.ActorID, TOTPSecret: stepUpSecret}))
	s.gate = stepup.NewGate(factors, stepup.NewMemoryGrantStore(s.clock), stepup.WithClock(s.clock))

	service := impersonate.NewService(impersonate.NewInMemoryBackend(), impersonate.WithClock(s.clock))
	recorder := audit.NewRecorder(audit.NewMemoryStore(), service, audit.WithClock(s.clock))
	h := NewHandle(impersonate.NewOrchestrator(service, s.gate), service, recorder)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(caller.NewContext(r.Context(), s.current)))
		})
	})
	r.Mount("/sessions", SessionHandler(h))
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func viewOnlyBody() map[string]any {
	return map[string]any{
		"target_user_id":     uuid.New(),
		"mode":               "view_only",
		"justification":      "TICKET-4411 customer cannot see payslips",
		"justification_type": "ticket",
		"duration_minutes":   30,
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/sessions", viewOnlyBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decodeBody[StartResponse](t, rec)
	assert.Equal(t, s.clock.Now().Add(30*time.Minute), started.ExpiresAt)
	assert.Nil(t, started.Token)

	rec = s.do(t, http.MethodGet, "/sessions/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeBody[ActiveResponse](t, rec)
	assert.True(t, active.Active)
	require.NotNil(t, active.Session)
	assert.Equal(t, started.SessionID, active.Session.ID)

	rec = s.do(t, http.MethodPost, "/sessions/"+started.SessionID.String()+"/extend", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	extended := decodeBody[ExtendResponse](t, rec)
	assert.Equal(t, started.ExpiresAt.Add(15*time.Minute), extended.NewExpiresAt)

	rec = s.do(t, http.MethodPost, "/sessions/"+started.SessionID.String()+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ended := decodeBody[EndResponse](t, rec)
	assert.Equal(t, started.SessionID, ended.SessionID)

	rec = s.do(t, http.MethodGet, "/sessions/active", nil)
	assert.False(t, decodeBody[ActiveResponse](t, rec).Active)

	rec = s.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]SessionResponse](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, started.SessionID, history[0].ID)
	assert.Equal(t, "ended", history[0].Status)
	assert.Equal(t, "view_only", history[0].Mode)
}

func TestStartErrors(t *testing.T) {
	s := newTestServer(t)

	body := viewOnlyBody()
	body["duration_minutes"] = 0
	rec := s.do(t, http.MethodPost, "/sessions", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidInput, decodeBody[errors.Response](t, rec).Code)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/sessions", viewOnlyBody()).Code)
	rec = s.do(t, http.MethodPost, "/sessions", viewOnlyBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.ErrCodeSessionAlreadyActive, decodeBody[errors.Response](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{not json"))
	out := httptest.NewRecorder()
	s.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestActAsNeedsStepUpOverHTTP(t *testing.T) {
	s := newTestServer(t)
	body := viewOnlyBody()
	body["mode"] = "act_as"
	body["justification_type"] = "support"

	rec := s.do(t, http.MethodPost, "/sessions", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, errors.ErrCodeStepUpRequired, decodeBody[errors.Response](t, rec).Code)

	code := gotp.NewDefaultTOTP(stepUpSecret).At(s.clock.Now().Unix())
	_, err := s.gate.Verify(context.Background(), s.current, code, false)
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/sessions", body)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestEndAndExtendErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/sessions/not-a-uuid/end", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+uuid.NewString()+"/end", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	started := decodeBody[StartResponse](t, s.do(t, http.MethodPost, "/sessions", viewOnlyBody()))
	rec = s.do(t, http.MethodPost, "/sessions/"+started.SessionID.String()+"/extend", ExtendRequest{AdditionalMinutes: 10_000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.clock.Advance(31 * time.Minute)
	rec = s.do(t, http.MethodPost, "/sessions/"+started.SessionID.String()+"/extend", ExtendRequest{AdditionalMinutes: 5})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, errors.ErrCodeSessionExpired, decodeBody[errors.Response](t, rec).Code)
}

func TestRevokeOverHTTP(t *testing.T) {
	s := newTestServer(t)
	owner := s.current
	started := decodeBody[StartResponse](t, s.do(t, http.MethodPost, "/sessions", viewOnlyBody()))
	path := "/sessions/" + started.SessionID.String() + "/revoke"

	rec := s.do(t, http.MethodPost, path, RevokeRequest{Reason: "INC-77"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "an actor cannot revoke their own session")

	s.current = caller.Caller{ActorID: uuid.New(), Roles: []string{caller.RoleSuperadmin}}
	rec = s.do(t, http.MethodPost, path, RevokeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path, RevokeRequest{Reason: "INC-77"})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	s.current = owner
	rec = s.do(t, http.MethodGet, "/sessions/active", nil)
	assert.False(t, decodeBody[ActiveResponse](t, rec).Active)
}

func TestAuditOverHTTP(t *testing.T) {
	s := newTestServer(t)
	owner := s.current
	started := decodeBody[StartResponse](t, s.do(t, http.MethodPost, "/sessions", viewOnlyBody()))
	path := "/sessions/" + started.SessionID.String() + "/audit"

	rec := s.do(t, http.MethodPost, path, map[string]any{
		"action":        "update",
		"resource_type": "employee",
		"old_values":    map[string]any{"salary": 100},
		"new_values":    map[string]any{"salary": 120},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	recorded := decodeBody[RecordResponse](t, rec)
	assert.NotEmpty(t, recorded.ID)

	rec = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decodeBody[[]AuditEntryResponse](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, recorded.ID, entries[0].ID)
	assert.Equal(t, owner.ActorID, entries[0].ActorID)
	assert.Equal(t, "employee", entries[0].ResourceType)
	require.Len(t, entries[0].Diff, 1)
	assert.Equal(t, "salary", entries[0].Diff[0].Key)

	s.current = caller.Caller{ActorID: uuid.New(), Roles: []string{"admin"}}
	rec = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s.current = caller.Caller{}
	rec = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
