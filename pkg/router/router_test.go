package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-delegate/pkg/audit"
	pkgconfig "github.com/tendant/simple-delegate/pkg/config"
	"github.com/tendant/simple-delegate/pkg/impersonate"
	impersonateapi "github.com/tendant/simple-delegate/pkg/impersonate/api"
	"github.com/tendant/simple-delegate/pkg/metrics"
	"github.com/tendant/simple-delegate/pkg/permtrace"
	permtraceapi "github.com/tendant/simple-delegate/pkg/permtrace/api"
	"github.com/tendant/simple-delegate/pkg/ratelimit"
	"github.com/tendant/simple-delegate/pkg/settings"
	settingsapi "github.com/tendant/simple-delegate/pkg/settings/api"
	"github.com/tendant/simple-delegate/pkg/stepup"
	stepupapi "github.com/tendant/simple-delegate/pkg/stepup/api"
)

const jwtSecret = "test-secret-key-for-testing-only"

// createTestConfig wires every handler against in-memory stores
func createTestConfig(t *testing.T) Config {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	service := impersonate.NewService(impersonate.NewInMemoryBackend(), impersonate.WithClock(clock))
	gate := stepup.NewGate(stepup.NewMemoryFactorStore(), stepup.NewMemoryGrantStore(clock), stepup.WithClock(clock))
	recorder := audit.NewRecorder(audit.NewMemoryStore(), service, audit.WithClock(clock))
	table := settings.Default()

	limiter := ratelimit.New(1, 0.001, 0, clock)
	t.Cleanup(limiter.Stop)

	return Config{
		PrefixConfig:    pkgconfig.DefaultPrefixes(),
		SessionHandle:   impersonateapi.NewHandle(impersonate.NewOrchestrator(service, gate), service, recorder),
		StepUpHandle:    stepupapi.NewHandle(gate),
		TraceHandle:     permtraceapi.NewHandle(permtrace.NewResolver(permtrace.NewMemorySource(), table)),
		SettingsHandle:  settingsapi.NewHandle(table),
		Auth:            jwtauth.New("HS256", []byte(jwtSecret), nil),
		Metrics:         metrics.New(),
		StepUpLimiter:   limiter,
		AuditMiddleware: audit.NewMiddleware(recorder, audit.MiddlewareConfig{}),
		AppRoutes: func(r chi.Router) {
			r.HandleFunc("/app/records", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		},
	}
}

func bearer(t *testing.T, cfg Config, sub uuid.UUID, extra map[string]interface{}) string {
	t.Helper()
	_, token, err := cfg.Auth.Encode(map[string]interface{}{"sub": sub.String(), "extra_claims": extra})
	require.NoError(t, err)
	return "Bearer " + token
}

func do(r http.Handler, method, path, auth string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// TestSetupRoutes tests that all routes are properly mounted
func TestSetupRoutes(t *testing.T) {
	r := chi.NewRouter()
	cfg := createTestConfig(t)
	SetupRoutes(r, cfg)

	superadmin := bearer(t, cfg, uuid.New(), map[string]interface{}{"roles": []string{"superadmin"}})
	employee := bearer(t, cfg, uuid.New(), map[string]interface{}{"roles": []string{"employee"}})

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		body       any
		wantStatus int
	}{
		{
			name:       "private requires a token",
			method:     http.MethodGet,
			path:       "/private",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "private with token",
			method:     http.MethodGet,
			path:       "/private",
			auth:       employee,
			wantStatus: http.StatusOK,
		},
		{
			name:       "sessions require superadmin",
			method:     http.MethodGet,
			path:       "/api/impersonation/sessions/active",
			auth:       employee,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "active session lookup",
			method:     http.MethodGet,
			path:       "/api/impersonation/sessions/active",
			auth:       superadmin,
			wantStatus: http.StatusOK,
		},
		{
			name:   "start session",
			method: http.MethodPost,
			path:   "/api/impersonation/sessions",
			auth:   superadmin,
			body: map[string]any{
				"target_user_id":     uuid.New(),
				"mode":               "view_only",
				"justification":      "TICKET-1 reproduce missing shift",
				"justification_type": "ticket",
				"duration_minutes":   30,
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "trace for unknown tenant",
			method:     http.MethodGet,
			path:       "/api/impersonation/trace?tenant_id=" + uuid.NewString(),
			auth:       superadmin,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "settings lookup for any authenticated caller",
			method:     http.MethodGet,
			path:       "/api/settings/permissions/absence/employee",
			auth:       employee,
			wantStatus: http.StatusOK,
		},
		{
			name:       "metrics are public",
			method:     http.MethodGet,
			path:       "/metrics",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.auth, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestStepUpIsRateLimitedPerIP(t *testing.T) {
	r := chi.NewRouter()
	cfg := createTestConfig(t)
	SetupRoutes(r, cfg)
	superadmin := bearer(t, cfg, uuid.New(), map[string]interface{}{"roles": []string{"superadmin"}})

	w := do(r, http.MethodPost, "/api/impersonation/stepup/verify", superadmin, map[string]any{"code": "123456"})
	assert.Equal(t, http.StatusForbidden, w.Code, "not enrolled")

	w = do(r, http.MethodPost, "/api/impersonation/stepup/verify", superadmin, map[string]any{"code": "123456"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestImpersonatedAppTrafficIsAudited(t *testing.T) {
	r := chi.NewRouter()
	cfg := createTestConfig(t)
	SetupRoutes(r, cfg)

	token := bearer(t, cfg, uuid.New(), map[string]interface{}{
		"roles": []string{"superadmin"},
		"impersonation": map[string]interface{}{
			"session_id":   uuid.NewString(),
			"mode":         "view_only",
			"orig_user_id": uuid.NewString(),
		},
	})

	w := do(r, http.MethodGet, "/app/records", token, nil)
	assert.Equal(t, http.StatusOK, w.Code, "reads pass through")

	w = do(r, http.MethodPost, "/app/records", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "view_only cannot mutate")

	w = do(r, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `route="/app/records",status="403"`), "requests are instrumented by route")
}
