package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-delegate/pkg/audit"
	"github.com/tendant/simple-delegate/pkg/events"
)

func TestPublish(t *testing.T) {
	m := New()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, m.Publish(ctx, events.Event{Type: events.SessionStarted, Mode: "act_as", OccurredAt: at, ExpiresAt: at.Add(30 * time.Minute)}))
	require.NoError(t, m.Publish(ctx, events.Event{Type: events.SessionStarted, Mode: "act_as", OccurredAt: at, ExpiresAt: at.Add(time.Hour)}))
	require.NoError(t, m.Publish(ctx, events.Event{Type: events.SessionEnded, Mode: "view_only"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessions.WithLabelValues("session.started", "act_as")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("session.ended", "view_only")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sessionWindow))
}

func TestObservers(t *testing.T) {
	m := New()
	m.ObserveStepUp("success")
	m.ObserveStepUp("invalid_code")
	m.ObserveStepUp("invalid_code")
	m.ObserveAudit(audit.Entry{RiskLevel: audit.RiskHigh})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepUp.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepUp.WithLabelValues("invalid_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditEntries.WithLabelValues("high")))
}

func TestInstrumentAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/sessions/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `impersonation_http_requests_total{method="GET",route="/sessions/{id}",status="404"} 3`)
}
