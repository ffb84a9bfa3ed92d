package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/permtrace"
	"github.com/tendant/simple-delegate/pkg/settings"
)

func TestTraceHandler(t *testing.T) {
	src := permtrace.NewMemorySource()
	tenant := uuid.New()
	user := uuid.New()
	src.PutTenant(permtrace.Tenant{ID: tenant, Name: "Acme GmbH", Location: permtrace.LocationRules{Country: "DE", Currency: "EUR"}})
	src.AssignRole(user, tenant, permtrace.RoleAssignment{Role: settings.RoleManager, CompanyID: tenant, AssignedAt: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)})
	src.SetTenantDefaultRoles(tenant, settings.RoleEmployee)
	h := TraceHandler(NewHandle(permtrace.NewResolver(src, settings.Default())))

	get := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?"+query, nil))
		return rec
	}

	t.Run("user trace", func(t *testing.T) {
		rec := get("tenant_id=" + tenant.String() + "&user_id=" + user.String())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var trace permtrace.Trace
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trace))
		require.NotNil(t, trace.UserID)
		assert.Equal(t, user, *trace.UserID)
		require.Len(t, trace.Roles, 1)
		assert.Equal(t, settings.RoleManager, trace.Roles[0].Role)
		require.NotNil(t, trace.Location)
		assert.Equal(t, "EUR", trace.Location.Currency)
	})

	t.Run("tenant defaults without user", func(t *testing.T) {
		rec := get("tenant_id=" + tenant.String())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var trace permtrace.Trace
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trace))
		assert.Nil(t, trace.UserID)
		assert.Nil(t, trace.Profile)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		rec := get("tenant_id=" + uuid.NewString())
		assert.Equal(t, http.StatusNotFound, rec.Code)
		var resp errors.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, errors.ErrCodeTenantNotFound, resp.Code)
	})

	t.Run("bad ids", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get("").Code)
		assert.Equal(t, http.StatusBadRequest, get("tenant_id="+tenant.String()+"&user_id=x").Code)
	})
}
