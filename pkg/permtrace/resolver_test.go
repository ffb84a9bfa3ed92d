package permtrace

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/settings"
)

type seeded struct {
	source *MemorySource
	tenant uuid.UUID
	user   uuid.UUID
}

func seed(t *testing.T) seeded {
	t.Helper()
	src := NewMemorySource()
	tenant := uuid.New()
	user := uuid.New()

	src.PutTenant(Tenant{ID: tenant, Name: "Acme GmbH", Location: LocationRules{
		Country: "DE", Timezone: "Europe/Berlin", HolidayRegion: "DE-BY", Language: "de", Currency: "EUR",
	}})
	src.AssignRole(user, tenant, RoleAssignment{Role: settings.RoleEmployee, CompanyID: tenant, AssignedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)})
	src.AssignRole(user, tenant, RoleAssignment{Role: settings.RoleManager, CompanyID: tenant, AssignedAt: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)})
	src.SetTenantDefaultRoles(tenant, settings.RoleEmployee)
	src.SetDefaultFlag(FlagValue{Name: "shift_swaps", Description: "Allow shift swaps", Enabled: false})
	src.SetDefaultFlag(FlagValue{Name: "companion", Description: "Chat assistant", Enabled: true})
	src.SetTenantFlag(tenant, FlagValue{Name: "shift_swaps", Enabled: true})
	src.PutProfile(user, tenant, ProfileOverlay{Name: "Grace Hopper", Email: "grace@acme.test", Department: "Engineering", Position: "Lead"})

	return seeded{source: src, tenant: tenant, user: user}
}

func findModule(t *testing.T, trace *Trace, key string) ModulePermission {
	t.Helper()
	for _, mp := range trace.ModulePermissions {
		if mp.ModuleKey == key {
			return mp
		}
	}
	t.Fatalf("module %s not in trace", key)
	return ModulePermission{}
}

func TestResolve_User(t *testing.T) {
	s := seed(t)
	r := NewResolver(s.source, settings.Default())

	trace, err := r.Resolve(context.Background(), &s.user, s.tenant)
	require.NoError(t, err)

	require.Len(t, trace.Roles, 2)
	assert.Equal(t, settings.RoleManager, trace.Roles[0].Role, "highest role first")

	onboarding := findModule(t, trace, "onboarding")
	assert.True(t, onboarding.Granted)
	assert.Equal(t, settings.RoleManager, onboarding.SourceRole)
	assert.Equal(t, []string{"view"}, onboarding.Actions)
	assert.Equal(t, settings.ScopeDepartment, onboarding.Scope)

	billing := findModule(t, trace, "billing")
	assert.False(t, billing.Granted)
	assert.Empty(t, billing.Actions)

	require.Len(t, trace.FeatureFlags, 2)
	assert.Equal(t, "companion", trace.FeatureFlags[0].Name)
	assert.Equal(t, FlagSourceDefault, trace.FeatureFlags[0].Source)
	swaps := trace.FeatureFlags[1]
	assert.True(t, swaps.Enabled, "tenant override wins")
	assert.Equal(t, FlagSourceCompany, swaps.Source)
	assert.Equal(t, "Allow shift swaps", swaps.Description)

	require.NotNil(t, trace.Location)
	assert.Equal(t, "DE-BY", trace.Location.HolidayRegion)
	require.NotNil(t, trace.Profile)
	assert.Equal(t, "Grace Hopper", trace.Profile.Name)
	assert.Equal(t, settings.Default().Version(), trace.TableVersion)
}

func TestResolve_PreTenant(t *testing.T) {
	s := seed(t)
	r := NewResolver(s.source, settings.Default())

	trace, err := r.Resolve(context.Background(), nil, s.tenant)
	require.NoError(t, err)

	assert.Nil(t, trace.UserID)
	assert.Nil(t, trace.Profile, "no personal overlay without a user")
	require.Len(t, trace.Roles, 1)
	assert.Equal(t, settings.RoleEmployee, trace.Roles[0].Role)

	absence := findModule(t, trace, "absence")
	assert.Equal(t, settings.ScopeOwn, absence.Scope)
}

func TestResolve_UnknownTenant(t *testing.T) {
	s := seed(t)
	r := NewResolver(s.source, settings.Default())

	_, err := r.Resolve(context.Background(), &s.user, uuid.New())
	assert.True(t, errors.IsCode(err, errors.ErrCodeTenantNotFound))
}

func TestResolve_Deterministic(t *testing.T) {
	s := seed(t)
	for _, opts := range [][]Option{nil, {WithCache(16)}} {
		r := NewResolver(s.source, settings.Default(), opts...)

		first, err := r.Resolve(context.Background(), &s.user, s.tenant)
		require.NoError(t, err)
		second, err := r.Resolve(context.Background(), &s.user, s.tenant)
		require.NoError(t, err)

		assert.Equal(t, first, second)
	}
}

func TestResolve_CacheInvalidatesOnChange(t *testing.T) {
	s := seed(t)
	r := NewResolver(s.source, settings.Default(), WithCache(16))
	ctx := context.Background()

	before, err := r.Resolve(ctx, &s.user, s.tenant)
	require.NoError(t, err)

	// Mutating a returned trace must not leak into the cache
	before.ModulePermissions[0].Actions = append(before.ModulePermissions[0].Actions, "hacked")
	again, err := r.Resolve(ctx, &s.user, s.tenant)
	require.NoError(t, err)
	assert.NotContains(t, again.ModulePermissions[0].Actions, "hacked")

	s.source.AssignRole(s.user, s.tenant, RoleAssignment{Role: settings.RoleAdmin, CompanyID: s.tenant})
	after, err := r.Resolve(ctx, &s.user, s.tenant)
	require.NoError(t, err)

	assert.Equal(t, settings.RoleAdmin, after.Roles[0].Role)
	billing := findModule(t, after, "billing")
	assert.True(t, billing.Granted)
	assert.Equal(t, []string{"view", "edit"}, billing.Actions)
}
