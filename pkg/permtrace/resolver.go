package permtrace

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/settings"
)

var ErrTenantNotFound = errors.New(errors.ErrCodeTenantNotFound, "tenant not found")

type cacheKey struct {
	user    uuid.UUID
	tenant  uuid.UUID
	version int64
}

// Resolver computes permission traces. With a cache, entries are keyed by
// the source's data version, so any change to the underlying data misses.
type Resolver struct {
	source Source
	table  *settings.Table
	cache  *lru.Cache[cacheKey, *Trace]
	logger *slog.Logger
}

type Option func(*Resolver)

// WithCache keeps up to size traces. size <= 0 disables caching.
func WithCache(size int) Option {
	return func(r *Resolver) {
		if size <= 0 {
			r.cache = nil
			return
		}
		c, err := lru.New[cacheKey, *Trace](size)
		if err != nil {
			r.logger.Warn("Trace cache disabled", "size", size, "err", err)
			return
		}
		r.cache = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(source Source, table *settings.Table, opts ...Option) *Resolver {
	r := &Resolver{source: source, table: table, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the trace for userID in tenantID. A nil userID yields
// the tenant defaults with no profile overlay.
func (r *Resolver) Resolve(ctx context.Context, userID *uuid.UUID, tenantID uuid.UUID) (*Trace, error) {
	version, err := r.source.DataVersion(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read trace data version")
	}

	key := cacheKey{tenant: tenantID, version: version}
	if userID != nil {
		key.user = *userID
	}
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return cloneTrace(cached), nil
		}
	}

	trace, err := r.compute(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Add(key, cloneTrace(trace))
	}
	return trace, nil
}

func (r *Resolver) compute(ctx context.Context, userID *uuid.UUID, tenantID uuid.UUID) (*Trace, error) {
	tenant, err := r.source.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	trace := &Trace{
		TenantID:     tenantID,
		TableVersion: r.table.Version(),
	}
	if userID != nil {
		id := *userID
		trace.UserID = &id
	}
	loc := tenant.Location
	trace.Location = &loc

	if userID == nil {
		defaults, err := r.source.TenantDefaultRoles(ctx, tenantID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load tenant default roles")
		}
		for _, role := range defaults {
			trace.Roles = append(trace.Roles, RoleAssignment{Role: role, CompanyID: tenantID})
		}
	} else {
		assigned, err := r.source.RoleAssignments(ctx, *userID, tenantID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load role assignments")
		}
		trace.Roles = assigned

		profile, err := r.source.Profile(ctx, *userID, tenantID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load profile")
		}
		trace.Profile = profile
	}
	sortRoles(trace.Roles)

	trace.ModulePermissions = r.modulePermissions(trace.Roles)

	flags, err := r.mergeFlags(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	trace.FeatureFlags = flags

	if trace.Roles == nil {
		trace.Roles = []RoleAssignment{}
	}
	return trace, nil
}

// modulePermissions picks, per module, the held role granting the most.
func (r *Resolver) modulePermissions(roles []RoleAssignment) []ModulePermission {
	held := make([]settings.Role, 0, len(roles))
	for _, a := range roles {
		if settings.IsKnownRole(a.Role) {
			held = append(held, a.Role)
		}
	}

	perms := make([]ModulePermission, 0, len(r.table.Modules()))
	for _, id := range r.table.Modules() {
		module, _ := r.table.Module(id)
		mp := ModulePermission{ModuleKey: id, ModuleName: module.Name, Actions: []string{}, Scope: settings.ScopeOwn}

		var best *settings.Permission
		for _, role := range held {
			p := module.Roles[role]
			if best == nil || grantsMore(p, role, *best, mp.SourceRole) {
				pp := p
				best = &pp
				mp.SourceRole = role
			}
		}
		if best != nil {
			mp.Granted = best.Visible
			mp.Scope = best.Scope
			if best.Visible {
				mp.Actions = append(mp.Actions, "view")
			}
			if best.CanEdit {
				mp.Actions = append(mp.Actions, "edit")
			}
		}
		perms = append(perms, mp)
	}
	return perms
}

func grantsMore(p settings.Permission, role settings.Role, than settings.Permission, thanRole settings.Role) bool {
	if p.Visible != than.Visible {
		return p.Visible
	}
	if p.CanEdit != than.CanEdit {
		return p.CanEdit
	}
	if p.Scope.Rank() != than.Scope.Rank() {
		return p.Scope.Rank() > than.Scope.Rank()
	}
	return settings.IsHigherRole(role, thanRole)
}

// mergeFlags overlays tenant flags on defaults; the tenant value wins.
func (r *Resolver) mergeFlags(ctx context.Context, tenantID uuid.UUID) ([]FeatureFlag, error) {
	defaults, err := r.source.DefaultFlags(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load default flags")
	}
	overrides, err := r.source.TenantFlags(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load tenant flags")
	}

	merged := make(map[string]FeatureFlag, len(defaults)+len(overrides))
	for _, f := range defaults {
		merged[f.Name] = FeatureFlag{Name: f.Name, Description: f.Description, Enabled: f.Enabled, Source: FlagSourceDefault}
	}
	for _, f := range overrides {
		desc := f.Description
		if desc == "" {
			desc = merged[f.Name].Description
		}
		merged[f.Name] = FeatureFlag{Name: f.Name, Description: desc, Enabled: f.Enabled, Source: FlagSourceCompany}
	}

	out := make([]FeatureFlag, 0, len(merged))
	for _, f := range merged {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func sortRoles(roles []RoleAssignment) {
	sort.SliceStable(roles, func(i, j int) bool {
		ri, rj := settings.RoleRank(roles[i].Role), settings.RoleRank(roles[j].Role)
		if ri != rj {
			return ri > rj
		}
		if roles[i].Role != roles[j].Role {
			return roles[i].Role < roles[j].Role
		}
		return strings.Compare(roles[i].CompanyID.String(), roles[j].CompanyID.String()) < 0
	})
}

// cloneTrace copies every slice and pointer so cached traces cannot be
// modified through a returned value.
func cloneTrace(t *Trace) *Trace {
	out := *t
	if t.UserID != nil {
		id := *t.UserID
		out.UserID = &id
	}
	out.Roles = append([]RoleAssignment{}, t.Roles...)
	out.ModulePermissions = make([]ModulePermission, len(t.ModulePermissions))
	for i, mp := range t.ModulePermissions {
		mp.Actions = append([]string{}, mp.Actions...)
		out.ModulePermissions[i] = mp
	}
	out.FeatureFlags = append([]FeatureFlag{}, t.FeatureFlags...)
	if t.Location != nil {
		loc := *t.Location
		out.Location = &loc
	}
	if t.Profile != nil {
		p := *t.Profile
		out.Profile = &p
	}
	return &out
}
