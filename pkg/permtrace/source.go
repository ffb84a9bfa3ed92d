package permtrace

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/simple-delegate/pkg/settings"
)

// Source supplies the raw data a trace is computed from.
type Source interface {
	// DataVersion changes whenever any data returned by the other methods
	// changes. Cached traces are keyed by it.
	DataVersion(ctx context.Context) (int64, error)
	// Tenant returns ErrTenantNotFound for unknown tenants.
	Tenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error)
	RoleAssignments(ctx context.Context, userID, tenantID uuid.UUID) ([]RoleAssignment, error)
	TenantDefaultRoles(ctx context.Context, tenantID uuid.UUID) ([]settings.Role, error)
	DefaultFlags(ctx context.Context) ([]FlagValue, error)
	TenantFlags(ctx context.Context, tenantID uuid.UUID) ([]FlagValue, error)
	// Profile returns nil when the user has no profile in the tenant.
	Profile(ctx context.Context, userID, tenantID uuid.UUID) (*ProfileOverlay, error)
}

type userTenant struct {
	user   uuid.UUID
	tenant uuid.UUID
}

// MemorySource is a mutable in-process Source. Every mutation bumps the
// data version.
type MemorySource struct {
	mu           sync.RWMutex
	version      int64
	tenants      map[uuid.UUID]Tenant
	assignments  map[userTenant][]RoleAssignment
	defaultRoles map[uuid.UUID][]settings.Role
	defaultFlags map[string]FlagValue
	tenantFlags  map[uuid.UUID]map[string]FlagValue
	profiles     map[userTenant]ProfileOverlay
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		version:      1,
		tenants:      make(map[uuid.UUID]Tenant),
		assignments:  make(map[userTenant][]RoleAssignment),
		defaultRoles: make(map[uuid.UUID][]settings.Role),
		defaultFlags: make(map[string]FlagValue),
		tenantFlags:  make(map[uuid.UUID]map[string]FlagValue),
		profiles:     make(map[userTenant]ProfileOverlay),
	}
}

func (s *MemorySource) PutTenant(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	s.version++
}

func (s *MemorySource) AssignRole(userID, tenantID uuid.UUID, a RoleAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userTenant{userID, tenantID}
	s.assignments[k] = append(s.assignments[k], a)
	s.version++
}

func (s *MemorySource) SetTenantDefaultRoles(tenantID uuid.UUID, roles ...settings.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultRoles[tenantID] = append([]settings.Role(nil), roles...)
	s.version++
}

func (s *MemorySource) SetDefaultFlag(f FlagValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultFlags[f.Name] = f
	s.version++
}

func (s *MemorySource) SetTenantFlag(tenantID uuid.UUID, f FlagValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenantFlags[tenantID] == nil {
		s.tenantFlags[tenantID] = make(map[string]FlagValue)
	}
	s.tenantFlags[tenantID][f.Name] = f
	s.version++
}

func (s *MemorySource) PutProfile(userID, tenantID uuid.UUID, p ProfileOverlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userTenant{userID, tenantID}] = p
	s.version++
}

func (s *MemorySource) DataVersion(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *MemorySource) Tenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrTenantNotFound
	}
	return t, nil
}

func (s *MemorySource) RoleAssignments(ctx context.Context, userID, tenantID uuid.UUID) ([]RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RoleAssignment(nil), s.assignments[userTenant{userID, tenantID}]...), nil
}

func (s *MemorySource) TenantDefaultRoles(ctx context.Context, tenantID uuid.UUID) ([]settings.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]settings.Role(nil), s.defaultRoles[tenantID]...), nil
}

func (s *MemorySource) DefaultFlags(ctx context.Context) ([]FlagValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FlagValue, 0, len(s.defaultFlags))
	for _, f := range s.defaultFlags {
		out = append(out, f)
	}
	return out, nil
}

func (s *MemorySource) TenantFlags(ctx context.Context, tenantID uuid.UUID) ([]FlagValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FlagValue, 0, len(s.tenantFlags[tenantID]))
	for _, f := range s.tenantFlags[tenantID] {
		out = append(out, f)
	}
	return out, nil
}

func (s *MemorySource) Profile(ctx context.Context, userID, tenantID uuid.UUID) (*ProfileOverlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userTenant{userID, tenantID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
