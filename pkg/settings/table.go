package settings

import (
	_ "embed"
	"fmt"
	"io"
	"slices"
	"sort"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-delegate/pkg/errors"
)

// Role is one rung of the fixed role hierarchy.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleTeamLead   Role = "team_lead"
	RoleManager    Role = "manager"
	RoleHRManager  Role = "hr_manager"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// Hierarchy lists roles from lowest to highest.
var Hierarchy = []Role{RoleEmployee, RoleTeamLead, RoleManager, RoleHRManager, RoleAdmin, RoleSuperadmin}

// Scope is the breadth of data a role may reach within a module.
type Scope string

const (
	ScopeOwn        Scope = "own"
	ScopeTeam       Scope = "team"
	ScopeDepartment Scope = "department"
	ScopeGlobal     Scope = "global"
)

var scopeRank = map[Scope]int{ScopeOwn: 0, ScopeTeam: 1, ScopeDepartment: 2, ScopeGlobal: 3}

// Rank returns -1 for unknown scopes.
func (s Scope) Rank() int {
	r, ok := scopeRank[s]
	if !ok {
		return -1
	}
	return r
}

type Permission struct {
	Visible bool  `yaml:"visible" json:"visible"`
	CanEdit bool  `yaml:"can_edit" json:"can_edit"`
	Scope   Scope `yaml:"scope" json:"scope"`
}

type Module struct {
	ID    string              `yaml:"-" json:"id"`
	Name  string              `yaml:"name" json:"name"`
	Roles map[Role]Permission `yaml:"roles" json:"roles"`
}

// Table is an immutable module permission table.
type Table struct {
	version int
	modules map[string]Module
}

type tableFile struct {
	Version int               `yaml:"version"`
	Modules map[string]Module `yaml:"modules"`
}

//go:embed permissions.yaml
var defaultTable []byte

// Default returns the table compiled into the binary. It panics if the
// embedded file is malformed, which a test guards against.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("settings: embedded permission table: %v", err))
	}
	return t
}

// Load reads a table from r.
func Load(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and checks that every module declares every role with
// a known scope. Monotonicity is not checked here; see Validate.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode permission table: %w", err)
	}

	t := &Table{version: f.Version, modules: make(map[string]Module, len(f.Modules))}
	var err error
	for id, m := range f.Modules {
		m.ID = id
		for _, role := range Hierarchy {
			p, ok := m.Roles[role]
			if !ok {
				err = multierr.Append(err, fmt.Errorf("module %s: missing role %s", id, role))
				continue
			}
			if p.Scope.Rank() < 0 {
				err = multierr.Append(err, fmt.Errorf("module %s role %s: unknown scope %q", id, role, p.Scope))
			}
		}
		for role := range m.Roles {
			if !IsKnownRole(role) {
				err = multierr.Append(err, fmt.Errorf("module %s: unknown role %q", id, role))
			}
		}
		t.modules[id] = m
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) Version() int {
	return t.version
}

// Modules returns the registered module ids in sorted order.
func (t *Table) Modules() []string {
	ids := make([]string, 0, len(t.modules))
	for id := range t.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Module returns the module definition, or UnknownModule.
func (t *Table) Module(moduleID string) (Module, error) {
	m, ok := t.modules[moduleID]
	if !ok {
		return Module{}, errors.Newf(errors.ErrCodeUnknownModule, "unknown module: %s", moduleID).
			WithDetail("module", moduleID)
	}
	return m, nil
}

// Lookup returns the full permission entry for (module, role).
func (t *Table) Lookup(moduleID string, role Role) (Permission, error) {
	m, err := t.Module(moduleID)
	if err != nil {
		return Permission{}, err
	}
	p, ok := m.Roles[role]
	if !ok {
		return Permission{}, errors.Newf(errors.ErrCodeUnknownRole, "unknown role: %s", role).
			WithDetail("role", string(role))
	}
	return p, nil
}

func (t *Table) Visibility(moduleID string, role Role) (bool, error) {
	p, err := t.Lookup(moduleID, role)
	if err != nil {
		return false, err
	}
	return p.Visible, nil
}

func (t *Table) CanEdit(moduleID string, role Role) (bool, error) {
	p, err := t.Lookup(moduleID, role)
	if err != nil {
		return false, err
	}
	return p.CanEdit, nil
}

func (t *Table) Scope(moduleID string, role Role) (Scope, error) {
	p, err := t.Lookup(moduleID, role)
	if err != nil {
		return "", err
	}
	return p.Scope, nil
}

// Validate checks that no role has less visibility, edit rights or scope
// than the role directly below it. All violations are returned together.
func (t *Table) Validate() error {
	var err error
	for _, id := range t.Modules() {
		m := t.modules[id]
		for i := 1; i < len(Hierarchy); i++ {
			lower, higher := Hierarchy[i-1], Hierarchy[i]
			lp, hp := m.Roles[lower], m.Roles[higher]
			if lp.Visible && !hp.Visible {
				err = multierr.Append(err, fmt.Errorf("module %s: %s visible but %s is not", id, lower, higher))
			}
			if lp.CanEdit && !hp.CanEdit {
				err = multierr.Append(err, fmt.Errorf("module %s: %s can edit but %s cannot", id, lower, higher))
			}
			if lp.Scope.Rank() > hp.Scope.Rank() {
				err = multierr.Append(err, fmt.Errorf("module %s: %s scope %s wider than %s scope %s", id, lower, lp.Scope, higher, hp.Scope))
			}
		}
	}
	return err
}

// RoleRank returns the position of role in Hierarchy, -1 if unknown.
func RoleRank(role Role) int {
	return slices.Index(Hierarchy, role)
}

func IsKnownRole(role Role) bool {
	return RoleRank(role) >= 0
}

// IsHigherRole reports whether role ranks strictly above than.
// Unknown roles rank below every known role and equal to each other.
func IsHigherRole(role, than Role) bool {
	return RoleRank(role) > RoleRank(than)
}

// HighestRole returns the highest known role in roles, false if none is known.
func HighestRole(roles []Role) (Role, bool) {
	best, rank := Role(""), -1
	for _, r := range roles {
		if rr := RoleRank(r); rr > rank {
			best, rank = r, rr
		}
	}
	return best, rank >= 0
}
