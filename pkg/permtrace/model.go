package permtrace

import (
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-delegate/pkg/settings"
)

type FlagSource string

const (
	FlagSourceCompany FlagSource = "company"
	FlagSourceDefault FlagSource = "default"
)

type RoleAssignment struct {
	Role       settings.Role `json:"role"`
	CompanyID  uuid.UUID     `json:"company_id"`
	AssignedAt time.Time     `json:"assigned_at"`
}

type ModulePermission struct {
	ModuleKey  string         `json:"module_key"`
	ModuleName string         `json:"module_name"`
	Actions    []string       `json:"actions"`
	SourceRole settings.Role  `json:"source_role"`
	Granted    bool           `json:"granted"`
	Scope      settings.Scope `json:"scope"`
}

type FeatureFlag struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	Source      FlagSource `json:"source"`
}

type LocationRules struct {
	Country       string `json:"country"`
	Timezone      string `json:"timezone"`
	HolidayRegion string `json:"holiday_region"`
	Language      string `json:"language"`
	Currency      string `json:"currency"`
}

type ProfileOverlay struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	AvatarURL  string `json:"avatar_url"`
	Department string `json:"department"`
	Position   string `json:"position"`
	Location   string `json:"location"`
}

// Trace is the effective permission surface of (user, tenant). It is
// computed per request and never stored.
type Trace struct {
	UserID            *uuid.UUID         `json:"user_id,omitempty"`
	TenantID          uuid.UUID          `json:"tenant_id"`
	Roles             []RoleAssignment   `json:"roles"`
	ModulePermissions []ModulePermission `json:"module_permissions"`
	FeatureFlags      []FeatureFlag      `json:"feature_flags"`
	Location          *LocationRules     `json:"location,omitempty"`
	Profile           *ProfileOverlay    `json:"profile,omitempty"`
	// TableVersion is the settings table version the permissions came from.
	TableVersion int `json:"table_version"`
}

// Tenant is the tenant row a trace is built against.
type Tenant struct {
	ID       uuid.UUID
	Name     string
	Location LocationRules
}

// FlagValue is one flag from a single source, before merging.
type FlagValue struct {
	Name        string
	Description string
	Enabled     bool
}
