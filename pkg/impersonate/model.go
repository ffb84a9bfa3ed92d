package impersonate

import (
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-delegate/pkg/refresh"
)

type Mode string

const (
	ModeViewOnly Mode = "view_only"
	ModeActAs    Mode = "act_as"
)

type JustificationType string

const (
	JustificationTicket    JustificationType = "ticket"
	JustificationTestCase  JustificationType = "test_case"
	JustificationSupport   JustificationType = "support"
	JustificationDebugging JustificationType = "debugging"
	JustificationOther     JustificationType = "other"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusEnded   Status = "ended"
	StatusRevoked Status = "revoked"
)

func (s Status) IsTerminal() bool {
	return s != StatusActive
}

// Session is one delegated-access session as stored by a Backend.
type Session struct {
	ID                uuid.UUID         `json:"id"`
	ActorID           uuid.UUID         `json:"actor_id"`
	TargetUserID      *uuid.UUID        `json:"target_user_id,omitempty"`
	TargetTenantID    *uuid.UUID        `json:"target_tenant_id,omitempty"`
	TargetUserName    string            `json:"target_user_name,omitempty"`
	TargetTenantName  string            `json:"target_tenant_name,omitempty"`
	Mode              Mode              `json:"mode"`
	Justification     string            `json:"justification"`
	JustificationType JustificationType `json:"justification_type"`
	StartedAt         time.Time         `json:"started_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	Status            Status            `json:"status"`
	IsPreTenant       bool              `json:"is_pre_tenant"`
	SetupState        map[string]any    `json:"setup_state,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	IPAddress         string            `json:"ip_address,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	RevokedBy         *uuid.UUID        `json:"revoked_by,omitempty"`
	RevokeReason      string            `json:"revoke_reason,omitempty"`
}

// DerivedStatus is the status as of now. A session past its expiry reads
// as expired even while the stored status still says active.
func (s Session) DerivedStatus(now time.Time) Status {
	if s.Status == StatusActive && now.After(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// ActiveSession is the projection returned by GetActive.
type ActiveSession struct {
	ID                uuid.UUID         `json:"id"`
	Mode              Mode              `json:"mode"`
	TargetUserID      *uuid.UUID        `json:"target_user_id,omitempty"`
	TargetUserName    string            `json:"target_user_name,omitempty"`
	TargetTenantID    *uuid.UUID        `json:"target_tenant_id,omitempty"`
	TargetTenantName  string            `json:"target_tenant_name,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	IsPreTenant       bool              `json:"is_pre_tenant"`
	Justification     string            `json:"justification"`
	JustificationType JustificationType `json:"justification_type"`
}

func (s Session) active() *ActiveSession {
	return &ActiveSession{
		ID:                s.ID,
		Mode:              s.Mode,
		TargetUserID:      s.TargetUserID,
		TargetUserName:    s.TargetUserName,
		TargetTenantID:    s.TargetTenantID,
		TargetTenantName:  s.TargetTenantName,
		StartedAt:         s.StartedAt,
		ExpiresAt:         s.ExpiresAt,
		IsPreTenant:       s.IsPreTenant,
		Justification:     s.Justification,
		JustificationType: s.JustificationType,
	}
}

type StartRequest struct {
	TargetUserID      *uuid.UUID        `json:"target_user_id,omitempty"`
	TargetTenantID    *uuid.UUID        `json:"target_tenant_id,omitempty"`
	TargetUserName    string            `json:"target_user_name,omitempty" validate:"max=200"`
	TargetTenantName  string            `json:"target_tenant_name,omitempty" validate:"max=200"`
	Mode              Mode              `json:"mode" validate:"required,oneof=view_only act_as"`
	Justification     string            `json:"justification" validate:"required,max=2000"`
	JustificationType JustificationType `json:"justification_type" validate:"required,oneof=ticket test_case support debugging other"`
	DurationMinutes   int               `json:"duration_minutes" validate:"required,gte=1"`
	IsPreTenant       bool              `json:"is_pre_tenant"`
	SetupState        map[string]any    `json:"setup_state,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

type StartResult struct {
	SessionID uuid.UUID `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	// Token carries the caller's refreshed credential, if a refresher is
	// configured.
	Token *refresh.Token `json:"token,omitempty"`
}

type EndResult struct {
	SessionID uuid.UUID      `json:"session_id"`
	EndedAt   time.Time      `json:"ended_at"`
	Token     *refresh.Token `json:"token,omitempty"`
}

type ExtendResult struct {
	SessionID uuid.UUID `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
