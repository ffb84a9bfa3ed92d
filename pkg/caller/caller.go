package caller

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/tendant/simple-delegate/pkg/errors"
)

const RoleSuperadmin = "superadmin"

// Impersonation is the effective context carried by a refreshed token while
// a session is active.
type Impersonation struct {
	SessionID      uuid.UUID  `json:"session_id"`
	TargetUserID   *uuid.UUID `json:"target_user_id,omitempty"`
	TargetTenantID *uuid.UUID `json:"target_tenant_id,omitempty"`
	Mode           string     `json:"mode"`
	OrigUserID     uuid.UUID  `json:"orig_user_id"`
	// OrigTenantID is restored as the tenant when the session ends.
	OrigTenantID *uuid.UUID `json:"orig_tenant_id,omitempty"`
}

// Caller is the authenticated identity behind a request. It is passed
// explicitly to every operation that needs it.
type Caller struct {
	ActorID   uuid.UUID
	Roles     []string
	TenantID  *uuid.UUID
	IPAddress string
	UserAgent string
	// Token is the raw credential the caller presented, if any.
	Token string

	Impersonation *Impersonation
}

func (c Caller) IsAuthenticated() bool {
	return c.ActorID != uuid.Nil
}

// Authenticated returns NotAuthenticated for an anonymous caller.
func (c Caller) Authenticated() error {
	if !c.IsAuthenticated() {
		return errors.NotAuthenticated()
	}
	return nil
}

func (c Caller) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

func (c Caller) IsSuperadmin() bool {
	return c.HasRole(RoleSuperadmin)
}

// HomeTenantID is the actor's own tenant, ignoring any impersonation.
func (c Caller) HomeTenantID() *uuid.UUID {
	if c.Impersonation != nil {
		return c.Impersonation.OrigTenantID
	}
	return c.TenantID
}

func (c Caller) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("actor", c.ActorID.String()),
		slog.Any("roles", c.Roles),
	}
	if c.Impersonation != nil {
		attrs = append(attrs,
			slog.String("session", c.Impersonation.SessionID.String()),
			slog.String("mode", c.Impersonation.Mode))
	}
	return slog.GroupValue(attrs...)
}

type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "caller context value " + k.name
}

var callerKey = &contextKey{"Caller"}

func NewContext(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// FromContext returns the caller stored by Middleware, or an anonymous
// caller when none was stored.
func FromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey).(Caller)
	return c
}
