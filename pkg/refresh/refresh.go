package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
)

// EffectiveContext is what downstream authorization should see after a
// session transition. The zero value means "the actor's own context".
type EffectiveContext struct {
	SessionID      uuid.UUID
	TargetUserID   *uuid.UUID
	TargetTenantID *uuid.UUID
	Mode           string
}

func (e EffectiveContext) IsImpersonating() bool {
	return e.SessionID != uuid.Nil
}

// Claims is the token body. Subject is always the real actor.
type Claims struct {
	ExtraClaims caller.ExtraClaims `json:"extra_claims"`
	jwt.RegisteredClaims
}

// Refresher re-issues the caller's credential so later calls carry the
// effective context.
type Refresher interface {
	Refresh(ctx context.Context, c caller.Caller, eff EffectiveContext) (Token, error)
}

type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// JwtRefresher signs HS256 tokens.
type JwtRefresher struct {
	secret   []byte
	issuer   string
	audience string
	expiry   time.Duration
	clock    clockwork.Clock
}

type Option func(*JwtRefresher)

func WithClock(c clockwork.Clock) Option {
	return func(r *JwtRefresher) { r.clock = c }
}

func NewJwtRefresher(secret, issuer, audience string, expiry time.Duration, opts ...Option) *JwtRefresher {
	r := &JwtRefresher{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		expiry:   expiry,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *JwtRefresher) Refresh(ctx context.Context, c caller.Caller, eff EffectiveContext) (Token, error) {
	if err := c.Authenticated(); err != nil {
		return Token{}, err
	}

	home := c.HomeTenantID()
	extra := caller.ExtraClaims{Roles: c.Roles, TenantID: home}
	if eff.IsImpersonating() {
		extra.TenantID = eff.TargetTenantID
		extra.Impersonation = &caller.Impersonation{
			SessionID:      eff.SessionID,
			TargetUserID:   eff.TargetUserID,
			TargetTenantID: eff.TargetTenantID,
			Mode:           eff.Mode,
			OrigUserID:     c.ActorID,
			OrigTenantID:   home,
		}
	}

	now := r.clock.Now().UTC()
	claims := Claims{
		ExtraClaims: extra,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(r.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			Issuer:    r.issuer,
			Subject:   c.ActorID.String(),
			ID:        uuid.New().String(),
			Audience:  jwt.ClaimStrings{r.audience},
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		slog.Error("Failed signing refreshed token", "caller", c, "err", err)
		return Token{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to sign token")
	}
	return Token{AccessToken: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Parse verifies signature, algorithm, issuer, audience and expiry.
// This is the only parse whose result may drive authorization.
func (r *JwtRefresher) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithAudience(r.audience),
		jwt.WithTimeFunc(r.clock.Now),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNotAuthenticated, "invalid token")
	}
	if !token.Valid {
		return nil, errors.New(errors.ErrCodeNotAuthenticated, "invalid token")
	}
	return claims, nil
}

// Inspection is a decoded but unverified token body.
type Inspection struct {
	Claims   Claims `json:"claims"`
	Verified bool   `json:"verified"`
}

// InspectUnverified decodes a token without checking its signature, for
// debug display only. Never authorize on the result.
func InspectUnverified(tokenStr string) (Inspection, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return Inspection{}, fmt.Errorf("decode token: %w", err)
	}
	return Inspection{Claims: claims, Verified: false}, nil
}
