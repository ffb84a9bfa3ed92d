package stepup

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/ratelimit"
)

const (
	TOTP_PERIOD = 30
	TOTP_SKEW   = 1

	DefaultGrantTTL = 5 * time.Minute
	DefaultIssuer   = "simple-delegate"
)

// Verification outcomes reported to the observer.
const (
	OutcomeSuccess           = "success"
	OutcomeUnenrolledAllowed = "unenrolled_allowed"
	OutcomeInvalidCode       = "invalid_code"
	OutcomeNotEnrolled       = "not_enrolled"
	OutcomeRateLimited       = "rate_limited"
	OutcomeError             = "error"
)

var totpOpts = totp.ValidateOpts{
	Period:    TOTP_PERIOD,
	Skew:      TOTP_SKEW,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Policy decides what happens for actors with no enrolled factor.
type Policy struct {
	// AllowWithoutEnrollment issues a grant to unenrolled actors. Off by
	// default.
	AllowWithoutEnrollment bool
}

// Enrollment is returned once; the plaintext backup codes are not stored.
type Enrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

// Gate verifies a second factor before privileged operations. Every failure
// path denies.
type Gate struct {
	factors  FactorStore
	grants   GrantStore
	limiter  *ratelimit.Limiter
	policy   Policy
	grantTTL time.Duration
	issuer   string
	clock    clockwork.Clock
	logger   *slog.Logger
	observe  func(outcome string)
}

type Option func(*Gate)

func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithLimiter caps verification attempts per actor.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gate) { g.limiter = l }
}

func WithGrantTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.grantTTL = ttl
		}
	}
}

func WithIssuer(issuer string) Option {
	return func(g *Gate) {
		if issuer != "" {
			g.issuer = issuer
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithObserver receives the outcome of every verification attempt.
func WithObserver(fn func(outcome string)) Option {
	return func(g *Gate) { g.observe = fn }
}

func NewGate(factors FactorStore, grants GrantStore, opts ...Option) *Gate {
	g := &Gate{
		factors:  factors,
		grants:   grants,
		grantTTL: DefaultGrantTTL,
		issuer:   DefaultIssuer,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		observe:  func(string) {},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verify checks a TOTP code, or a backup code when isBackupCode is set, and
// on success stores and returns a grant for the caller.
func (g *Gate) Verify(ctx context.Context, c caller.Caller, code string, isBackupCode bool) (Grant, error) {
	if err := c.Authenticated(); err != nil {
		return Grant{}, err
	}
	key := c.ActorID.String()
	if g.limiter != nil && !g.limiter.Allow(key) {
		g.observe(OutcomeRateLimited)
		g.logger.Warn("Step-up attempts rate limited", "actor_id", c.ActorID)
		return Grant{}, errors.New(errors.ErrCodeRateLimited, "too many verification attempts")
	}

	factor, err := g.factors.GetFactor(ctx, c.ActorID)
	switch {
	case errors.IsCode(err, errors.ErrCodeStepUpNotEnrolled):
		return g.unenrolled(ctx, c)
	case err != nil:
		g.observe(OutcomeError)
		g.logger.Error("Failed to load step-up factor", "actor_id", c.ActorID, "err", err)
		return Grant{}, errors.Wrap(err, errors.ErrCodeVerificationServiceError, "verification unavailable")
	case !factor.Enrolled():
		return g.unenrolled(ctx, c)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		g.observe(OutcomeInvalidCode)
		return Grant{}, errors.InvalidCode()
	}

	var ok bool
	if isBackupCode {
		ok, err = g.factors.ConsumeBackupCode(ctx, c.ActorID, code)
	} else {
		ok, err = g.validateTOTP(factor.TOTPSecret, code)
	}
	if err != nil {
		g.observe(OutcomeError)
		g.logger.Error("Step-up verification failed", "actor_id", c.ActorID, "backup", isBackupCode, "err", err)
		return Grant{}, errors.Wrap(err, errors.ErrCodeVerificationServiceError, "verification unavailable")
	}
	if !ok {
		g.observe(OutcomeInvalidCode)
		g.logger.Info("Step-up code rejected", "actor_id", c.ActorID, "backup", isBackupCode)
		return Grant{}, errors.InvalidCode()
	}

	if g.limiter != nil {
		g.limiter.Reset(key)
	}
	grant, err := g.issue(ctx, c)
	if err != nil {
		return Grant{}, err
	}
	g.observe(OutcomeSuccess)
	g.logger.Info("Step-up verified", "actor_id", c.ActorID, "backup", isBackupCode, "expires_at", grant.ExpiresAt)
	return grant, nil
}

func (g *Gate) validateTOTP(secret, code string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	valid, err := totp.ValidateCustom(code, secret, g.clock.Now().UTC(), totpOpts)
	if stderrors.Is(err, otp.ErrValidateInputInvalidLength) {
		return false, nil
	}
	return valid, err
}

func (g *Gate) unenrolled(ctx context.Context, c caller.Caller) (Grant, error) {
	if !g.policy.AllowWithoutEnrollment {
		g.observe(OutcomeNotEnrolled)
		return Grant{}, errors.New(errors.ErrCodeStepUpNotEnrolled, "step-up factor not enrolled")
	}
	g.logger.Warn("Issuing step-up grant without enrolled factor", "actor_id", c.ActorID)
	grant, err := g.issue(ctx, c)
	if err != nil {
		return Grant{}, err
	}
	g.observe(OutcomeUnenrolledAllowed)
	return grant, nil
}

func (g *Gate) issue(ctx context.Context, c caller.Caller) (Grant, error) {
	grant := Grant{ActorID: c.ActorID, ExpiresAt: g.clock.Now().Add(g.grantTTL).UTC()}
	if err := g.grants.Put(ctx, grant, g.grantTTL); err != nil {
		g.observe(OutcomeError)
		g.logger.Error("Failed to store step-up grant", "actor_id", c.ActorID, "err", err)
		return Grant{}, errors.Wrap(err, errors.ErrCodeVerificationServiceError, "verification unavailable")
	}
	return grant, nil
}

// HasGrant reports whether the actor holds a live grant.
func (g *Gate) HasGrant(ctx context.Context, c caller.Caller) (bool, error) {
	return g.grants.Has(ctx, c.ActorID)
}

// ConsumeGrant spends the actor's grant. It returns false when none is live.
func (g *Gate) ConsumeGrant(ctx context.Context, c caller.Caller) (bool, error) {
	return g.grants.Consume(ctx, c.ActorID)
}

// Enroll creates a TOTP secret and a fresh set of backup codes for an actor
// that has no factor yet. An enrolled actor gets FORBIDDEN.
func (g *Gate) Enroll(ctx context.Context, c caller.Caller) (Enrollment, error) {
	if err := c.Authenticated(); err != nil {
		return Enrollment{}, err
	}

	existing, err := g.factors.GetFactor(ctx, c.ActorID)
	if err != nil && !errors.IsCode(err, errors.ErrCodeStepUpNotEnrolled) {
		return Enrollment{}, errors.Wrap(err, errors.ErrCodeVerificationServiceError, "failed to read factor")
	}
	if err == nil && existing.Enrolled() {
		return Enrollment{}, errors.Forbidden("step-up factor already enrolled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.issuer,
		AccountName: c.ActorID.String(),
		Period:      TOTP_PERIOD,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate totp secret")
	}

	codes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return Enrollment{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate backup codes")
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		if hashes[i], err = HashBackupCode(code); err != nil {
			return Enrollment{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to hash backup code")
		}
	}

	now := g.clock.Now().UTC()
	factor := Factor{
		ActorID:          c.ActorID,
		TOTPSecret:       key.Secret(),
		BackupCodeHashes: hashes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := g.factors.SaveFactor(ctx, factor); err != nil {
		return Enrollment{}, errors.Wrap(err, errors.ErrCodeWriteError, "failed to save factor")
	}

	g.logger.Info("Step-up factor enrolled", "actor_id", c.ActorID)
	return Enrollment{Secret: key.Secret(), URL: key.URL(), BackupCodes: codes}, nil
}
