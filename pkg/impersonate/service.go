package impersonate

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tendant/simple-delegate/pkg/audit"
	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
	"github.com/tendant/simple-delegate/pkg/events"
	"github.com/tendant/simple-delegate/pkg/refresh"
)

const (
	DefaultMaxDurationMinutes = 480
	DefaultExtendMinutes      = 15
	defaultHistoryLimit       = 100
	maxRevokeReasonLength     = 1000
)

// Service owns the session lifecycle. The Backend is the source of truth;
// expiry is derived from the clock whenever a session is read.
type Service struct {
	backend   Backend
	refresher refresh.Refresher
	publisher events.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
	validate  *validator.Validate

	maxDurationMinutes   int
	defaultExtendMinutes int
}

type Option func(*Service)

// WithRefresher enables credential refresh after start and end.
func WithRefresher(r refresh.Refresher) Option {
	return func(s *Service) { s.refresher = r }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMaxDurationMinutes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxDurationMinutes = n
		}
	}
}

func WithDefaultExtendMinutes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.defaultExtendMinutes = n
		}
	}
}

func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:              backend,
		publisher:            events.Noop{},
		clock:                clockwork.NewRealClock(),
		logger:               slog.Default(),
		validate:             newValidator(),
		maxDurationMinutes:   DefaultMaxDurationMinutes,
		defaultExtendMinutes: DefaultExtendMinutes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now is truncated to microseconds so that times survive a Postgres round
// trip unchanged.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// ValidateStart checks a start request without touching the backend.
func (s *Service) ValidateStart(c caller.Caller, req StartRequest) error {
	if err := c.Authenticated(); err != nil {
		return err
	}
	if req.TargetUserID == nil && req.TargetTenantID == nil && !req.IsPreTenant {
		return errors.New(errors.ErrCodeInvalidTarget, "a target user or tenant is required unless the session is pre-tenant")
	}
	if req.TargetUserID != nil && *req.TargetUserID == c.ActorID {
		return errors.New(errors.ErrCodeInvalidTarget, "cannot impersonate yourself")
	}
	if err := s.validate.Struct(req); err != nil {
		return validationError(err)
	}
	if req.DurationMinutes > s.maxDurationMinutes {
		return errors.InvalidInput("duration_minutes", fmt.Sprintf("exceeds maximum of %d minutes", s.maxDurationMinutes))
	}
	if strings.TrimSpace(req.Justification) == "" {
		return errors.InvalidInput("justification", "must not be blank")
	}
	return nil
}

// Start opens a session for the caller. It relies on the backend to reject
// a second live session for the same actor.
func (s *Service) Start(ctx context.Context, c caller.Caller, req StartRequest) (StartResult, error) {
	if err := s.ValidateStart(c, req); err != nil {
		return StartResult{}, err
	}

	now := s.now()
	sess := Session{
		ID:                uuid.New(),
		ActorID:           c.ActorID,
		TargetUserID:      req.TargetUserID,
		TargetTenantID:    req.TargetTenantID,
		TargetUserName:    req.TargetUserName,
		TargetTenantName:  req.TargetTenantName,
		Mode:              req.Mode,
		Justification:     strings.TrimSpace(req.Justification),
		JustificationType: req.JustificationType,
		StartedAt:         now,
		ExpiresAt:         now.Add(time.Duration(req.DurationMinutes) * time.Minute),
		Status:            StatusActive,
		IsPreTenant:       req.IsPreTenant,
		SetupState:        req.SetupState,
		Metadata:          req.Metadata,
		IPAddress:         c.IPAddress,
		UserAgent:         c.UserAgent,
	}

	if err := s.backend.StartSession(ctx, sess); err != nil {
		s.logger.Warn("Failed starting impersonation session", "caller", c, "mode", sess.Mode, "err", err)
		return StartResult{}, err
	}

	result := StartResult{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}
	if s.refresher != nil {
		token, err := s.refresher.Refresh(ctx, c, refresh.EffectiveContext{
			SessionID:      sess.ID,
			TargetUserID:   sess.TargetUserID,
			TargetTenantID: sess.TargetTenantID,
			Mode:           string(sess.Mode),
		})
		if err != nil {
			// A session the caller holds no credential for must not stay active.
			if endErr := s.backend.EndSession(ctx, sess.ID, now); endErr != nil {
				s.logger.Error("Failed ending session after refresh failure", "session", sess.ID, "err", endErr)
			}
			return StartResult{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to refresh credentials")
		}
		result.Token = &token
	}

	s.logger.Info("Impersonation session started",
		"session", sess.ID, "caller", c, "mode", sess.Mode,
		"target_user", sess.TargetUserID, "target_tenant", sess.TargetTenantID,
		"expires_at", sess.ExpiresAt)
	s.publish(ctx, events.SessionStarted, sess, now)
	return result, nil
}

// End moves the caller's session to ended and refreshes the caller back to
// their own context. A failed refresh leaves Token nil; the session is ended
// regardless.
func (s *Service) End(ctx context.Context, c caller.Caller, sessionID uuid.UUID) (EndResult, error) {
	sess, err := s.owned(ctx, c, sessionID)
	if err != nil {
		return EndResult{}, err
	}

	now := s.now()
	if status := sess.DerivedStatus(now); status.IsTerminal() {
		return EndResult{}, errors.AlreadyTerminal(sessionID.String(), string(status))
	}
	if err := s.backend.EndSession(ctx, sessionID, now); err != nil {
		return EndResult{}, s.classify(ctx, sessionID, err, false)
	}

	result := EndResult{SessionID: sessionID, EndedAt: now}
	if s.refresher != nil {
		token, err := s.refresher.Refresh(ctx, c, refresh.EffectiveContext{})
		if err != nil {
			s.logger.Error("Failed refreshing credentials after session end", "session", sessionID, "caller", c, "err", err)
		} else {
			result.Token = &token
		}
	}

	s.logger.Info("Impersonation session ended", "session", sessionID, "caller", c)
	sess.Status = StatusEnded
	sess.EndedAt = &now
	s.publish(ctx, events.SessionEnded, sess, now)
	return result, nil
}

// Extend pushes the expiry of a live session out by additionalMinutes,
// measured from the later of the current expiry and now. Zero selects the
// default extension.
func (s *Service) Extend(ctx context.Context, c caller.Caller, sessionID uuid.UUID, additionalMinutes int) (ExtendResult, error) {
	if err := c.Authenticated(); err != nil {
		return ExtendResult{}, err
	}
	if additionalMinutes == 0 {
		additionalMinutes = s.defaultExtendMinutes
	}
	if additionalMinutes < 0 || additionalMinutes > s.maxDurationMinutes {
		return ExtendResult{}, errors.InvalidInput("additional_minutes", fmt.Sprintf("must be between 1 and %d", s.maxDurationMinutes))
	}

	sess, err := s.owned(ctx, c, sessionID)
	if err != nil {
		return ExtendResult{}, err
	}

	now := s.now()
	if err := extendable(sess, now); err != nil {
		return ExtendResult{}, err
	}

	base := sess.ExpiresAt
	if now.After(base) {
		base = now
	}
	expiresAt := base.Add(time.Duration(additionalMinutes) * time.Minute)

	if err := s.backend.ExtendSession(ctx, sessionID, expiresAt, now); err != nil {
		return ExtendResult{}, s.classify(ctx, sessionID, err, true)
	}

	s.logger.Info("Impersonation session extended", "session", sessionID, "caller", c, "expires_at", expiresAt)
	sess.ExpiresAt = expiresAt
	s.publish(ctx, events.SessionExtended, sess, now)
	return ExtendResult{SessionID: sessionID, ExpiresAt: expiresAt}, nil
}

// GetActive returns the caller's live session, or nil when there is none.
func (s *Service) GetActive(ctx context.Context, c caller.Caller) (*ActiveSession, error) {
	if err := c.Authenticated(); err != nil {
		return nil, err
	}
	sess, err := s.backend.GetActiveSession(ctx, c.ActorID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.DerivedStatus(s.now()) != StatusActive {
		return nil, nil
	}
	return sess.active(), nil
}

// Revoke force-ends another actor's session. Only superadmins may revoke and
// never their own session.
func (s *Service) Revoke(ctx context.Context, c caller.Caller, sessionID uuid.UUID, reason string) error {
	if err := c.Authenticated(); err != nil {
		return err
	}
	if !c.IsSuperadmin() {
		return errors.Forbidden("only superadmins may revoke sessions")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errors.InvalidInput("reason", "is required")
	}
	if len(reason) > maxRevokeReasonLength {
		return errors.InvalidInput("reason", "is too long")
	}

	sess, err := s.backend.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ActorID == c.ActorID {
		return errors.Forbidden("end your own session instead of revoking it")
	}

	now := s.now()
	if status := sess.DerivedStatus(now); status.IsTerminal() {
		return errors.AlreadyTerminal(sessionID.String(), string(status))
	}
	if err := s.backend.RevokeSession(ctx, sessionID, c.ActorID, reason, now); err != nil {
		return s.classify(ctx, sessionID, err, false)
	}

	s.logger.Warn("Impersonation session revoked", "session", sessionID, "actor", sess.ActorID, "revoked_by", c.ActorID, "reason", reason)
	sess.Status = StatusRevoked
	sess.EndedAt = &now
	sess.RevokedBy = &c.ActorID
	sess.RevokeReason = reason
	s.publish(ctx, events.SessionRevoked, sess, now)
	return nil
}

// ListHistory returns an actor's sessions newest first with derived status.
// Callers may list their own history; superadmins may list anyone's.
func (s *Service) ListHistory(ctx context.Context, c caller.Caller, actorID uuid.UUID, limit int) ([]Session, error) {
	if err := c.Authenticated(); err != nil {
		return nil, err
	}
	if actorID != c.ActorID && !c.IsSuperadmin() {
		return nil, errors.Forbidden("cannot list another actor's sessions")
	}
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}

	sessions, err := s.backend.ListSessions(ctx, actorID, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range sessions {
		sessions[i].Status = sessions[i].DerivedStatus(now)
	}
	return sessions, nil
}

// LookupSession resolves a session for the audit recorder.
func (s *Service) LookupSession(ctx context.Context, sessionID uuid.UUID) (audit.SessionInfo, error) {
	sess, err := s.backend.GetSession(ctx, sessionID)
	if err != nil {
		return audit.SessionInfo{}, err
	}
	return audit.SessionInfo{
		ID:           sess.ID,
		ActorID:      sess.ActorID,
		TargetUserID: sess.TargetUserID,
		Mode:         string(sess.Mode),
		Status:       string(sess.DerivedStatus(s.now())),
	}, nil
}

func (s *Service) owned(ctx context.Context, c caller.Caller, sessionID uuid.UUID) (Session, error) {
	if err := c.Authenticated(); err != nil {
		return Session{}, err
	}
	sess, err := s.backend.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.ActorID != c.ActorID {
		return Session{}, errors.Forbidden("session belongs to another actor")
	}
	return sess, nil
}

func extendable(sess Session, now time.Time) error {
	switch sess.DerivedStatus(now) {
	case StatusActive:
		return nil
	case StatusExpired:
		return errors.SessionExpired(sess.ID.String())
	default:
		return errors.AlreadyTerminal(sess.ID.String(), string(sess.Status))
	}
}

// classify turns a rejected transition into the precise error by reading
// the session again. Another caller may have won the race.
func (s *Service) classify(ctx context.Context, sessionID uuid.UUID, err error, extending bool) error {
	if !stderrors.Is(err, errTransitionRejected) {
		return err
	}
	sess, getErr := s.backend.GetSession(ctx, sessionID)
	if getErr != nil {
		return getErr
	}
	now := s.now()
	if extending {
		if e := extendable(sess, now); e != nil {
			return e
		}
	}
	return errors.AlreadyTerminal(sessionID.String(), string(sess.DerivedStatus(now)))
}

func (s *Service) publish(ctx context.Context, t events.Type, sess Session, at time.Time) {
	e := events.Event{
		Type:           t,
		SessionID:      sess.ID,
		ActorID:        sess.ActorID,
		TargetUserID:   sess.TargetUserID,
		TargetTenantID: sess.TargetTenantID,
		Mode:           string(sess.Mode),
		Justification:  sess.Justification,
		ExpiresAt:      sess.ExpiresAt,
		RevokedBy:      sess.RevokedBy,
		Reason:         sess.RevokeReason,
		OccurredAt:     at,
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("Failed publishing session event", "type", t, "session", sess.ID, "err", err)
	}
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.InvalidInput(fe.Field(), fmt.Sprintf("failed %s check", fe.Tag()))
	}
	return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request")
}
