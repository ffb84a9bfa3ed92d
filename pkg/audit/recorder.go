package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
)

// SessionInfo is what the recorder needs to know about a session.
type SessionInfo struct {
	ID           uuid.UUID
	ActorID      uuid.UUID
	TargetUserID *uuid.UUID
	Mode         string
	// Status is the derived status; only "active" accepts entries.
	Status string
}

// SessionLookup resolves a session id. It returns a SESSION_NOT_FOUND error
// for unknown ids.
type SessionLookup interface {
	LookupSession(ctx context.Context, sessionID uuid.UUID) (SessionInfo, error)
}

type RecordRequest struct {
	SessionID    uuid.UUID       `json:"session_id"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   *string         `json:"resource_id,omitempty"`
	OldValues    json.RawMessage `json:"old_values,omitempty"`
	NewValues    json.RawMessage `json:"new_values,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Method       string          `json:"method,omitempty"`
	RiskLevel    RiskLevel       `json:"risk_level,omitempty"`
}

// Recorder appends entries for actions taken during active sessions.
type Recorder struct {
	store    Store
	sessions SessionLookup
	policy   RiskPolicy
	clock    clockwork.Clock
	logger   *slog.Logger
	onRecord func(Entry)

	entropyMu sync.Mutex
	entropy   io.Reader
}

type Option func(*Recorder)

func WithRiskPolicy(p RiskPolicy) Option {
	return func(r *Recorder) { r.policy = p }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithRecordHook is called after every successful append.
func WithRecordHook(fn func(Entry)) Option {
	return func(r *Recorder) { r.onRecord = fn }
}

func NewRecorder(store Store, sessions SessionLookup, opts ...Option) *Recorder {
	r := &Recorder{
		store:    store,
		sessions: sessions,
		policy:   ExplicitRiskPolicy,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one entry and returns its id. The session must exist and
// be active, and the caller must be the session's actor.
func (r *Recorder) Record(ctx context.Context, c caller.Caller, req RecordRequest) (string, error) {
	if err := c.Authenticated(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Action) == "" {
		return "", errors.InvalidInput("action", "required")
	}
	if strings.TrimSpace(req.ResourceType) == "" {
		return "", errors.InvalidInput("resource_type", "required")
	}
	if req.RiskLevel != "" && !req.RiskLevel.Valid() {
		return "", errors.InvalidInput("risk_level", string(req.RiskLevel))
	}

	sess, err := r.sessions.LookupSession(ctx, req.SessionID)
	if err != nil {
		return "", err
	}
	if sess.ActorID != c.ActorID {
		return "", errors.Forbidden("session belongs to another actor")
	}
	switch sess.Status {
	case "active":
	case "expired":
		return "", errors.SessionExpired(sess.ID.String())
	default:
		return "", errors.AlreadyTerminal(sess.ID.String(), sess.Status)
	}

	diff, err := Diff(req.OldValues, req.NewValues)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidInput, "old_values and new_values must be JSON")
	}

	// Postgres keeps microseconds; truncating keeps the hash stable on reload.
	now := r.clock.Now().UTC().Truncate(time.Microsecond)

	actor := sess.ActorID
	if sess.Mode == "act_as" && sess.TargetUserID != nil {
		actor = *sess.TargetUserID
	}

	entry := Entry{
		ID:                      r.newID(now),
		SessionID:               sess.ID,
		ActorID:                 actor,
		PerformedBySuperadminID: sess.ActorID,
		Action:                  req.Action,
		ResourceType:            req.ResourceType,
		ResourceID:              req.ResourceID,
		OldValues:               req.OldValues,
		NewValues:               req.NewValues,
		Diff:                    diff,
		Endpoint:                req.Endpoint,
		Method:                  strings.ToUpper(req.Method),
		RiskLevel: r.policy(RiskInput{
			Requested: req.RiskLevel,
			Action:    req.Action,
			Method:    req.Method,
			Mode:      sess.Mode,
		}),
		CreatedAt: now,
	}

	stored, err := r.store.Append(ctx, entry)
	if err != nil {
		r.logger.Error("Failed appending audit entry", "session", sess.ID, "action", req.Action, "err", err)
		return "", errors.Wrap(err, errors.ErrCodeWriteError, "failed to write audit entry")
	}

	r.logger.Info("Audit entry recorded", "id", stored.ID, "session", sess.ID, "action", stored.Action, "risk", stored.RiskLevel)
	if r.onRecord != nil {
		r.onRecord(stored)
	}
	return stored.ID, nil
}

// ListForSession returns all entries of a session, most recent first.
func (r *Recorder) ListForSession(ctx context.Context, sessionID uuid.UUID) ([]Entry, error) {
	if _, err := r.sessions.LookupSession(ctx, sessionID); err != nil {
		return nil, err
	}
	entries, err := r.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit entries")
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

// VerifySession checks the hash chain of a session's entries.
func (r *Recorder) VerifySession(ctx context.Context, sessionID uuid.UUID) error {
	entries, err := r.store.ListBySession(ctx, sessionID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit entries")
	}
	if _, err := VerifyChain(entries); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "audit chain broken")
	}
	return nil
}

func (r *Recorder) newID(now time.Time) string {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), r.entropy).String()
}
