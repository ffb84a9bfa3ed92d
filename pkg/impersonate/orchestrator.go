package impersonate

import (
	"context"

	"github.com/tendant/simple-delegate/pkg/caller"
	"github.com/tendant/simple-delegate/pkg/errors"
)

// GrantConsumer hands out single-use step-up grants.
type GrantConsumer interface {
	ConsumeGrant(ctx context.Context, c caller.Caller) (bool, error)
}

// Orchestrator is the entry point for starting sessions from the API. It
// requires a fresh step-up grant before an act_as session may start.
// view_only sessions are never gated.
type Orchestrator struct {
	sessions *Service
	grants   GrantConsumer
}

func NewOrchestrator(sessions *Service, grants GrantConsumer) *Orchestrator {
	return &Orchestrator{sessions: sessions, grants: grants}
}

func (o *Orchestrator) StartSession(ctx context.Context, c caller.Caller, req StartRequest) (StartResult, error) {
	if req.Mode == ModeActAs {
		// Validate first so a malformed request does not burn the grant.
		if err := o.sessions.ValidateStart(c, req); err != nil {
			return StartResult{}, err
		}
		ok, err := o.grants.ConsumeGrant(ctx, c)
		if err != nil {
			return StartResult{}, errors.Wrap(err, errors.ErrCodeVerificationServiceError, "failed to check step-up grant")
		}
		if !ok {
			return StartResult{}, errors.New(errors.ErrCodeStepUpRequired, "step-up verification is required for act_as")
		}
	}
	return o.sessions.Start(ctx, c, req)
}
