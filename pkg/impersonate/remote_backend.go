package impersonate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/tendant/simple-delegate/pkg/errors"
)

// RemoteBackend talks to a session service over JSON/HTTP. Every call is a
// single request with no retry.
type RemoteBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

type RemoteOption func(*RemoteBackend)

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(b *RemoteBackend) { b.client = c }
}

// WithBearerToken authenticates every request with a service token.
func WithBearerToken(token string) RemoteOption {
	return func(b *RemoteBackend) { b.token = token }
}

func NewRemoteBackend(baseURL string, opts ...RemoteOption) *RemoteBackend {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 10 * time.Second
	b := &RemoteBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success      bool       `json:"success"`
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	NewExpiresAt *time.Time `json:"new_expires_at,omitempty"`
	Error        *wireError `json:"error,omitempty"`
	Session      *Session   `json:"session,omitempty"`
	Sessions     []Session  `json:"sessions,omitempty"`
}

type transitionBody struct {
	At        time.Time  `json:"at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedBy *uuid.UUID `json:"revoked_by,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (b *RemoteBackend) do(ctx context.Context, method, path string, body any) (envelope, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return envelope{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return envelope{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return envelope{}, errors.Wrap(err, errors.ErrCodeCommunicationError, "session service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return envelope{}, errors.Newf(errors.ErrCodeCommunicationError, "session service returned %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return envelope{}, errors.Wrap(err, errors.ErrCodeCommunicationError, "malformed session service response")
	}
	if env.Error != nil || !env.Success {
		return envelope{}, remoteError(env.Error)
	}
	return env, nil
}

// remoteError maps a wire error kind back to a local error. Lifecycle
// rejections collapse to errTransitionRejected so the service can classify
// them from a fresh read.
func remoteError(e *wireError) error {
	if e == nil {
		return errors.New(errors.ErrCodeCommunicationError, "session service reported failure without error")
	}
	code := errors.ErrorCode(e.Code)
	switch code {
	case errors.ErrCodeAlreadyTerminal, errors.ErrCodeSessionExpired:
		return errTransitionRejected
	case "":
		return errors.New(errors.ErrCodeCommunicationError, e.Message)
	}
	return errors.New(code, e.Message)
}

func (b *RemoteBackend) StartSession(ctx context.Context, s Session) error {
	_, err := b.do(ctx, http.MethodPost, "/sessions", s)
	return err
}

func (b *RemoteBackend) EndSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := b.do(ctx, http.MethodPost, "/sessions/"+id.String()+"/end", transitionBody{At: at})
	return err
}

func (b *RemoteBackend) ExtendSession(ctx context.Context, id uuid.UUID, expiresAt, at time.Time) error {
	env, err := b.do(ctx, http.MethodPost, "/sessions/"+id.String()+"/extend",
		transitionBody{At: at, ExpiresAt: &expiresAt})
	if err != nil {
		return err
	}
	if env.NewExpiresAt != nil && !env.NewExpiresAt.Equal(expiresAt) {
		return errors.Newf(errors.ErrCodeCommunicationError,
			"session service extended to %s, expected %s", env.NewExpiresAt.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	}
	return nil
}

func (b *RemoteBackend) RevokeSession(ctx context.Context, id uuid.UUID, by uuid.UUID, reason string, at time.Time) error {
	_, err := b.do(ctx, http.MethodPost, "/sessions/"+id.String()+"/revoke",
		transitionBody{At: at, RevokedBy: &by, Reason: reason})
	return err
}

func (b *RemoteBackend) GetActiveSession(ctx context.Context, actorID uuid.UUID) (*Session, error) {
	env, err := b.do(ctx, http.MethodGet, "/actors/"+actorID.String()+"/active", nil)
	if err != nil {
		return nil, err
	}
	return env.Session, nil
}

func (b *RemoteBackend) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	env, err := b.do(ctx, http.MethodGet, "/sessions/"+id.String(), nil)
	if err != nil {
		return Session{}, err
	}
	if env.Session == nil {
		return Session{}, errors.SessionNotFound(id.String())
	}
	return *env.Session, nil
}

func (b *RemoteBackend) ListSessions(ctx context.Context, actorID uuid.UUID, limit int) ([]Session, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/actors/%s/sessions", actorID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	env, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return env.Sessions, nil
}
