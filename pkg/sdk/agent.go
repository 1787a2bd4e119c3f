package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/nuclia/nuclia-go/pkg/answer"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
)

type ephemeralToken struct {
	Token string `json:"token"`
}

// Interact opens an agent session and sends question. The returned session
// yields the agent's frames; AGENT_REQUEST frames must be answered with
// Reply. Cancelling ctx closes the socket.
func (s *SDK) Interact(ctx context.Context, in target.Intent, question string, headers map[string]string) (*answer.Session, error) {
	in.Scope = target.ScopeAgent
	in.Timeout = target.Unary
	t, err := s.resolve(in)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	eph, err := httpclient.DoJSON[ephemeralToken](ctx, s.http, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     t.URL("/ephemeral_tokens"),
		Header:  t.Headers(),
		Body:    map[string]string{"agent_session": sessionID},
		Timeout: t.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain session token: %w", err)
	}
	if eph.Token == "" {
		return nil, fmt.Errorf("%w: empty session token", errs.ErrMalformedResponse)
	}

	wsURL := t.WebSocketURL("/session/"+sessionID+"/ws") + "?" + url.Values{"eph-token": {eph.Token}}.Encode()
	h := http.Header{}
	h.Set(target.HeaderUserAgent, t.Header.Get(target.HeaderUserAgent))
	conn, err := s.http.DialWebSocket(ctx, wsURL, h)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent session: %w", err)
	}

	session := answer.NewSession(conn)
	if err := session.Ask(ctx, question, headers); err != nil {
		return nil, err
	}
	s.logger.Debug("Agent session started", "agent", t.EntityID, "session", sessionID)
	return session, nil
}
