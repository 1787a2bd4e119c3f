package sdk

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
	"github.com/nuclia/nuclia-go/pkg/token"
)

// LoginURL is the page that displays a fresh user token.
func (s *SDK) LoginURL() string {
	return "https://" + s.env.BaseDomain + "/redirect?display=token"
}

// Login stores a user token and refreshes the accounts and zones it can
// see. The token is checked locally first; an expired token is rejected
// without any request.
func (s *SDK) Login(ctx context.Context, raw string) error {
	claims, err := token.Validate(raw, s.now())
	if err != nil {
		return err
	}
	if err := s.store.Update(func(c *config.Config) error {
		c.SetUserToken(claims.Raw, claims.Subject)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	s.logger.Debug("Stored user token", "user", claims.Subject, "expires", claims.Expiry)

	if _, err := s.Accounts(ctx); err != nil {
		return fmt.Errorf("logged in but failed to list accounts: %w", err)
	}
	if _, err := s.Zones(ctx); err != nil {
		return fmt.Errorf("logged in but failed to list zones: %w", err)
	}
	return nil
}

// Logout forgets the user token and everything discovered with it.
func (s *SDK) Logout() error {
	return s.store.Update(func(c *config.Config) error {
		c.Logout()
		return nil
	})
}

// entityInfo is the part of a KB or agent description the client keeps.
// Older servers answer uuid instead of id and nest the title in config.
type entityInfo struct {
	ID     string `json:"id"`
	UUID   string `json:"uuid"`
	Slug   string `json:"slug"`
	Title  string `json:"title"`
	Zone   string `json:"zone"`
	Config struct {
		Title string `json:"title"`
	} `json:"config"`
}

func (e entityInfo) id() string {
	if e.ID != "" {
		return e.ID
	}
	return e.UUID
}

func (e entityInfo) title() string {
	if e.Title != "" {
		return e.Title
	}
	return e.Config.Title
}

func (s *SDK) describe(ctx context.Context, scope target.Scope, rawURL, apiKey string) (*target.Target, entityInfo, error) {
	t, err := s.resolve(target.Intent{Scope: scope, URL: rawURL, APIKey: apiKey, Timeout: target.Metadata})
	if err != nil {
		return nil, entityInfo{}, err
	}
	info, err := httpclient.DoJSON[entityInfo](ctx, s.http, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     t.BaseURL,
		Header:  t.Headers(),
		Timeout: t.Timeout,
		Retry:   true,
	})
	if err != nil {
		return nil, entityInfo{}, err
	}
	if info.id() == "" {
		return nil, entityInfo{}, fmt.Errorf("%w: %s description has no id", errs.ErrMalformedResponse, scope)
	}
	return t, info, nil
}

// AddKB registers a knowledge box by URL. With an API key the box is stored
// as a service-token box; otherwise the user token must grant access. The
// first box added becomes the default.
func (s *SDK) AddKB(ctx context.Context, rawURL, apiKey string) (config.KnowledgeBox, error) {
	t, info, err := s.describe(ctx, target.ScopeKB, rawURL, apiKey)
	if err != nil {
		return config.KnowledgeBox{}, fmt.Errorf("failed to add knowledge box %s: %w", rawURL, err)
	}
	kb := config.KnowledgeBox{
		ID:      info.id(),
		URL:     t.BaseURL,
		Slug:    info.Slug,
		Title:   info.title(),
		Account: t.AccountID,
		Region:  t.Region,
		Token:   apiKey,
	}
	err = s.store.Update(func(c *config.Config) error {
		c.UpsertKB(kb)
		if c.Default.KB == "" {
			c.Default.KB = kb.ID
		}
		return nil
	})
	return kb, err
}

// AddAgent registers an agent by URL, like AddKB.
func (s *SDK) AddAgent(ctx context.Context, rawURL, apiKey string) (config.Agent, error) {
	t, info, err := s.describe(ctx, target.ScopeAgent, rawURL, apiKey)
	if err != nil {
		return config.Agent{}, fmt.Errorf("failed to add agent %s: %w", rawURL, err)
	}
	a := config.Agent{
		ID:      info.id(),
		URL:     t.BaseURL,
		Slug:    info.Slug,
		Title:   info.title(),
		Account: t.AccountID,
		Region:  t.Region,
		Token:   apiKey,
	}
	err = s.store.Update(func(c *config.Config) error {
		c.UpsertAgent(a)
		if c.Default.Agent == "" {
			c.Default.Agent = a.ID
		}
		return nil
	})
	return a, err
}

// AddNUA verifies a NUA key with its issuer and stores it. The first key
// added becomes the default.
func (s *SDK) AddNUA(ctx context.Context, raw string) (config.NUAKey, error) {
	key, err := s.introspector.VerifyNUA(ctx, raw)
	if err != nil {
		return config.NUAKey{}, err
	}
	if key.Client == "" {
		return config.NUAKey{}, fmt.Errorf("%w: NUA key has no client id", errs.ErrMalformedToken)
	}
	err = s.store.Update(func(c *config.Config) error {
		c.UpsertNUA(key)
		if c.Default.NUA == "" {
			c.Default.NUA = key.Client
		}
		return nil
	})
	return key, err
}

// SetDefault selects the default entity of a kind.
func (s *SDK) SetDefault(kind config.Kind, key string) error {
	return s.store.Update(func(c *config.Config) error {
		return c.SetDefault(kind, key)
	})
}

// Remove deletes a stored entity. Defaults pointing at it are cleared.
func (s *SDK) Remove(kind config.Kind, key string) error {
	return s.store.Update(func(c *config.Config) error {
		switch kind {
		case config.KindAccount:
			return c.RemoveAccount(key)
		case config.KindKB:
			return c.RemoveKB(key)
		case config.KindAgent:
			return c.RemoveAgent(key)
		case config.KindNUA:
			return c.RemoveNUA(key)
		case config.KindNucliaDB:
			c.ClearDefault(config.KindNucliaDB)
			return nil
		}
		return fmt.Errorf("cannot remove entities of kind %q", kind)
	})
}
