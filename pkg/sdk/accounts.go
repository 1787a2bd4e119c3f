package sdk

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
)

// maxZoneFanout bounds concurrent per-zone listings.
const maxZoneFanout = 4

// Accounts lists the accounts of the logged-in user and stores them. When
// exactly one account exists and none is selected it becomes the default.
func (s *SDK) Accounts(ctx context.Context) ([]config.Account, error) {
	t, err := s.resolve(target.Intent{Scope: target.ScopeUser})
	if err != nil {
		return nil, err
	}
	accounts, err := httpclient.DoJSON[[]config.Account](ctx, s.http, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     t.URL("/accounts"),
		Header:  t.Headers(),
		Timeout: t.Timeout,
		Retry:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	err = s.store.Update(func(c *config.Config) error {
		c.SetAccounts(accounts)
		if len(accounts) == 1 && c.Default.Account == "" {
			c.Default.Account = accounts[0].ID
		}
		return nil
	})
	return accounts, err
}

// Zones lists the available zones and stores them.
func (s *SDK) Zones(ctx context.Context) ([]config.Zone, error) {
	t, err := s.resolve(target.Intent{Scope: target.ScopeUser})
	if err != nil {
		return nil, err
	}
	zones, err := httpclient.DoJSON[[]config.Zone](ctx, s.http, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     t.URL("/zones"),
		Header:  t.Headers(),
		Timeout: t.Timeout,
		Retry:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}

	err = s.store.Update(func(c *config.Config) error {
		c.SetZones(zones)
		return nil
	})
	return zones, err
}

// KBs lists the knowledge boxes of an account (the default one when empty)
// and replaces the stored user-token boxes of that account.
func (s *SDK) KBs(ctx context.Context, account string) ([]config.KnowledgeBox, error) {
	accountID, infos, err := s.listEntities(ctx, account, "kbs")
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge boxes: %w", err)
	}

	kbs := make([]config.KnowledgeBox, 0, len(infos))
	for _, in := range infos {
		u, err := target.RegionalURL(in.Zone, s.env.BaseDomain, "/kb/"+in.id())
		if err != nil {
			s.logger.Warn("Skipping knowledge box without zone", "kb", in.id())
			continue
		}
		kbs = append(kbs, config.KnowledgeBox{
			ID:      in.id(),
			URL:     u,
			Slug:    in.Slug,
			Title:   in.title(),
			Account: accountID,
			Region:  in.Zone,
		})
	}

	err = s.store.Update(func(c *config.Config) error {
		c.SetKBs(accountID, kbs)
		return nil
	})
	return kbs, err
}

// Agents lists the agents of an account, like KBs.
func (s *SDK) Agents(ctx context.Context, account string) ([]config.Agent, error) {
	accountID, infos, err := s.listEntities(ctx, account, "agents")
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	agents := make([]config.Agent, 0, len(infos))
	for _, in := range infos {
		u, err := target.RegionalURL(in.Zone, s.env.BaseDomain, "/agent/"+in.id())
		if err != nil {
			s.logger.Warn("Skipping agent without zone", "agent", in.id())
			continue
		}
		agents = append(agents, config.Agent{
			ID:      in.id(),
			URL:     u,
			Slug:    in.Slug,
			Title:   in.title(),
			Account: accountID,
			Region:  in.Zone,
		})
	}

	err = s.store.Update(func(c *config.Config) error {
		c.SetAgents(accountID, agents)
		return nil
	})
	return agents, err
}

// listEntities fetches /account/{account}/{collection}. On the legacy
// surface one global call answers for every zone; on the regional surface
// each zone is asked in parallel and the results are merged in zone order.
func (s *SDK) listEntities(ctx context.Context, account, collection string) (string, []entityInfo, error) {
	if !s.env.RegionalEndpoints {
		t, err := s.resolve(target.Intent{Scope: target.ScopeAccount, Account: account})
		if err != nil {
			return "", nil, err
		}
		infos, err := s.fetchEntities(ctx, t, "/account/"+t.AccountSlug+"/"+collection)
		return t.AccountID, infos, err
	}

	zones := s.store.Snapshot().Zones
	if len(zones) == 0 {
		var err error
		if zones, err = s.Zones(ctx); err != nil {
			return "", nil, err
		}
	}

	var (
		accountID string
		mu        sync.Mutex
		perZone   = make([][]entityInfo, len(zones))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxZoneFanout)
	for i, z := range zones {
		g.Go(func() error {
			t, err := s.resolve(target.Intent{Scope: target.ScopeZone, Zone: z.Slug, Account: account})
			if err != nil {
				return err
			}
			if t.AccountID == "" {
				return fmt.Errorf("%w: no account given and no default account set", errs.ErrNotConfigured)
			}
			infos, err := s.fetchEntities(gctx, t, "/account/"+t.AccountID+"/"+collection)
			if err != nil {
				return fmt.Errorf("zone %s: %w", z.Slug, err)
			}
			for j := range infos {
				if infos[j].Zone == "" {
					infos[j].Zone = z.Slug
				}
			}
			mu.Lock()
			accountID = t.AccountID
			perZone[i] = infos
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}
	return accountID, slices.Concat(perZone...), nil
}

func (s *SDK) fetchEntities(ctx context.Context, t *target.Target, path string) ([]entityInfo, error) {
	return httpclient.DoJSON[[]entityInfo](ctx, s.http, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     t.URL(path),
		Header:  t.Headers(),
		Timeout: t.Timeout,
		Retry:   true,
	})
}
