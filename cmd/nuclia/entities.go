package main

import (
	"context"

	"github.com/nuclia/nuclia-go/pkg/config"
)

// DefaultCmd selects the default entity of a kind.
type DefaultCmd struct {
	Key string `arg:"" help:"Slug or id."`
}

func (c *DefaultCmd) run(a *app, kind config.Kind) error {
	return a.sdk.SetDefault(kind, c.Key)
}

// RemoveCmd deletes a stored entity.
type RemoveCmd struct {
	Key string `arg:"" help:"Slug or id."`
}

func (c *RemoveCmd) run(a *app, kind config.Kind) error {
	return a.sdk.Remove(kind, c.Key)
}

// AccountsCmd groups account commands.
type AccountsCmd struct {
	List    AccountsListCmd    `cmd:"" default:"1" help:"List and store the accounts of the user."`
	Default AccountsDefaultCmd `cmd:"" help:"Select the default account."`
}

type AccountsListCmd struct{}

func (c *AccountsListCmd) Run(ctx context.Context, a *app) error {
	accounts, err := a.sdk.Accounts(ctx)
	if err != nil {
		return err
	}
	return a.print(accounts)
}

type AccountsDefaultCmd struct {
	DefaultCmd `embed:""`
}

func (c *AccountsDefaultCmd) Run(a *app) error { return c.run(a, config.KindAccount) }

// ZonesCmd groups zone commands.
type ZonesCmd struct {
	List    ZonesListCmd    `cmd:"" default:"1" help:"List and store the zones."`
	Default ZonesDefaultCmd `cmd:"" help:"Select the default zone."`
}

type ZonesListCmd struct{}

func (c *ZonesListCmd) Run(ctx context.Context, a *app) error {
	zones, err := a.sdk.Zones(ctx)
	if err != nil {
		return err
	}
	return a.print(zones)
}

type ZonesDefaultCmd struct {
	DefaultCmd `embed:""`
}

func (c *ZonesDefaultCmd) Run(a *app) error { return c.run(a, config.KindZone) }

// KBsCmd groups knowledge box listing commands.
type KBsCmd struct {
	List    KBsListCmd    `cmd:"" default:"1" help:"List knowledge boxes."`
	Default KBsDefaultCmd `cmd:"" help:"Select the default knowledge box."`
	Remove  KBsRemoveCmd  `cmd:"" help:"Forget a knowledge box."`
}

type KBsListCmd struct {
	Account string `help:"Account slug or id (default account when omitted)."`
	Refresh bool   `help:"Fetch the list from the platform instead of the configuration."`
}

func (c *KBsListCmd) Run(ctx context.Context, a *app) error {
	if !c.Refresh {
		cfg := a.sdk.Store().Snapshot()
		kbs := make([]config.KnowledgeBox, 0, len(cfg.KBs)+len(cfg.KBsToken))
		for _, kb := range append(cfg.KBs, cfg.KBsToken...) {
			kb.Token = ""
			kbs = append(kbs, kb)
		}
		return a.print(kbs)
	}
	kbs, err := a.sdk.KBs(ctx, c.Account)
	if err != nil {
		return err
	}
	return a.print(kbs)
}

type KBsDefaultCmd struct {
	DefaultCmd `embed:""`
}

func (c *KBsDefaultCmd) Run(a *app) error { return c.run(a, config.KindKB) }

type KBsRemoveCmd struct {
	RemoveCmd `embed:""`
}

func (c *KBsRemoveCmd) Run(a *app) error { return c.run(a, config.KindKB) }

// AgentsCmd groups agent listing commands.
type AgentsCmd struct {
	List    AgentsListCmd    `cmd:"" default:"1" help:"List agents."`
	Default AgentsDefaultCmd `cmd:"" help:"Select the default agent."`
	Remove  AgentsRemoveCmd  `cmd:"" help:"Forget an agent."`
}

type AgentsListCmd struct {
	Account string `help:"Account slug or id (default account when omitted)."`
	Refresh bool   `help:"Fetch the list from the platform instead of the configuration."`
}

func (c *AgentsListCmd) Run(ctx context.Context, a *app) error {
	if !c.Refresh {
		cfg := a.sdk.Store().Snapshot()
		agents := make([]config.Agent, 0, len(cfg.Agents)+len(cfg.AgentsToken))
		for _, ag := range append(cfg.Agents, cfg.AgentsToken...) {
			ag.Token = ""
			agents = append(agents, ag)
		}
		return a.print(agents)
	}
	agents, err := a.sdk.Agents(ctx, c.Account)
	if err != nil {
		return err
	}
	return a.print(agents)
}

type AgentsDefaultCmd struct {
	DefaultCmd `embed:""`
}

func (c *AgentsDefaultCmd) Run(a *app) error { return c.run(a, config.KindAgent) }

type AgentsRemoveCmd struct {
	RemoveCmd `embed:""`
}

func (c *AgentsRemoveCmd) Run(a *app) error { return c.run(a, config.KindAgent) }

// NUAsCmd groups NUA key commands.
type NUAsCmd struct {
	List    NUAsListCmd    `cmd:"" default:"1" help:"List stored NUA keys."`
	Default NUAsDefaultCmd `cmd:"" help:"Select the default NUA key."`
	Remove  NUAsRemoveCmd  `cmd:"" help:"Forget a NUA key."`
}

type NUAsListCmd struct{}

func (c *NUAsListCmd) Run(a *app) error {
	keys := a.sdk.Store().Snapshot().NUAsToken
	for i := range keys {
		keys[i].Token = ""
	}
	if keys == nil {
		keys = []config.NUAKey{}
	}
	return a.print(keys)
}

type NUAsDefaultCmd struct {
	DefaultCmd `embed:""`
}

func (c *NUAsDefaultCmd) Run(a *app) error { return c.run(a, config.KindNUA) }

type NUAsRemoveCmd struct {
	RemoveCmd `embed:""`
}

func (c *NUAsRemoveCmd) Run(a *app) error { return c.run(a, config.KindNUA) }
