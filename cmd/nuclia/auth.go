package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/token"
)

// AuthCmd groups credential commands.
type AuthCmd struct {
	Login    LoginCmd    `cmd:"" help:"Log in with a user token."`
	Logout   LogoutCmd   `cmd:"" help:"Forget the user token."`
	Status   StatusCmd   `cmd:"" help:"Show the stored credentials."`
	AddKB    AddKBCmd    `cmd:"" name:"add-kb" help:"Register a knowledge box by URL."`
	AddAgent AddAgentCmd `cmd:"" name:"add-agent" help:"Register an agent by URL."`
	AddNUA   AddNUACmd   `cmd:"" name:"add-nua" help:"Register a NUA key."`
	NucliaDB NucliaDBCmd `cmd:"" name:"nucliadb" help:"Set the default self-hosted NucliaDB URL."`
}

// LoginCmd stores a user token.
type LoginCmd struct {
	Token     string `help:"User token. Prompted for when omitted." env:"NUCLIA_TOKEN"`
	NoBrowser bool   `name:"no-browser" help:"Print the login URL instead of opening it."`
}

func (c *LoginCmd) Run(ctx context.Context, a *app) error {
	raw := c.Token
	if raw == "" {
		url := a.sdk.LoginURL()
		fmt.Fprintf(a.stderr, "Open %s and copy the token shown after logging in.\n", url)
		if !c.NoBrowser {
			if err := openBrowser(url); err != nil {
				fmt.Fprintf(a.stderr, "Could not open a browser: %v\n", err)
			}
		}
		var err error
		if raw, err = a.readSecret("Token: "); err != nil {
			return err
		}
	}
	if raw == "" {
		return errors.New("no token given")
	}

	if err := a.sdk.Login(ctx, raw); err != nil {
		return err
	}
	cfg := a.sdk.Store().Snapshot()
	return a.print(map[string]any{
		"user":     cfg.User,
		"accounts": cfg.Accounts,
		"default":  cfg.Default.Account,
	})
}

// openBrowser launches the platform's URL handler.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// LogoutCmd forgets the user token.
type LogoutCmd struct{}

func (c *LogoutCmd) Run(a *app) error {
	return a.sdk.Logout()
}

// StatusCmd shows the stored credentials without printing secrets.
type StatusCmd struct {
	Follow bool `short:"f" help:"Keep running and print the status whenever the configuration changes."`
}

type credentialStatus struct {
	User      string          `json:"user,omitempty"`
	LoggedIn  bool            `json:"logged_in"`
	Expires   *time.Time      `json:"expires,omitempty"`
	Expired   bool            `json:"expired,omitempty"`
	KBs       int             `json:"kbs"`
	Agents    int             `json:"agents"`
	NUAKeys   int             `json:"nua_keys"`
	Defaults  config.Defaults `json:"default"`
	ConfigDoc string          `json:"config"`
}

func (c *StatusCmd) Run(ctx context.Context, a *app) error {
	store := a.sdk.Store()
	if err := a.print(statusOf(store.Snapshot(), store.Path())); err != nil {
		return err
	}
	if !c.Follow {
		return nil
	}
	err := store.Watch(ctx, func(cfg *config.Config) {
		_ = a.print(statusOf(cfg, store.Path()))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func statusOf(cfg *config.Config, path string) credentialStatus {
	s := credentialStatus{
		User:      cfg.User,
		LoggedIn:  cfg.Token != "",
		KBs:       len(cfg.KBs) + len(cfg.KBsToken),
		Agents:    len(cfg.Agents) + len(cfg.AgentsToken),
		NUAKeys:   len(cfg.NUAsToken),
		Defaults:  cfg.Default,
		ConfigDoc: path,
	}
	if claims, err := token.Parse(cfg.Token); err == nil && !claims.Expiry.IsZero() {
		exp := claims.Expiry
		s.Expires = &exp
		s.Expired = claims.Expired(time.Now())
	}
	return s
}

// AddKBCmd registers a knowledge box.
type AddKBCmd struct {
	URL    string `required:"" help:"Knowledge box URL (https://{zone}.{domain}/api/v1/kb/{id})."`
	APIKey string `name:"api-key" help:"Service token. Without it the user token is used."`
}

func (c *AddKBCmd) Run(ctx context.Context, a *app) error {
	kb, err := a.sdk.AddKB(ctx, c.URL, c.APIKey)
	if err != nil {
		return err
	}
	kb.Token = ""
	return a.print(kb)
}

// AddAgentCmd registers an agent.
type AddAgentCmd struct {
	URL    string `required:"" help:"Agent URL (https://{zone}.{domain}/api/v1/agent/{id})."`
	APIKey string `name:"api-key" help:"Service token. Without it the user token is used."`
}

func (c *AddAgentCmd) Run(ctx context.Context, a *app) error {
	agent, err := a.sdk.AddAgent(ctx, c.URL, c.APIKey)
	if err != nil {
		return err
	}
	agent.Token = ""
	return a.print(agent)
}

// AddNUACmd registers a NUA key.
type AddNUACmd struct {
	Token string `help:"NUA key. Prompted for when omitted." env:"NUA_KEY"`
}

func (c *AddNUACmd) Run(ctx context.Context, a *app) error {
	raw := c.Token
	if raw == "" {
		var err error
		if raw, err = a.readSecret("NUA key: "); err != nil {
			return err
		}
	}
	key, err := a.sdk.AddNUA(ctx, raw)
	if err != nil {
		return err
	}
	key.Token = ""
	return a.print(key)
}

// NucliaDBCmd sets the default self-hosted endpoint.
type NucliaDBCmd struct {
	URL string `arg:"" help:"NucliaDB base URL, e.g. http://localhost:8080."`
}

func (c *NucliaDBCmd) Run(a *app) error {
	return a.sdk.SetDefault(config.KindNucliaDB, c.URL)
}
