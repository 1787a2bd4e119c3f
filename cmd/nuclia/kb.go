package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nuclia/nuclia-go/pkg/answer"
	"github.com/nuclia/nuclia-go/pkg/sdk"
	"github.com/nuclia/nuclia-go/pkg/target"
)

// KBTarget selects the knowledge box a command acts on. Without flags the
// default knowledge box is used.
type KBTarget struct {
	KB       string `name:"kb" help:"Knowledge box slug or id."`
	URL      string `help:"Knowledge box URL."`
	APIKey   string `name:"api-key" help:"Service token for the knowledge box."`
	NucliaDB string `name:"nucliadb" help:"Self-hosted NucliaDB URL; --kb then names the box id."`
	Local    bool   `help:"Use the default self-hosted NucliaDB."`
}

func (t KBTarget) intent() target.Intent {
	in := target.Intent{Scope: target.ScopeKB, Key: t.KB, URL: t.URL, APIKey: t.APIKey}
	if t.Local || t.NucliaDB != "" {
		in = target.Intent{Scope: target.ScopeLocal, Key: t.KB, URL: t.NucliaDB}
	}
	return in
}

// KBCmd groups knowledge box operations.
type KBCmd struct {
	Upload        UploadCmd        `cmd:"" help:"Upload a file into a resource."`
	Delete        DeleteCmd        `cmd:"" help:"Delete a resource."`
	Ask           AskCmd           `cmd:"" help:"Ask a question."`
	Notifications NotificationsCmd `cmd:"" help:"Follow the activity feed."`
}

// UploadCmd groups the upload sources.
type UploadCmd struct {
	File   UploadFileCmd   `cmd:"" help:"Upload a local file."`
	Remote UploadRemoteCmd `cmd:"" help:"Stream a remote file into the knowledge box."`
}

// UploadFlags are shared by every upload source.
type UploadFlags struct {
	RID             string `name:"rid" help:"Existing resource id."`
	Slug            string `help:"Resource slug; created when it does not exist."`
	Field           string `help:"File field id." default:"file"`
	ExtractStrategy string `name:"extract-strategy" help:"Extract strategy id."`
}

func (f UploadFlags) options() sdk.UploadOptions {
	return sdk.UploadOptions{RID: f.RID, Slug: f.Slug, Field: f.Field, ExtractStrategy: f.ExtractStrategy}
}

type UploadFileCmd struct {
	KBTarget    `embed:""`
	UploadFlags `embed:""`

	Path string `required:"" help:"File to upload." type:"existingfile"`
}

func (c *UploadFileCmd) Run(ctx context.Context, a *app) error {
	res, err := a.sdk.UploadFile(ctx, c.intent(), c.Path, c.options())
	if err != nil {
		return err
	}
	return a.print(res)
}

type UploadRemoteCmd struct {
	KBTarget    `embed:""`
	UploadFlags `embed:""`

	Origin string `required:"" help:"URL of the file to upload."`
}

func (c *UploadRemoteCmd) Run(ctx context.Context, a *app) error {
	res, err := a.sdk.UploadRemote(ctx, c.intent(), c.Origin, c.options())
	if err != nil {
		return err
	}
	return a.print(res)
}

// DeleteCmd removes a resource.
type DeleteCmd struct {
	KBTarget `embed:""`

	RID string `name:"rid" required:"" help:"Resource id."`
	Yes bool   `short:"y" help:"Do not ask for confirmation."`
}

func (c *DeleteCmd) Run(ctx context.Context, a *app) error {
	if !c.Yes {
		ok, err := a.confirm(fmt.Sprintf("Delete resource %s?", c.RID))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("aborted")
		}
	}
	return a.sdk.DeleteResource(ctx, c.intent(), c.RID)
}

// AskCmd asks a question.
type AskCmd struct {
	KBTarget `embed:""`

	Query     string   `required:"" help:"The question."`
	Filters   []string `help:"Label filters."`
	Model     string   `help:"Generative model."`
	Prompt    string   `help:"Custom prompt."`
	Citations bool     `help:"Ask for citations."`
	Stream    bool     `help:"Print answer text as it arrives instead of the final result."`
}

func (c *AskCmd) Run(ctx context.Context, a *app) error {
	req := sdk.AskRequest{
		Query:           c.Query,
		Filters:         c.Filters,
		GenerativeModel: c.Model,
		Prompt:          c.Prompt,
		Citations:       c.Citations,
	}
	if !c.Stream {
		res, err := a.sdk.Ask(ctx, c.intent(), req)
		if err != nil {
			return err
		}
		return a.print(res)
	}

	stream, err := a.sdk.AskStream(ctx, c.intent(), req)
	if err != nil {
		return err
	}
	defer stream.Close()
	for item, err := range stream.Items() {
		if err != nil {
			return err
		}
		if item.Type == answer.ItemAnswer {
			fmt.Fprint(a.stdout, item.Text)
		}
	}
	fmt.Fprintln(a.stdout)
	return nil
}

// NotificationsCmd prints activity notifications until interrupted.
type NotificationsCmd struct {
	KBTarget `embed:""`
}

func (c *NotificationsCmd) Run(ctx context.Context, a *app) error {
	for n, err := range a.sdk.Notifications(ctx, c.intent()) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := a.print(n); err != nil {
			return err
		}
	}
	return nil
}
