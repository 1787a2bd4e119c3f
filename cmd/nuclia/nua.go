package main

import (
	"context"
	"fmt"

	"github.com/nuclia/nuclia-go/pkg/sdk"
	"github.com/nuclia/nuclia-go/pkg/target"
)

// NUACmd groups NUA operations.
type NUACmd struct {
	Generate GenerateCmd `cmd:"" help:"Generate text from a prompt."`
}

// GenerateCmd streams generated text to stdout.
type GenerateCmd struct {
	Key    string `help:"NUA client id (default key when omitted)."`
	APIKey string `name:"api-key" help:"NUA key to use instead of a stored one."`

	Question string `required:"" help:"The prompt."`
	Model    string `help:"Generative model."`
	System   string `help:"System prompt."`
}

func (c *GenerateCmd) Run(ctx context.Context, a *app) error {
	in := target.Intent{Scope: target.ScopeNUA, Key: c.Key, APIKey: c.APIKey}
	req := sdk.GenerateRequest{Question: c.Question, Model: c.Model, Prompt: c.System}
	for chunk, err := range a.sdk.Generate(ctx, in, req, sdk.DefaultGenerateChunkSize) {
		if err != nil {
			return err
		}
		if _, err := a.stdout.Write(chunk); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.stdout)
	return nil
}
