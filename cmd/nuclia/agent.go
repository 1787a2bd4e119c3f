package main

import (
	"context"
	"fmt"

	"github.com/nuclia/nuclia-go/pkg/answer"
	"github.com/nuclia/nuclia-go/pkg/target"
)

// AgentCmd groups agent operations.
type AgentCmd struct {
	Interact InteractCmd `cmd:"" help:"Ask an agent; its follow-up questions are read from stdin."`
}

// InteractCmd runs one agent session.
type InteractCmd struct {
	Agent  string `help:"Agent slug or id (default agent when omitted)."`
	URL    string `help:"Agent URL."`
	APIKey string `name:"api-key" help:"Service token for the agent."`

	Question string            `required:"" help:"The question."`
	Header   map[string]string `help:"Extra headers forwarded to the agent (key=value)."`
}

func (c *InteractCmd) Run(ctx context.Context, a *app) error {
	in := target.Intent{Scope: target.ScopeAgent, Key: c.Agent, URL: c.URL, APIKey: c.APIKey}
	session, err := a.sdk.Interact(ctx, in, c.Question, c.Header)
	if err != nil {
		return err
	}
	defer session.Close()

	for frame, err := range session.Frames(ctx) {
		if err != nil {
			return err
		}
		switch frame.Operation {
		case answer.OpAnswer:
			if text := frame.AnswerText(); text != "" {
				fmt.Fprintln(a.stdout, text)
			} else if frame.GeneratedText != "" {
				fmt.Fprintln(a.stdout, frame.GeneratedText)
			}
		case answer.OpAgentRequest:
			question := "The agent needs more information"
			if frame.Feedback != nil && frame.Feedback.Question != "" {
				question = frame.Feedback.Question
			}
			reply, err := a.readLine(question + ": ")
			if err != nil {
				return err
			}
			if err := session.Reply(reply); err != nil {
				return err
			}
		case answer.OpError:
			return frame.Err()
		}
	}
	return nil
}
