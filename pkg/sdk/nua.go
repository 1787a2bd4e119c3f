package sdk

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
)

// DefaultGenerateChunkSize is the read size of a generation stream.
const DefaultGenerateChunkSize = 4096

// GenerateRequest is the body of a predict chat call.
type GenerateRequest struct {
	Question    string        `json:"question"`
	Context     []ChatMessage `json:"query_context,omitempty"`
	UserID      string        `json:"user_id"`
	Prompt      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`

	// Model is sent as a query parameter.
	Model string `json:"-"`
}

// Generate streams generated text from the NUA predict endpoint as raw
// byte chunks of at most chunkSize bytes.
func (s *SDK) Generate(ctx context.Context, in target.Intent, req GenerateRequest, chunkSize int) iter.Seq2[[]byte, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultGenerateChunkSize
	}
	return func(yield func([]byte, error) bool) {
		in.Scope = target.ScopeNUA
		in.Timeout = target.Stream
		t, err := s.resolve(in)
		if err != nil {
			yield(nil, err)
			return
		}
		if req.UserID == "" {
			req.UserID = "nuclia-go"
		}
		var query url.Values
		if req.Model != "" {
			query = url.Values{"model": {req.Model}}
		}

		stream, err := s.http.Stream(ctx, &httpclient.Request{
			Method:  http.MethodPost,
			URL:     t.URL("/predict/chat"),
			Query:   query,
			Header:  t.Headers(),
			Body:    req,
			Timeout: t.Timeout,
		})
		if err != nil {
			yield(nil, fmt.Errorf("generate failed: %w", err))
			return
		}
		defer stream.Close()

		for chunk, err := range stream.Chunks(chunkSize) {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// GenerateText runs Generate to completion and returns the whole text.
func (s *SDK) GenerateText(ctx context.Context, in target.Intent, req GenerateRequest) (string, error) {
	var buf bytes.Buffer
	for chunk, err := range s.Generate(ctx, in, req, DefaultGenerateChunkSize) {
		if err != nil {
			return buf.String(), err
		}
		buf.Write(chunk)
	}
	return buf.String(), nil
}
