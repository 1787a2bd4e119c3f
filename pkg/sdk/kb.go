package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/nuclia/nuclia-go/pkg/answer"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
	"github.com/nuclia/nuclia-go/pkg/upload"
)

const ndjsonContentType = "application/x-ndjson"

// kbIntent points an intent at a knowledge box unless it already targets a
// local NucliaDB.
func kbIntent(in target.Intent, write bool, timeout target.TimeoutKind) target.Intent {
	if in.Scope != target.ScopeLocal {
		in.Scope = target.ScopeKB
	}
	in.Write = write
	in.Timeout = timeout
	return in
}

// UploadOptions control where an upload lands.
type UploadOptions struct {
	RID             string
	Slug            string
	Field           string
	ExtractStrategy string
}

// UploadFile uploads a local file to a resource of the knowledge box.
func (s *SDK) UploadFile(ctx context.Context, in target.Intent, path string, opts UploadOptions) (*upload.Result, error) {
	t, err := s.resolve(kbIntent(in, true, target.Unary))
	if err != nil {
		return nil, err
	}
	src, closer, err := upload.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return s.upload(ctx, t, src, opts)
}

// UploadRemote downloads rawURL and streams it into a resource of the
// knowledge box without buffering the whole body.
func (s *SDK) UploadRemote(ctx context.Context, in target.Intent, rawURL string, opts UploadOptions) (*upload.Result, error) {
	t, err := s.resolve(kbIntent(in, true, target.Unary))
	if err != nil {
		return nil, err
	}
	src, closer, err := upload.OpenRemote(ctx, s.http, rawURL)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return s.upload(ctx, t, src, opts)
}

// UploadReader uploads an arbitrary stream. size is -1 when unknown.
func (s *SDK) UploadReader(ctx context.Context, in target.Intent, name string, r io.Reader, size int64, opts UploadOptions) (*upload.Result, error) {
	t, err := s.resolve(kbIntent(in, true, target.Unary))
	if err != nil {
		return nil, err
	}
	return s.upload(ctx, t, upload.Source{Name: name, Reader: r, Size: size}, opts)
}

func (s *SDK) upload(ctx context.Context, t *target.Target, src upload.Source, opts UploadOptions) (*upload.Result, error) {
	res, err := s.uploader.Upload(ctx, upload.Request{
		Target:          t,
		RID:             opts.RID,
		Slug:            opts.Slug,
		Field:           opts.Field,
		ExtractStrategy: opts.ExtractStrategy,
		Source:          src,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", src.Name, err)
	}
	s.logger.Info("Upload finished", "rid", res.RID, "field", res.Field, "bytes", res.Size)
	return res, nil
}

// DeleteResource removes a resource from the knowledge box.
func (s *SDK) DeleteResource(ctx context.Context, in target.Intent, rid string) error {
	t, err := s.resolve(kbIntent(in, true, target.Unary))
	if err != nil {
		return err
	}
	_, err = s.http.Do(ctx, &httpclient.Request{
		Method:  http.MethodDelete,
		URL:     t.URL("/resource/" + rid),
		Header:  t.Headers(),
		Timeout: t.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", rid, err)
	}
	return nil
}

// ChatMessage is one turn of prior conversation.
type ChatMessage struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// AskRequest is the body of an ask call. Zero fields are omitted so the
// server applies its defaults.
type AskRequest struct {
	Query            string         `json:"query"`
	Context          []ChatMessage  `json:"context,omitempty"`
	Filters          []string       `json:"filters,omitempty"`
	Features         []string       `json:"features,omitempty"`
	GenerativeModel  string         `json:"generative_model,omitempty"`
	Prompt           string         `json:"prompt,omitempty"`
	Citations        bool           `json:"citations,omitempty"`
	RephraseQuery    bool           `json:"rephrase,omitempty"`
	TopK             int            `json:"top_k,omitempty"`
	AnswerJSONSchema map[string]any `json:"answer_json_schema,omitempty"`
}

// AskStream is an open ask answer.
type AskStream struct {
	LearningID string

	stream *httpclient.Stream
}

// Items yields the typed items in server order. Malformed lines are
// skipped.
func (a *AskStream) Items() iter.Seq2[answer.Item, error] {
	return answer.Items(a.stream.Lines())
}

// Close releases the connection.
func (a *AskStream) Close() error {
	return a.stream.Close()
}

// AskStream opens an ask call and returns its items as they arrive. The
// caller must Close the stream.
func (s *SDK) AskStream(ctx context.Context, in target.Intent, req AskRequest) (*AskStream, error) {
	stream, err := s.openAsk(ctx, in, req)
	if err != nil {
		return nil, err
	}
	return &AskStream{LearningID: stream.Header.Get(answer.LearningIDHeader), stream: stream}, nil
}

// Ask runs an ask call to completion and returns the accumulated answer.
func (s *SDK) Ask(ctx context.Context, in target.Intent, req AskRequest) (*answer.AskResult, error) {
	stream, err := s.openAsk(ctx, in, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return answer.Decode(ctx, stream.Lines(), stream.Header)
}

func (s *SDK) openAsk(ctx context.Context, in target.Intent, req AskRequest) (*httpclient.Stream, error) {
	t, err := s.resolve(kbIntent(in, false, target.Stream))
	if err != nil {
		return nil, err
	}
	h := t.Headers()
	h.Set("Accept", ndjsonContentType)
	stream, err := s.http.Stream(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     t.URL("/ask"),
		Header:  h,
		Body:    req,
		Timeout: t.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ask failed: %w", err)
	}
	return stream, nil
}

// AskJSON asks for an answer shaped as T. The JSON schema of T is sent
// along with the question and the structured answer is decoded into T.
func AskJSON[T any](ctx context.Context, s *SDK, in target.Intent, req AskRequest) (T, *answer.AskResult, error) {
	var out T
	schema, err := schemaFor[T]()
	if err != nil {
		return out, nil, err
	}
	req.AnswerJSONSchema = schema

	res, err := s.Ask(ctx, in, req)
	if err != nil {
		return out, res, err
	}
	if len(res.Object) == 0 {
		return out, res, fmt.Errorf("%w: answer carries no structured object", errs.ErrMalformedResponse)
	}
	if err := json.Unmarshal(res.Object, &out); err != nil {
		return out, res, fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}
	return out, res, nil
}

// schemaFor describes T the way the ask endpoint expects structured
// answers: a named function-style schema with the object as parameters.
func schemaFor[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to build answer schema: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to build answer schema: %w", err)
	}
	delete(params, "$schema")
	delete(params, "$id")

	name := reflect.TypeFor[T]().Name()
	if name == "" {
		name = "answer"
	}
	description := schema.Description
	if description == "" {
		description = "Structured answer"
	}
	return map[string]any{
		"name":        name,
		"description": description,
		"parameters":  params,
	}, nil
}

// Notification is one event of the knowledge box activity feed.
type Notification struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Notifications long-polls the activity feed of the knowledge box. The
// connection is opened when iteration starts and closed when it stops.
func (s *SDK) Notifications(ctx context.Context, in target.Intent) iter.Seq2[Notification, error] {
	return func(yield func(Notification, error) bool) {
		t, err := s.resolve(kbIntent(in, false, target.LongPoll))
		if err != nil {
			yield(Notification{}, err)
			return
		}
		stream, err := s.http.Stream(ctx, &httpclient.Request{
			Method:  http.MethodGet,
			URL:     t.URL("/notifications"),
			Header:  t.Headers(),
			Timeout: t.Timeout,
			Retry:   true,
		})
		if err != nil {
			yield(Notification{}, fmt.Errorf("failed to open notifications: %w", err))
			return
		}
		defer stream.Close()

		for line, err := range stream.Lines() {
			if err != nil {
				yield(Notification{}, err)
				return
			}
			var n Notification
			if err := json.Unmarshal(line, &n); err != nil {
				s.logger.Warn("Skipping malformed notification", "error", err)
				continue
			}
			if !yield(n, nil) {
				return
			}
		}
	}
}
