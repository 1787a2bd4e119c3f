// Copyright 2025 The nuclia-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upload pushes files into knowledge-box resources with the tus
// resumable protocol.
//
// An upload is a start call that opens a session on the server followed by
// fixed-size PATCH chunks until the server offset reaches the file size.
// When the engine created the resource itself, a failed upload deletes it
// again; a resource named by the caller is never deleted.
package upload

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
)

const (
	// ChunkSize is the PATCH payload size.
	ChunkSize = 512 * 1024

	// TusVersion is the protocol version sent with every call.
	TusVersion = "1.0.0"

	// DefaultField is the file field used when the caller names none.
	DefaultField = "file"

	offsetContentType = "application/offset+octet-stream"
)

// Request describes one upload.
type Request struct {
	// Target is the resolved KB target.
	Target *target.Target

	// RID names an existing resource. When empty the resource is looked up
	// by Slug or created.
	RID  string
	Slug string

	// Field is the file field id; DefaultField when empty.
	Field string

	// ExtractStrategy is sent as x-extract-strategy when set.
	ExtractStrategy string

	Source Source
}

// Result describes a finished upload.
type Result struct {
	RID     string `json:"rid"`
	Field   string `json:"field"`
	Created bool   `json:"created"`
	Size    int64  `json:"size"`
}

// Engine runs uploads. It holds no per-upload state, so uploads to distinct
// resources can run in parallel.
type Engine struct {
	client    *httpclient.Client
	chunkSize int
	reporter  Reporter
	logger    *slog.Logger
}

type Option func(*Engine)

// WithChunkSize overrides ChunkSize.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithReporter receives progress ticks.
func WithReporter(r Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an Engine over client.
func NewEngine(client *httpclient.Client, opts ...Option) *Engine {
	e := &Engine{
		client:    client,
		chunkSize: ChunkSize,
		reporter:  nopReporter{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upload runs the whole flow: resolve or create the resource, open a tus
// session and stream the source in chunks.
func (e *Engine) Upload(ctx context.Context, req Request) (*Result, error) {
	if req.Target == nil {
		return nil, errors.New("upload: missing target")
	}
	field := req.Field
	if field == "" {
		field = DefaultField
	}

	rid, created, err := e.ensureResource(ctx, req)
	if err != nil {
		return nil, err
	}

	size, err := e.transfer(ctx, req, rid, field)
	if err != nil {
		if created {
			e.cleanup(ctx, req.Target, rid)
		}
		return nil, err
	}

	return &Result{RID: rid, Field: field, Created: created, Size: size}, nil
}

func (e *Engine) ensureResource(ctx context.Context, req Request) (string, bool, error) {
	if req.RID != "" {
		return req.RID, false, nil
	}
	if req.Slug != "" {
		rid, err := e.lookupSlug(ctx, req.Target, req.Slug)
		if err == nil {
			return rid, false, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return "", false, err
		}
	}

	slug := req.Slug
	if slug == "" {
		slug = uuid.NewString()
	}
	rid, err := e.createResource(ctx, req.Target, slug, req.Source.Name)
	if errors.Is(err, errs.ErrDuplicate) && req.Slug != "" {
		// Someone created it between our lookup and create.
		rid, err = e.lookupSlug(ctx, req.Target, req.Slug)
		if err != nil {
			return "", false, err
		}
		return rid, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rid, true, nil
}

type resourceRef struct {
	UUID string `json:"uuid"`
	ID   string `json:"id"`
}

func (r resourceRef) rid() string {
	if r.UUID != "" {
		return r.UUID
	}
	return r.ID
}

func (e *Engine) lookupSlug(ctx context.Context, t *target.Target, slug string) (string, error) {
	ref, err := httpclient.DoJSON[resourceRef](ctx, e.client, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     t.URL("/slug/" + url.PathEscape(slug)),
		Query:   url.Values{"show": {"basic"}},
		Header:  t.Headers(),
		Timeout: t.Timeout,
		Retry:   true,
	})
	if err != nil {
		return "", err
	}
	if ref.rid() == "" {
		return "", fmt.Errorf("%w: resource %q has no id", errs.ErrMalformedResponse, slug)
	}
	return ref.rid(), nil
}

func (e *Engine) createResource(ctx context.Context, t *target.Target, slug, title string) (string, error) {
	body := map[string]any{"slug": slug}
	if title != "" {
		body["title"] = title
	}
	ref, err := httpclient.DoJSON[resourceRef](ctx, e.client, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     t.URL("/resources"),
		Header:  t.Headers(),
		Body:    body,
		Timeout: t.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create resource: %w", err)
	}
	if ref.rid() == "" {
		return "", fmt.Errorf("%w: create resource returned no id", errs.ErrMalformedResponse)
	}
	e.logger.Debug("Created resource", "rid", ref.rid(), "slug", slug)
	return ref.rid(), nil
}

// cleanup deletes a resource created by a failed upload. It runs even when
// ctx was cancelled.
func (e *Engine) cleanup(ctx context.Context, t *target.Target, rid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), target.Unary.Duration())
	defer cancel()

	_, err := e.client.Do(ctx, &httpclient.Request{
		Method: http.MethodDelete,
		URL:    t.URL("/resource/" + rid),
		Header: t.Headers(),
	})
	if err != nil {
		e.logger.Warn("Failed to delete resource after upload error", "rid", rid, "error", err)
		return
	}
	e.logger.Info("Deleted resource after upload error", "rid", rid)
}

// transfer opens the tus session and sends every chunk. It returns the
// number of bytes the server acknowledged.
func (e *Engine) transfer(ctx context.Context, req Request, rid, field string) (int64, error) {
	t, src := req.Target, req.Source
	e.reporter.Start(src.Name, src.Size)

	location, err := e.start(ctx, t, rid, field, req.ExtractStrategy, src)
	if err != nil {
		e.reporter.Finish(err)
		return 0, err
	}

	offset, err := e.sendChunks(ctx, t, location, src)
	e.reporter.Finish(err)
	return offset, err
}

func (e *Engine) start(ctx context.Context, t *target.Target, rid, field, strategy string, src Source) (string, error) {
	h := t.Headers()
	h.Set("tus-resumable", TusVersion)
	h.Set("upload-metadata", metadata(src))
	h.Set("content-type", src.contentType())
	if src.Size >= 0 {
		h.Set("upload-length", strconv.FormatInt(src.Size, 10))
	} else {
		h.Set("upload-defer-length", "1")
	}
	if strategy != "" {
		h.Set("x-extract-strategy", strategy)
	}

	resp, err := e.client.Do(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     t.URL(fmt.Sprintf("/resource/%s/file/%s/tusupload", rid, url.PathEscape(field))),
		Header:  h,
		Timeout: t.Timeout,
		Retry:   true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start upload: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: upload start answered with a redirect", errs.ErrMalformedResponse)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("%w: upload start returned no Location", errs.ErrMalformedResponse)
	}
	return resolveLocation(t.BaseURL, loc)
}

// resolveLocation resolves the Location header against the KB URL.
func resolveLocation(base, loc string) (string, error) {
	b, err := url.Parse(base + "/")
	if err != nil {
		return "", fmt.Errorf("invalid kb url %q: %w", base, err)
	}
	l, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("%w: invalid Location %q", errs.ErrMalformedResponse, loc)
	}
	return b.ResolveReference(l).String(), nil
}

func (e *Engine) sendChunks(ctx context.Context, t *target.Target, location string, src Source) (int64, error) {
	reader := bufio.NewReaderSize(src.Reader, e.chunkSize)
	buf := make([]byte, e.chunkSize)

	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return offset, fmt.Errorf("%w: %w", errs.ErrCancelled, err)
		}

		n, err := io.ReadFull(reader, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return offset, fmt.Errorf("failed to read %s: %w", src.Name, err)
		}
		if n == 0 {
			if offset == 0 && src.Size < 0 {
				// A deferred-length session still needs its length declared.
				if _, err := e.patch(ctx, t, location, 0, []byte{}, true); err != nil {
					return offset, err
				}
				e.reporter.Advance(0, src.Size)
			}
			break
		}
		_, peekErr := reader.Peek(1)
		last := errors.Is(peekErr, io.EOF)

		next, err := e.patch(ctx, t, location, offset, buf[:n], last && src.Size < 0)
		if err != nil {
			return offset, err
		}
		offset = next
		e.reporter.Advance(offset, src.Size)

		if last {
			break
		}
	}

	if src.Size >= 0 && offset != src.Size {
		return offset, fmt.Errorf("%w: source ended at %d of %d bytes", errs.ErrUploadDesync, offset, src.Size)
	}
	return offset, nil
}

// patch sends one chunk and returns the new server offset.
func (e *Engine) patch(ctx context.Context, t *target.Target, location string, offset int64, chunk []byte, final bool) (int64, error) {
	h := t.Headers()
	h.Set("tus-resumable", TusVersion)
	h.Set("upload-offset", strconv.FormatInt(offset, 10))
	h.Set("content-type", offsetContentType)
	if final {
		h.Set("upload-length", strconv.FormatInt(offset+int64(len(chunk)), 10))
	}

	resp, err := e.client.Do(ctx, &httpclient.Request{
		Method:  http.MethodPatch,
		URL:     location,
		Header:  h,
		Body:    chunk,
		Timeout: t.Timeout,
		Retry:   true,
	})
	if err != nil {
		return offset, fmt.Errorf("failed to upload chunk at offset %d: %w", offset, err)
	}

	want := offset + int64(len(chunk))
	if resp == nil {
		return offset, fmt.Errorf("%w: chunk at offset %d answered with a redirect", errs.ErrUploadDesync, offset)
	}
	got, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || got != want {
		return offset, fmt.Errorf("%w: server offset %q, expected %d", errs.ErrUploadDesync, resp.Header.Get("Upload-Offset"), want)
	}
	return got, nil
}

// metadata builds the upload-metadata header value.
func metadata(src Source) string {
	v := "filename " + base64.StdEncoding.EncodeToString([]byte(src.Name))
	if src.MD5 != "" {
		v += ",md5 " + base64.StdEncoding.EncodeToString([]byte(src.MD5))
	}
	return v
}
