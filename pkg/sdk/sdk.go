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

// Package sdk exposes the platform operations. Every operation resolves its
// target from a fresh config snapshot, then issues its requests through one
// shared HTTP client.
package sdk

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
	"github.com/nuclia/nuclia-go/pkg/token"
	"github.com/nuclia/nuclia-go/pkg/upload"
)

// SDK is the entry point for platform operations. It is safe for
// concurrent use.
type SDK struct {
	store    *config.Store
	settings config.Settings
	env      target.Environment

	http         *httpclient.Client
	introspector *token.Introspector
	uploader     *upload.Engine

	logger *slog.Logger
	now    func() time.Time
}

type options struct {
	httpOptions []httpclient.Option
	client      *httpclient.Client
	reporter    upload.Reporter
	chunkSize   int
	registry    prometheus.Registerer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*options)

// WithHTTPClient replaces the request executor.
func WithHTTPClient(c *httpclient.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithHTTPOptions passes options to the default request executor.
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(o *options) {
		o.httpOptions = append(o.httpOptions, opts...)
	}
}

// WithReporter receives upload progress.
func WithReporter(r upload.Reporter) Option {
	return func(o *options) {
		o.reporter = r
	}
}

// WithChunkSize overrides the upload chunk size.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithRegistry registers request metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates an SDK over store.
func New(store *config.Store, settings config.Settings, opts ...Option) *SDK {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	client := o.client
	if client == nil {
		httpOpts := []httpclient.Option{
			httpclient.WithLogger(o.logger),
			httpclient.WithDebugRequests(settings.DebugRequests),
		}
		if o.registry != nil {
			httpOpts = append(httpOpts, httpclient.WithMetrics(httpclient.NewMetrics(o.registry)))
		}
		client = httpclient.New(append(httpOpts, o.httpOptions...)...)
	}

	uploadOpts := []upload.Option{upload.WithLogger(o.logger), upload.WithReporter(o.reporter)}
	if o.chunkSize > 0 {
		uploadOpts = append(uploadOpts, upload.WithChunkSize(o.chunkSize))
	}

	return &SDK{
		store:        store,
		settings:     settings,
		env:          target.EnvironmentFrom(settings),
		http:         client,
		introspector: token.NewIntrospector(client),
		uploader:     upload.NewEngine(client, uploadOpts...),
		logger:       o.logger,
		now:          o.now,
	}
}

// Store returns the config store.
func (s *SDK) Store() *config.Store {
	return s.store
}

// Settings returns the environment settings.
func (s *SDK) Settings() config.Settings {
	return s.settings
}

// Resolver returns a resolver over the current config snapshot.
func (s *SDK) Resolver() *target.Resolver {
	return target.NewResolver(s.store.Snapshot(), s.env, target.WithClock(s.now))
}

func (s *SDK) resolve(in target.Intent) (*target.Target, error) {
	return s.Resolver().Resolve(in)
}

// Close releases pooled connections.
func (s *SDK) Close() {
	s.http.CloseIdleConnections()
}
