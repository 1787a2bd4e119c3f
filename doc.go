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

// Package nuclia is a client SDK and command-line front-end for the
// Nuclia / Progress Agentic RAG platform.
//
// The SDK resolves accounts, zones, knowledge boxes, agents and NUA keys from
// a persisted configuration (~/.nuclia/config), materialises an endpoint and
// credentials for every call, and exposes resumable uploads, streamed answers
// and interactive agent sessions on top of the remote HTTP/WebSocket API.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/nuclia/nuclia-go/cmd/nuclia@latest
//
// Log in and pick a knowledge box:
//
//	nuclia auth login
//	nuclia kbs list
//	nuclia kbs default my-kb
//
// Upload a file and ask a question:
//
//	nuclia kb upload file --path=report.pdf
//	nuclia kb ask --query="What does the report conclude?"
//
// From Go:
//
//	store, _ := config.Open("")
//	client := sdk.New(store, config.LoadSettings())
//	res, err := client.Ask(ctx, target.Intent{Scope: target.ScopeKB}, sdk.AskRequest{Query: "hello"})
package nuclia
