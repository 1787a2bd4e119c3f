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

// Package target turns a caller intent into a concrete endpoint, credential
// header and timeout. Resolution reads a config snapshot only; it never
// performs I/O.
package target

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scope is the class of endpoint an operation talks to.
type Scope int

const (
	// ScopeUser covers global user endpoints such as account and zone listing.
	ScopeUser Scope = iota
	ScopeAccount
	ScopeZone
	ScopeKB
	ScopeAgent
	ScopeNUA
	// ScopeLocal targets a self-hosted NucliaDB.
	ScopeLocal
)

func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeAccount:
		return "account"
	case ScopeZone:
		return "zone"
	case ScopeKB:
		return "kb"
	case ScopeAgent:
		return "agent"
	case ScopeNUA:
		return "nua"
	case ScopeLocal:
		return "nucliadb"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// TimeoutKind selects the default timeout of a call.
type TimeoutKind int

const (
	Unary TimeoutKind = iota
	// Stream timeouts apply per idle interval.
	Stream
	Metadata
	LongPoll
)

// Duration returns the default timeout for the kind.
func (k TimeoutKind) Duration() time.Duration {
	switch k {
	case Stream:
		return 1000 * time.Second
	case Metadata:
		return 10 * time.Second
	case LongPoll:
		return 3660 * time.Second
	default:
		return 60 * time.Second
	}
}

// Credential names the class of credential a target carries.
type Credential int

const (
	CredentialNone Credential = iota
	CredentialUser
	CredentialService
	CredentialNUA
	CredentialLocal
)

func (c Credential) String() string {
	switch c {
	case CredentialUser:
		return "user token"
	case CredentialService:
		return "service token"
	case CredentialNUA:
		return "NUA key"
	case CredentialLocal:
		return "local roles"
	default:
		return "none"
	}
}

// Header names.
const (
	HeaderAuthorization  = "Authorization"
	HeaderServiceAccount = "X-NUCLIA-SERVICEACCOUNT"
	HeaderNUAKey         = "X-STF-NUAKEY"
	HeaderRoles          = "X-NUCLIADB-ROLES"
	HeaderSynchronous    = "X-SYNCHRONOUS"
	HeaderUserAgent      = "User-Agent"
)

// Intent is what an operation asks for. Empty fields fall back to the
// configured defaults.
type Intent struct {
	Scope   Scope
	Write   bool
	Timeout TimeoutKind

	// URL is an explicit base URL (KB, agent, NUA region or NucliaDB).
	URL string
	// APIKey is an explicit service token or NUA key.
	APIKey string
	// Key is the slug or id of a KB or agent, the client of a NUA key, or
	// the KB id on a local NucliaDB.
	Key string
	// Account is an account slug or id.
	Account string
	// Zone is a zone slug.
	Zone string
}

// Target is a fully materialised call destination.
type Target struct {
	// BaseURL has no trailing slash. For KBs and agents it is the entity
	// URL; for account, zone and user scopes it ends in /api/v1.
	BaseURL string
	Region  string
	Header  http.Header
	Timeout time.Duration

	Credential Credential

	// AccountID and AccountSlug are set when the scope involves an account.
	AccountID   string
	AccountSlug string

	// EntityID is the KB or agent id, when known.
	EntityID string
}

// URL joins path onto the base URL.
func (t *Target) URL(path string) string {
	if path == "" {
		return t.BaseURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return t.BaseURL + path
}

// WebSocketURL is URL with the scheme switched to ws/wss.
func (t *Target) WebSocketURL(path string) string {
	return WebSocketURL(t.URL(path))
}

// Headers returns a copy of the target headers.
func (t *Target) Headers() http.Header {
	return t.Header.Clone()
}

// GlobalURL builds https://{domain}/api/v1{path}.
func GlobalURL(domain, path string) string {
	return "https://" + domain + "/api/v1" + path
}

// RegionalURL builds https://{zone}.{domain}/api/v1{path}.
func RegionalURL(zone, domain, path string) (string, error) {
	if zone == "" {
		return "", fmt.Errorf("regional url for %q: empty zone", path)
	}
	return "https://" + zone + "." + domain + "/api/v1" + path, nil
}

// WebSocketURL switches an http(s) URL to ws(s).
func WebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}
