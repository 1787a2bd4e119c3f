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

// Package config holds the persisted client configuration: accounts, zones,
// knowledge boxes, agents, credentials and default selections.
//
// The document lives at ~/.nuclia/config and is owned by a Store, which
// serialises every mutation and replaces the file atomically.
package config

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// Account is a tenant of the platform. Slug is human readable, ID is stable.
type Account struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`

	extra map[string]json.RawMessage
}

// Zone is a geographical deployment. Its slug is the leftmost label of
// regional hostnames.
type Zone struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title,omitempty"`

	extra map[string]json.RawMessage
}

// KnowledgeBox is a data container hosted in a region.
//
// Token is set iff the box was added with a service token. URL is the fully
// qualified regional URL of the box (https://{zone}.{domain}/api/v1/kb/{id}).
type KnowledgeBox struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Slug    string `json:"slug,omitempty"`
	Title   string `json:"title,omitempty"`
	Account string `json:"account,omitempty"`
	Region  string `json:"region,omitempty"`
	Token   string `json:"token,omitempty"`

	extra map[string]json.RawMessage
}

// Agent has the same shape as a KnowledgeBox but is addressed through the
// agent endpoints.
type Agent struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Slug    string `json:"slug,omitempty"`
	Title   string `json:"title,omitempty"`
	Account string `json:"account,omitempty"`
	Region  string `json:"region,omitempty"`
	Token   string `json:"token,omitempty"`

	extra map[string]json.RawMessage
}

// NUAKey is an account-scoped machine credential. Region holds the issuer URL
// of the token, which is also the base URL for NUA calls.
type NUAKey struct {
	Client      string `json:"client_id"`
	Account     string `json:"account,omitempty"`
	AccountType string `json:"account_type,omitempty"`
	User        string `json:"user_id,omitempty"`
	Region      string `json:"region"`
	Token       string `json:"token"`

	extra map[string]json.RawMessage
}

// Defaults are used when a caller omits an explicit target.
type Defaults struct {
	Account  string `json:"account,omitempty"`
	Zone     string `json:"zone,omitempty"`
	KB       string `json:"kb,omitempty"`
	Agent    string `json:"agent,omitempty"`
	NUA      string `json:"nua,omitempty"`
	NucliaDB string `json:"nucliadb,omitempty"`

	extra map[string]json.RawMessage
}

// Config is the whole persisted document.
type Config struct {
	Accounts    []Account      `json:"accounts"`
	Zones       []Zone         `json:"zones"`
	KBs         []KnowledgeBox `json:"kbs"`
	KBsToken    []KnowledgeBox `json:"kbs_token"`
	NUAsToken   []NUAKey       `json:"nuas_token"`
	Agents      []Agent        `json:"agents"`
	AgentsToken []Agent        `json:"agents_token"`
	Default     Defaults       `json:"default"`

	// User identifies the logged-in user; Token is the user bearer token.
	User  string `json:"user,omitempty"`
	Token string `json:"token,omitempty"`

	// extra keeps fields this version does not know about so a rewrite does
	// not drop them. Every record of the document carries its own.
	extra map[string]json.RawMessage
}

// configFields breaks the MarshalJSON/UnmarshalJSON recursion.
type configFields Config

// MarshalJSON writes known fields (empty collections as []) merged with the
// preserved unknown fields.
func (c Config) MarshalJSON() ([]byte, error) {
	return encodeObject(configFields(c.normalize()), c.extra)
}

// UnmarshalJSON reads known fields and stashes the rest.
func (c *Config) UnmarshalJSON(data []byte) error {
	var fields configFields
	extra, err := decodeObject(data, &fields)
	if err != nil {
		return err
	}
	*c = Config(fields)
	c.extra = extra
	return nil
}

// Extra returns a copy of the preserved unknown top-level fields.
func (c *Config) Extra() map[string]json.RawMessage {
	return maps.Clone(c.extra)
}

func (c Config) normalize() Config {
	if c.Accounts == nil {
		c.Accounts = []Account{}
	}
	if c.Zones == nil {
		c.Zones = []Zone{}
	}
	if c.KBs == nil {
		c.KBs = []KnowledgeBox{}
	}
	if c.KBsToken == nil {
		c.KBsToken = []KnowledgeBox{}
	}
	if c.NUAsToken == nil {
		c.NUAsToken = []NUAKey{}
	}
	if c.Agents == nil {
		c.Agents = []Agent{}
	}
	if c.AgentsToken == nil {
		c.AgentsToken = []Agent{}
	}
	return c
}

// Clone returns a deep copy. Snapshots handed to readers are clones, so a
// later Update never mutates what a reader holds.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	out := *c
	out.Accounts = slices.Clone(c.Accounts)
	out.Zones = slices.Clone(c.Zones)
	out.KBs = slices.Clone(c.KBs)
	out.KBsToken = slices.Clone(c.KBsToken)
	out.NUAsToken = slices.Clone(c.NUAsToken)
	out.Agents = slices.Clone(c.Agents)
	out.AgentsToken = slices.Clone(c.AgentsToken)
	out.extra = maps.Clone(c.extra)
	return &out
}

type (
	accountFields  Account
	zoneFields     Zone
	kbFields       KnowledgeBox
	agentFields    Agent
	nuaFields      NUAKey
	defaultsFields Defaults
)

func (a Account) MarshalJSON() ([]byte, error) { return encodeObject(accountFields(a), a.extra) }

func (a *Account) UnmarshalJSON(data []byte) error {
	var f accountFields
	extra, err := decodeObject(data, &f)
	if err != nil {
		return err
	}
	*a = Account(f)
	a.extra = extra
	return nil
}

func (z Zone) MarshalJSON() ([]byte, error) { return encodeObject(zoneFields(z), z.extra) }

func (z *Zone) UnmarshalJSON(data []byte) error {
	var f zoneFields
	extra, err := decodeObject(data, &f)
	if err != nil {
		return err
	}
	*z = Zone(f)
	z.extra = extra
	return nil
}

func (kb KnowledgeBox) MarshalJSON() ([]byte, error) { return encodeObject(kbFields(kb), kb.extra) }

func (kb *KnowledgeBox) UnmarshalJSON(data []byte) error {
	var f kbFields
	extra, err := decodeObject(data, &f)
	if err != nil {
		return err
	}
	*kb = KnowledgeBox(f)
	kb.extra = extra
	return nil
}

func (a Agent) MarshalJSON() ([]byte, error) { return encodeObject(agentFields(a), a.extra) }

func (a *Agent) UnmarshalJSON(data []byte) error {
	var f agentFields
	extra, err := decodeObject(data, &f)
	if err != nil {
		return err
	}
	*a = Agent(f)
	a.extra = extra
	return nil
}

func (n NUAKey) MarshalJSON() ([]byte, error) { return encodeObject(nuaFields(n), n.extra) }

func (n *NUAKey) UnmarshalJSON(data []byte) error {
	var f nuaFields
	extra, err := decodeObject(data, &f)
	if err != nil {
		return err
	}
	*n = NUAKey(f)
	n.extra = extra
	return nil
}

func (d Defaults) MarshalJSON() ([]byte, error) { return encodeObject(defaultsFields(d), d.extra) }

func (d *Defaults) UnmarshalJSON(data []byte) error {
	var f defaultsFields
	extra, err := decodeObject(data, &f)
	if err != nil {
		return err
	}
	*d = Defaults(f)
	d.extra = extra
	return nil
}

// decodeObject fills fields from data and returns the object members that no
// field of T declares.
func decodeObject[T any](data []byte, fields *T) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range jsonKeys(reflect.TypeFor[T]()) {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// encodeObject marshals fields and merges extra underneath; declared fields
// win on collision.
func encodeObject(fields any, extra map[string]json.RawMessage) ([]byte, error) {
	known, err := json.Marshal(fields)
	if err != nil || len(extra) == 0 {
		return known, err
	}
	var own map[string]json.RawMessage
	if err := json.Unmarshal(known, &own); err != nil {
		return nil, err
	}
	merged := maps.Clone(extra)
	maps.Copy(merged, own)
	return json.Marshal(merged)
}

// jsonKeys lists the member names encoding/json uses for t's exported fields.
func jsonKeys(t reflect.Type) []string {
	keys := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		keys = append(keys, name)
	}
	return keys
}
