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

package config

import (
	"fmt"
	"slices"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// Kind names a default selection.
type Kind string

const (
	KindAccount  Kind = "account"
	KindZone     Kind = "zone"
	KindKB       Kind = "kb"
	KindAgent    Kind = "agent"
	KindNUA      Kind = "nua"
	KindNucliaDB Kind = "nucliadb"
)

// ParseKind validates a default kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAccount, KindZone, KindKB, KindAgent, KindNUA, KindNucliaDB:
		return k, nil
	}
	return "", fmt.Errorf("unknown default kind %q", s)
}

// FindKB looks a knowledge box up by slug first, then by id, across both the
// user-token and the service-token collections.
func (c *Config) FindKB(key string) (KnowledgeBox, bool) {
	if key == "" {
		return KnowledgeBox{}, false
	}
	all := slices.Concat(c.KBs, c.KBsToken)
	if i := slices.IndexFunc(all, func(kb KnowledgeBox) bool { return kb.Slug == key }); i >= 0 {
		return all[i], true
	}
	if i := slices.IndexFunc(all, func(kb KnowledgeBox) bool { return kb.ID == key }); i >= 0 {
		return all[i], true
	}
	return KnowledgeBox{}, false
}

// FindAgent looks an agent up by slug first, then by id.
func (c *Config) FindAgent(key string) (Agent, bool) {
	if key == "" {
		return Agent{}, false
	}
	all := slices.Concat(c.Agents, c.AgentsToken)
	if i := slices.IndexFunc(all, func(a Agent) bool { return a.Slug == key }); i >= 0 {
		return all[i], true
	}
	if i := slices.IndexFunc(all, func(a Agent) bool { return a.ID == key }); i >= 0 {
		return all[i], true
	}
	return Agent{}, false
}

// FindAccount looks an account up by slug first, then by id.
func (c *Config) FindAccount(key string) (Account, bool) {
	if key == "" {
		return Account{}, false
	}
	if i := slices.IndexFunc(c.Accounts, func(a Account) bool { return a.Slug == key }); i >= 0 {
		return c.Accounts[i], true
	}
	if i := slices.IndexFunc(c.Accounts, func(a Account) bool { return a.ID == key }); i >= 0 {
		return c.Accounts[i], true
	}
	return Account{}, false
}

// FindZone looks a zone up by slug first, then by id.
func (c *Config) FindZone(key string) (Zone, bool) {
	if key == "" {
		return Zone{}, false
	}
	if i := slices.IndexFunc(c.Zones, func(z Zone) bool { return z.Slug == key }); i >= 0 {
		return c.Zones[i], true
	}
	if i := slices.IndexFunc(c.Zones, func(z Zone) bool { return z.ID == key }); i >= 0 {
		return c.Zones[i], true
	}
	return Zone{}, false
}

// FindNUA looks a NUA key up by client id.
func (c *Config) FindNUA(client string) (NUAKey, bool) {
	if i := slices.IndexFunc(c.NUAsToken, func(n NUAKey) bool { return n.Client == client }); client != "" && i >= 0 {
		return c.NUAsToken[i], true
	}
	return NUAKey{}, false
}

// SetUserToken records the user credential.
func (c *Config) SetUserToken(token, user string) {
	c.Token = token
	c.User = user
}

// Logout forgets the user credential and everything that was discovered with
// it. Service tokens and NUA keys survive.
func (c *Config) Logout() {
	c.Token = ""
	c.User = ""
	c.Accounts = nil
	c.KBs = nil
	c.Agents = nil
	c.pruneDefaults()
}

// SetAccounts replaces the account list. Only declared fields are kept from
// the given records.
func (c *Config) SetAccounts(accounts []Account) {
	c.Accounts = slices.Clone(accounts)
	for i := range c.Accounts {
		c.Accounts[i].extra = nil
	}
	c.pruneDefaults()
}

// SetZones replaces the zone list. Only declared fields are kept from the
// given records.
func (c *Config) SetZones(zones []Zone) {
	c.Zones = slices.Clone(zones)
	for i := range c.Zones {
		c.Zones[i].extra = nil
	}
	c.pruneDefaults()
}

// SetKBs replaces the user-token knowledge boxes of one account.
func (c *Config) SetKBs(account string, kbs []KnowledgeBox) {
	c.KBs = slices.DeleteFunc(c.KBs, func(kb KnowledgeBox) bool { return kb.Account == account })
	for _, kb := range kbs {
		kb.Account = account
		kb.Token = ""
		c.KBs = upsert(c.KBs, kb, func(k KnowledgeBox) string { return k.ID })
	}
	c.pruneDefaults()
}

// SetAgents replaces the user-token agents of one account.
func (c *Config) SetAgents(account string, agents []Agent) {
	c.Agents = slices.DeleteFunc(c.Agents, func(a Agent) bool { return a.Account == account })
	for _, a := range agents {
		a.Account = account
		a.Token = ""
		c.Agents = upsert(c.Agents, a, func(x Agent) string { return x.ID })
	}
	c.pruneDefaults()
}

// UpsertKB adds a knowledge box, replacing any entry with the same id. Boxes
// carrying a service token go to kbs_token, the rest to kbs.
func (c *Config) UpsertKB(kb KnowledgeBox) {
	byID := func(k KnowledgeBox) string { return k.ID }
	if kb.Token != "" {
		c.KBs = slices.DeleteFunc(c.KBs, func(k KnowledgeBox) bool { return k.ID == kb.ID })
		c.KBsToken = upsert(c.KBsToken, kb, byID)
		return
	}
	c.KBsToken = slices.DeleteFunc(c.KBsToken, func(k KnowledgeBox) bool { return k.ID == kb.ID })
	c.KBs = upsert(c.KBs, kb, byID)
}

// UpsertAgent adds an agent, replacing any entry with the same id.
func (c *Config) UpsertAgent(a Agent) {
	byID := func(x Agent) string { return x.ID }
	if a.Token != "" {
		c.Agents = slices.DeleteFunc(c.Agents, func(x Agent) bool { return x.ID == a.ID })
		c.AgentsToken = upsert(c.AgentsToken, a, byID)
		return
	}
	c.AgentsToken = slices.DeleteFunc(c.AgentsToken, func(x Agent) bool { return x.ID == a.ID })
	c.Agents = upsert(c.Agents, a, byID)
}

// UpsertNUA adds a NUA key, replacing any key with the same client id.
func (c *Config) UpsertNUA(n NUAKey) {
	c.NUAsToken = upsert(c.NUAsToken, n, func(x NUAKey) string { return x.Client })
}

// RemoveKB deletes a knowledge box and clears the default pointing at it.
func (c *Config) RemoveKB(key string) error {
	kb, ok := c.FindKB(key)
	if !ok {
		return fmt.Errorf("knowledge box %q: %w", key, errs.ErrNotFound)
	}
	match := func(k KnowledgeBox) bool { return k.ID == kb.ID }
	c.KBs = slices.DeleteFunc(c.KBs, match)
	c.KBsToken = slices.DeleteFunc(c.KBsToken, match)
	c.pruneDefaults()
	return nil
}

// RemoveAgent deletes an agent and clears the default pointing at it.
func (c *Config) RemoveAgent(key string) error {
	a, ok := c.FindAgent(key)
	if !ok {
		return fmt.Errorf("agent %q: %w", key, errs.ErrNotFound)
	}
	match := func(x Agent) bool { return x.ID == a.ID }
	c.Agents = slices.DeleteFunc(c.Agents, match)
	c.AgentsToken = slices.DeleteFunc(c.AgentsToken, match)
	c.pruneDefaults()
	return nil
}

// RemoveNUA deletes a NUA key and clears the default pointing at it.
func (c *Config) RemoveNUA(client string) error {
	if _, ok := c.FindNUA(client); !ok {
		return fmt.Errorf("nua key %q: %w", client, errs.ErrNotFound)
	}
	c.NUAsToken = slices.DeleteFunc(c.NUAsToken, func(n NUAKey) bool { return n.Client == client })
	c.pruneDefaults()
	return nil
}

// RemoveAccount deletes an account and clears the default pointing at it.
func (c *Config) RemoveAccount(key string) error {
	acc, ok := c.FindAccount(key)
	if !ok {
		return fmt.Errorf("account %q: %w", key, errs.ErrNotFound)
	}
	c.Accounts = slices.DeleteFunc(c.Accounts, func(a Account) bool { return a.ID == acc.ID })
	c.pruneDefaults()
	return nil
}

// SetDefault selects the default of the given kind. The key is resolved to
// the entity's canonical identifier; unknown keys fail with ErrNotFound.
func (c *Config) SetDefault(kind Kind, key string) error {
	notFound := func() error {
		return fmt.Errorf("%s %q: %w", kind, key, errs.ErrNotFound)
	}
	switch kind {
	case KindAccount:
		a, ok := c.FindAccount(key)
		if !ok {
			return notFound()
		}
		c.Default.Account = a.ID
	case KindZone:
		z, ok := c.FindZone(key)
		if !ok {
			return notFound()
		}
		c.Default.Zone = z.Slug
	case KindKB:
		kb, ok := c.FindKB(key)
		if !ok {
			return notFound()
		}
		c.Default.KB = kb.ID
	case KindAgent:
		a, ok := c.FindAgent(key)
		if !ok {
			return notFound()
		}
		c.Default.Agent = a.ID
	case KindNUA:
		n, ok := c.FindNUA(key)
		if !ok {
			return notFound()
		}
		c.Default.NUA = n.Client
	case KindNucliaDB:
		if key == "" {
			return fmt.Errorf("nucliadb url is empty")
		}
		c.Default.NucliaDB = key
	default:
		return fmt.Errorf("unknown default kind %q", kind)
	}
	return nil
}

// ClearDefault unsets one default.
func (c *Config) ClearDefault(kind Kind) {
	c.setDefaultKey(kind, "")
}

// selectable lists the kinds whose default must name a stored entity.
var selectable = []Kind{KindAccount, KindZone, KindKB, KindAgent, KindNUA}

// Validate checks that every default references an existing entity, by its
// canonical identifier or by any key the Find helpers accept.
func (c *Config) Validate() error {
	for _, kind := range selectable {
		if key := c.defaultKey(kind); key != "" {
			if _, ok := c.canonical(kind, key); !ok {
				return fmt.Errorf("default %s %q does not exist", kind, key)
			}
		}
	}
	return nil
}

// CanonicalizeDefaults rewrites defaults that name their entity by slug (or
// another lookup key) to the canonical identifier SetDefault would store.
func (c *Config) CanonicalizeDefaults() {
	for _, kind := range selectable {
		if id, ok := c.canonical(kind, c.defaultKey(kind)); ok {
			c.setDefaultKey(kind, id)
		}
	}
}

// pruneDefaults clears defaults whose entity disappeared.
func (c *Config) pruneDefaults() {
	for _, kind := range selectable {
		if !c.holds(kind, c.defaultKey(kind)) {
			c.setDefaultKey(kind, "")
		}
	}
}

// canonical maps key to the identifier a default of kind stores. An exact
// identifier match wins over the Find lookup order.
func (c *Config) canonical(kind Kind, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if c.holds(kind, key) {
		return key, true
	}
	switch kind {
	case KindAccount:
		a, ok := c.FindAccount(key)
		return a.ID, ok
	case KindZone:
		z, ok := c.FindZone(key)
		return z.Slug, ok
	case KindKB:
		kb, ok := c.FindKB(key)
		return kb.ID, ok
	case KindAgent:
		a, ok := c.FindAgent(key)
		return a.ID, ok
	case KindNUA:
		n, ok := c.FindNUA(key)
		return n.Client, ok
	}
	return "", false
}

// holds reports whether an entity of kind has id as its canonical identifier.
func (c *Config) holds(kind Kind, id string) bool {
	switch kind {
	case KindAccount:
		return slices.ContainsFunc(c.Accounts, func(a Account) bool { return a.ID == id })
	case KindZone:
		return slices.ContainsFunc(c.Zones, func(z Zone) bool { return z.Slug == id })
	case KindKB:
		match := func(kb KnowledgeBox) bool { return kb.ID == id }
		return slices.ContainsFunc(c.KBs, match) || slices.ContainsFunc(c.KBsToken, match)
	case KindAgent:
		match := func(a Agent) bool { return a.ID == id }
		return slices.ContainsFunc(c.Agents, match) || slices.ContainsFunc(c.AgentsToken, match)
	case KindNUA:
		return slices.ContainsFunc(c.NUAsToken, func(n NUAKey) bool { return n.Client == id })
	}
	return false
}

func (c *Config) defaultKey(kind Kind) string {
	switch kind {
	case KindAccount:
		return c.Default.Account
	case KindZone:
		return c.Default.Zone
	case KindKB:
		return c.Default.KB
	case KindAgent:
		return c.Default.Agent
	case KindNUA:
		return c.Default.NUA
	case KindNucliaDB:
		return c.Default.NucliaDB
	}
	return ""
}

func (c *Config) setDefaultKey(kind Kind, v string) {
	switch kind {
	case KindAccount:
		c.Default.Account = v
	case KindZone:
		c.Default.Zone = v
	case KindKB:
		c.Default.KB = v
	case KindAgent:
		c.Default.Agent = v
	case KindNUA:
		c.Default.NUA = v
	case KindNucliaDB:
		c.Default.NucliaDB = v
	}
}

func upsert[T any](items []T, item T, key func(T) string) []T {
	k := key(item)
	if i := slices.IndexFunc(items, func(x T) bool { return key(x) == k }); i >= 0 {
		items[i] = item
		return items
	}
	return append(items, item)
}
