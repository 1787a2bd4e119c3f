package target

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	nuclia "github.com/nuclia/nuclia-go"
	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/token"
)

// Environment holds the process-level inputs to resolution.
type Environment struct {
	BaseDomain string
	// RegionalEndpoints routes account operations through the zone host.
	RegionalEndpoints bool
	UserAgent         string
}

// EnvironmentFrom builds an Environment from settings.
func EnvironmentFrom(s config.Settings) Environment {
	return Environment{
		BaseDomain:        s.BaseDomain,
		RegionalEndpoints: s.RegionalEndpoints,
		UserAgent:         nuclia.UserAgent(),
	}
}

// Resolver resolves intents against one config snapshot.
type Resolver struct {
	cfg *config.Config
	env Environment
	now func() time.Time
}

type Option func(*Resolver)

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver. The snapshot must not be mutated
// afterwards.
func NewResolver(snapshot *config.Config, env Environment, opts ...Option) *Resolver {
	if snapshot == nil {
		snapshot = &config.Config{}
	}
	if env.BaseDomain == "" {
		env.BaseDomain = config.DefaultBaseDomain
	}
	if env.UserAgent == "" {
		env.UserAgent = nuclia.UserAgent()
	}
	r := &Resolver{cfg: snapshot, env: env, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Environment returns the resolver environment.
func (r *Resolver) Environment() Environment {
	return r.env
}

// Resolve materialises the target for in.
func (r *Resolver) Resolve(in Intent) (*Target, error) {
	var (
		t   *Target
		err error
	)
	switch in.Scope {
	case ScopeUser:
		t, err = r.resolveUser()
	case ScopeAccount:
		t, err = r.resolveAccount(in)
	case ScopeZone:
		t, err = r.resolveZone(in)
	case ScopeKB:
		t, err = r.resolveEntity(in, r.lookupKB)
	case ScopeAgent:
		t, err = r.resolveEntity(in, r.lookupAgent)
	case ScopeNUA:
		t, err = r.resolveNUA(in)
	case ScopeLocal:
		t, err = r.resolveLocal(in)
	default:
		return nil, fmt.Errorf("unknown scope %v", in.Scope)
	}
	if err != nil {
		return nil, err
	}

	t.BaseURL = strings.TrimSuffix(t.BaseURL, "/")
	t.Timeout = in.Timeout.Duration()
	t.Header.Set(HeaderUserAgent, r.env.UserAgent)
	if in.Write {
		t.Header.Set(HeaderSynchronous, "True")
	}
	return t, nil
}

func (r *Resolver) resolveUser() (*Target, error) {
	h, err := r.userHeader()
	if err != nil {
		return nil, err
	}
	return &Target{
		BaseURL:    GlobalURL(r.env.BaseDomain, ""),
		Header:     h,
		Credential: CredentialUser,
	}, nil
}

func (r *Resolver) resolveAccount(in Intent) (*Target, error) {
	t, err := r.resolveUser()
	if err != nil {
		return nil, err
	}
	if err := r.attachAccount(t, in.Account, true); err != nil {
		return nil, err
	}
	if !r.env.RegionalEndpoints {
		return t, nil
	}
	zone, err := r.zone(in.Zone)
	if err != nil {
		return nil, err
	}
	if t.BaseURL, err = RegionalURL(zone, r.env.BaseDomain, ""); err != nil {
		return nil, err
	}
	t.Region = zone
	return t, nil
}

func (r *Resolver) resolveZone(in Intent) (*Target, error) {
	t, err := r.resolveUser()
	if err != nil {
		return nil, err
	}
	zone, err := r.zone(in.Zone)
	if err != nil {
		return nil, err
	}
	if t.BaseURL, err = RegionalURL(zone, r.env.BaseDomain, ""); err != nil {
		return nil, err
	}
	t.Region = zone
	if err := r.attachAccount(t, in.Account, false); err != nil {
		return nil, err
	}
	return t, nil
}

// entity is the shape shared by KBs and agents.
type entity struct {
	ID, URL, Region, Account, Token string
}

func (r *Resolver) lookupKB(key string) (entity, bool) {
	kb, ok := r.cfg.FindKB(key)
	if !ok {
		return entity{}, false
	}
	return entity{ID: kb.ID, URL: kb.URL, Region: kb.Region, Account: kb.Account, Token: kb.Token}, true
}

func (r *Resolver) lookupAgent(key string) (entity, bool) {
	a, ok := r.cfg.FindAgent(key)
	if !ok {
		return entity{}, false
	}
	return entity{ID: a.ID, URL: a.URL, Region: a.Region, Account: a.Account, Token: a.Token}, true
}

func (r *Resolver) resolveEntity(in Intent, lookup func(string) (entity, bool)) (*Target, error) {
	kind := in.Scope.String()

	var e entity
	switch {
	case in.URL != "":
		e = entity{URL: in.URL, Region: RegionFromURL(in.URL, r.cfg.Zones)}
		if known, ok := r.entityByURL(in.Scope, in.URL); ok {
			e.ID, e.Account, e.Token = known.ID, known.Account, known.Token
			if known.Region != "" {
				e.Region = known.Region
			}
		}
	default:
		key := in.Key
		if key == "" {
			key = r.defaultFor(in.Scope)
		}
		if key == "" {
			return nil, fmt.Errorf("%w: no %s given and no default %s set", errs.ErrNotConfigured, kind, kind)
		}
		found, ok := lookup(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s %q is not in the configuration", errs.ErrNotConfigured, kind, key)
		}
		e = found
	}

	t := &Target{BaseURL: e.URL, Region: e.Region, EntityID: e.ID, AccountID: e.Account}
	switch {
	case in.APIKey != "":
		t.Header = singleHeader(HeaderServiceAccount, "Bearer "+in.APIKey)
		t.Credential = CredentialService
	case e.Token != "":
		t.Header = singleHeader(HeaderServiceAccount, "Bearer "+e.Token)
		t.Credential = CredentialService
	default:
		if r.cfg.Token == "" {
			return nil, fmt.Errorf("%w: %s has no service token and no user is logged in", errs.ErrInvalidCredentials, kind)
		}
		h, err := r.userHeader()
		if err != nil {
			return nil, err
		}
		t.Header = h
		t.Credential = CredentialUser
	}
	return t, nil
}

func (r *Resolver) entityByURL(scope Scope, raw string) (entity, bool) {
	same := func(u string) bool { return strings.TrimSuffix(u, "/") == strings.TrimSuffix(raw, "/") }
	if scope == ScopeAgent {
		for _, list := range [][]config.Agent{r.cfg.AgentsToken, r.cfg.Agents} {
			if i := slices.IndexFunc(list, func(a config.Agent) bool { return same(a.URL) }); i >= 0 {
				a := list[i]
				return entity{ID: a.ID, URL: a.URL, Region: a.Region, Account: a.Account, Token: a.Token}, true
			}
		}
		return entity{}, false
	}
	for _, list := range [][]config.KnowledgeBox{r.cfg.KBsToken, r.cfg.KBs} {
		if i := slices.IndexFunc(list, func(kb config.KnowledgeBox) bool { return same(kb.URL) }); i >= 0 {
			kb := list[i]
			return entity{ID: kb.ID, URL: kb.URL, Region: kb.Region, Account: kb.Account, Token: kb.Token}, true
		}
	}
	return entity{}, false
}

func (r *Resolver) resolveNUA(in Intent) (*Target, error) {
	var raw, issuer string
	if in.APIKey != "" {
		claims, err := token.Validate(in.APIKey, r.now())
		if err != nil {
			return nil, err
		}
		raw, issuer = claims.Raw, claims.Issuer
	} else {
		key := in.Key
		if key == "" {
			key = r.cfg.Default.NUA
		}
		if key == "" {
			return nil, fmt.Errorf("%w: no NUA key given and no default nua set", errs.ErrNotConfigured)
		}
		nua, ok := r.cfg.FindNUA(key)
		if !ok {
			return nil, fmt.Errorf("%w: NUA key %q is not in the configuration", errs.ErrNotConfigured, key)
		}
		raw, issuer = nua.Token, nua.Region
	}

	base := issuer
	if in.URL != "" {
		base = in.URL
	}
	if base == "" {
		return nil, fmt.Errorf("%w: NUA key carries no region", errs.ErrMalformedToken)
	}
	return &Target{
		BaseURL:    strings.TrimSuffix(base, "/") + "/api/v1",
		Region:     RegionFromURL(base, r.cfg.Zones),
		Header:     singleHeader(HeaderNUAKey, "Bearer "+raw),
		Credential: CredentialNUA,
	}, nil
}

func (r *Resolver) resolveLocal(in Intent) (*Target, error) {
	base := in.URL
	if base == "" {
		base = r.cfg.Default.NucliaDB
	}
	if base == "" {
		return nil, fmt.Errorf("%w: no NucliaDB url given and no default nucliadb set", errs.ErrNotConfigured)
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasSuffix(base, "/api/v1") {
		base += "/api/v1"
	}
	if in.Key != "" {
		base += "/kb/" + in.Key
	}

	role := "READER"
	if in.Write {
		role = "WRITER"
	}
	return &Target{
		BaseURL:    base,
		Header:     singleHeader(HeaderRoles, role),
		Credential: CredentialLocal,
		EntityID:   in.Key,
	}, nil
}

// userHeader checks the user token locally and builds its header.
func (r *Resolver) userHeader() (http.Header, error) {
	if r.cfg.Token == "" {
		return nil, fmt.Errorf("%w: not logged in", errs.ErrInvalidCredentials)
	}
	if _, err := token.Validate(r.cfg.Token, r.now()); err != nil {
		return nil, err
	}
	return singleHeader(HeaderAuthorization, "Bearer "+r.cfg.Token), nil
}

// singleHeader builds a header with its key canonicalised.
func singleHeader(key, value string) http.Header {
	h := http.Header{}
	h.Set(key, value)
	return h
}

func (r *Resolver) attachAccount(t *Target, key string, required bool) error {
	if key == "" {
		key = r.cfg.Default.Account
	}
	if key == "" {
		if required {
			return fmt.Errorf("%w: no account given and no default account set", errs.ErrNotConfigured)
		}
		return nil
	}
	if a, ok := r.cfg.FindAccount(key); ok {
		t.AccountID, t.AccountSlug = a.ID, a.Slug
		return nil
	}
	// Unknown to the local document; let the server decide.
	t.AccountID, t.AccountSlug = key, key
	return nil
}

func (r *Resolver) zone(key string) (string, error) {
	if key == "" {
		key = r.cfg.Default.Zone
	}
	if key == "" {
		return "", fmt.Errorf("%w: no zone given and no default zone set", errs.ErrNotConfigured)
	}
	if z, ok := r.cfg.FindZone(key); ok {
		return z.Slug, nil
	}
	return key, nil
}

func (r *Resolver) defaultFor(scope Scope) string {
	if scope == ScopeAgent {
		return r.cfg.Default.Agent
	}
	return r.cfg.Default.KB
}

// RegionFromURL returns the leftmost host label of raw when it is one of
// the known zone slugs.
func RegionFromURL(raw string, zones []config.Zone) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	label, _, _ := strings.Cut(u.Hostname(), ".")
	if slices.ContainsFunc(zones, func(z config.Zone) bool { return z.Slug == label }) {
		return label
	}
	return ""
}
