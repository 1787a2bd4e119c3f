package sdk

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclia/nuclia-go/pkg/answer"
	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
)

const domain = "rag.test"

func sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	tok := jwt.New()
	for k, v := range claims {
		require.NoError(t, tok.Set(k, v))
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("test-secret")))
	require.NoError(t, err)
	return string(signed)
}

func userToken(t *testing.T) string {
	return sign(t, map[string]any{
		jwt.SubjectKey:    "alice",
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	})
}

type fixture struct {
	sdk   *SDK
	store *config.Store
}

// newFixture serves every host through one TLS test server so global and
// regional URLs can be exercised as they are built in production.
func newFixture(t *testing.T, handler http.Handler, regional bool, seed func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().String()
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Transport: &http.Transport{DialContext: dial, TLSClientConfig: tlsConfig}}),
		httpclient.WithDialer(&websocket.Dialer{NetDialContext: dial, TLSClientConfig: tlsConfig}),
		httpclient.WithBackoff(httpclient.Backoff{MaxAttempts: 1}),
	)

	store, err := config.Open(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)
	if seed != nil {
		require.NoError(t, store.Update(func(c *config.Config) error {
			seed(c)
			return nil
		}))
	}

	settings := config.Settings{BaseDomain: domain, RegionalEndpoints: regional}
	s := New(store, settings, append([]Option{WithHTTPClient(client)}, opts...)...)
	t.Cleanup(s.Close)
	return &fixture{sdk: s, store: store}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func loggedIn(tok string) func(*config.Config) {
	return func(c *config.Config) {
		c.SetUserToken(tok, "alice")
		c.Accounts = []config.Account{{ID: "acc-1", Slug: "acme"}}
		c.Zones = []config.Zone{{ID: "z1", Slug: "europe-1"}, {ID: "z2", Slug: "aws-us"}}
		c.Default.Account = "acc-1"
	}
}

func serviceKB(c *config.Config) {
	c.UpsertKB(config.KnowledgeBox{ID: "kb1", Slug: "docs", URL: "https://europe-1." + domain + "/api/v1/kb/kb1", Region: "europe-1", Token: "svc"})
	c.Default.KB = "kb1"
}

// ============================================================================
// AUTH
// ============================================================================

func TestLogin_RoundTrip(t *testing.T) {
	tok := userToken(t)

	var (
		mu       sync.Mutex
		requests []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Host+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		writeJSON(w, []map[string]any{{"id": "acc-1", "slug": "acme", "title": "Acme"}})
	})
	mux.HandleFunc("GET /api/v1/zones", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"id": "z1", "slug": "europe-1"}})
	})
	f := newFixture(t, mux, false, nil)

	require.NoError(t, f.sdk.Login(context.Background(), tok))

	cfg := f.store.Snapshot()
	assert.Equal(t, tok, cfg.Token)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "acc-1", cfg.Default.Account)
	require.Len(t, cfg.Zones, 1)
	assert.Equal(t, "europe-1", cfg.Zones[0].Slug)

	accounts, err := f.sdk.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acme", accounts[0].Slug)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	for _, r := range requests {
		assert.Equal(t, domain+" Bearer "+tok, r)
	}
}

func TestLogin_ExpiredTokenMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), false, nil)

	expired := sign(t, map[string]any{jwt.ExpirationKey: time.Now().Add(-time.Minute)})
	err := f.sdk.Login(context.Background(), expired)

	assert.ErrorIs(t, err, errs.ErrTokenExpired)
	assert.Zero(t, calls.Load())
	assert.Empty(t, f.store.Snapshot().Token)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, func(c *config.Config) {
		loggedIn(userToken(t))(c)
		serviceKB(c)
	})

	require.NoError(t, f.sdk.Logout())

	cfg := f.store.Snapshot()
	assert.Empty(t, cfg.Token)
	assert.Empty(t, cfg.Accounts)
	assert.Len(t, cfg.KBsToken, 1, "service-token boxes survive logout")
}

func TestAddKB_ServiceToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/kb/kb9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "europe-1."+domain, r.Host)
		assert.Equal(t, "Bearer key-9", r.Header.Get(target.HeaderServiceAccount))
		writeJSON(w, map[string]any{"uuid": "kb9", "slug": "manuals", "config": map[string]any{"title": "Manuals"}})
	})
	f := newFixture(t, mux, false, func(c *config.Config) {
		c.Zones = []config.Zone{{ID: "z1", Slug: "europe-1"}}
	})

	kb, err := f.sdk.AddKB(context.Background(), "https://europe-1."+domain+"/api/v1/kb/kb9/", "key-9")
	require.NoError(t, err)

	assert.Equal(t, "kb9", kb.ID)
	assert.Equal(t, "Manuals", kb.Title)
	assert.Equal(t, "europe-1", kb.Region)
	assert.Equal(t, "https://europe-1."+domain+"/api/v1/kb/kb9", kb.URL)

	cfg := f.store.Snapshot()
	require.Len(t, cfg.KBsToken, 1)
	assert.Equal(t, "key-9", cfg.KBsToken[0].Token)
	assert.Equal(t, "kb9", cfg.Default.KB)
}

func TestAddKB_WithoutCredentials(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, nil)

	_, err := f.sdk.AddKB(context.Background(), "https://europe-1."+domain+"/api/v1/kb/kb9", "")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
}

func TestAddAgent_UserToken(t *testing.T) {
	tok := userToken(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agent/ag1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+tok, r.Header.Get(target.HeaderAuthorization))
		writeJSON(w, map[string]any{"id": "ag1", "slug": "helper", "title": "Helper"})
	})
	f := newFixture(t, mux, false, loggedIn(tok))

	a, err := f.sdk.AddAgent(context.Background(), "https://europe-1."+domain+"/api/v1/agent/ag1", "")
	require.NoError(t, err)
	assert.Equal(t, "helper", a.Slug)

	cfg := f.store.Snapshot()
	require.Len(t, cfg.Agents, 1)
	assert.Empty(t, cfg.AgentsToken)
	assert.Equal(t, "ag1", cfg.Default.Agent)
}

func TestAddNUA(t *testing.T) {
	var nuaKey string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/authorizer/info", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+nuaKey, r.Header.Get(target.HeaderNUAKey))
		writeJSON(w, map[string]any{"user_id": "u1", "account_type": "stash-trial", "account_id": "acc-1"})
	})
	f := newFixture(t, mux, false, nil)

	nuaKey = sign(t, map[string]any{
		jwt.IssuerKey:     "https://europe-1." + domain + "/",
		jwt.ExpirationKey: time.Now().Add(time.Hour),
		"client_id":       "cli-1",
	})
	key, err := f.sdk.AddNUA(context.Background(), nuaKey)
	require.NoError(t, err)
	assert.Equal(t, "cli-1", key.Client)
	assert.Equal(t, "acc-1", key.Account)
	assert.Equal(t, "https://europe-1."+domain, key.Region)

	cfg := f.store.Snapshot()
	require.Len(t, cfg.NUAsToken, 1)
	assert.Equal(t, "cli-1", cfg.Default.NUA)
}

func TestSetDefaultAndRemove(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, func(c *config.Config) {
		serviceKB(c)
		c.UpsertKB(config.KnowledgeBox{ID: "kb2", Slug: "other", URL: "https://europe-1." + domain + "/api/v1/kb/kb2", Token: "svc2"})
	})

	require.NoError(t, f.sdk.SetDefault(config.KindKB, "other"))
	assert.Equal(t, "kb2", f.store.Snapshot().Default.KB)

	assert.ErrorIs(t, f.sdk.SetDefault(config.KindKB, "missing"), errs.ErrNotFound)

	require.NoError(t, f.sdk.Remove(config.KindKB, "kb2"))
	cfg := f.store.Snapshot()
	assert.Empty(t, cfg.Default.KB)
	assert.Len(t, cfg.KBsToken, 1)

	assert.Error(t, f.sdk.Remove(config.KindZone, "europe-1"))
}

func TestLoginURL(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, nil)
	assert.Equal(t, "https://"+domain+"/redirect?display=token", f.sdk.LoginURL())
}

// ============================================================================
// LISTING
// ============================================================================

func TestKBs_Legacy(t *testing.T) {
	tok := userToken(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/account/acme/kbs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, domain, r.Host)
		writeJSON(w, []map[string]any{
			{"id": "kb1", "slug": "docs", "title": "Docs", "zone": "europe-1"},
			{"id": "kb2", "slug": "nozone"},
		})
	})
	f := newFixture(t, mux, false, loggedIn(tok))

	kbs, err := f.sdk.KBs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, kbs, 1)
	assert.Equal(t, "https://europe-1."+domain+"/api/v1/kb/kb1", kbs[0].URL)
	assert.Equal(t, "acc-1", kbs[0].Account)

	cfg := f.store.Snapshot()
	require.Len(t, cfg.KBs, 1)
	assert.Equal(t, "europe-1", cfg.KBs[0].Region)
}

func TestKBs_RegionalFansOutOverZones(t *testing.T) {
	tok := userToken(t)
	var hosts sync.Map
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/account/acc-1/kbs", func(w http.ResponseWriter, r *http.Request) {
		zone, _, _ := strings.Cut(r.Host, ".")
		hosts.Store(zone, true)
		writeJSON(w, []map[string]any{{"id": "kb-" + zone, "slug": zone + "-docs"}})
	})
	f := newFixture(t, mux, true, loggedIn(tok))

	kbs, err := f.sdk.KBs(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, kbs, 2)

	assert.Equal(t, "kb-europe-1", kbs[0].ID)
	assert.Equal(t, "europe-1", kbs[0].Region)
	assert.Equal(t, "kb-aws-us", kbs[1].ID)
	assert.Equal(t, "https://aws-us."+domain+"/api/v1/kb/kb-aws-us", kbs[1].URL)

	for _, z := range []string{"europe-1", "aws-us"} {
		_, ok := hosts.Load(z)
		assert.True(t, ok, z)
	}
}

func TestKBs_RegionalZoneFailure(t *testing.T) {
	tok := userToken(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/account/acc-1/kbs", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Host, "aws-us.") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, []map[string]any{})
	})
	f := newFixture(t, mux, true, loggedIn(tok))

	_, err := f.sdk.KBs(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestAgents_Legacy(t *testing.T) {
	tok := userToken(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/account/acme/agents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"id": "ag1", "slug": "helper", "zone": "aws-us"}})
	})
	f := newFixture(t, mux, false, loggedIn(tok))

	agents, err := f.sdk.Agents(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "https://aws-us."+domain+"/api/v1/agent/ag1", agents[0].URL)
	assert.Len(t, f.store.Snapshot().Agents, 1)
}

func TestAccounts_NotLoggedIn(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, nil)

	_, err := f.sdk.Accounts(context.Background())
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
}

// ============================================================================
// KNOWLEDGE BOX
// ============================================================================

func TestAsk(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/kb/kb1/ask", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc", r.Header.Get(target.HeaderServiceAccount))
		assert.Equal(t, ndjsonContentType, r.Header.Get("Accept"))
		assert.Empty(t, r.Header.Get(target.HeaderSynchronous))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "who?", body["query"])
		assert.NotContains(t, body, "answer_json_schema")

		w.Header().Set(answer.LearningIDHeader, "learn-1")
		fmt.Fprintln(w, `{"item":{"type":"retrieval","results":{"resources":{}}}}`)
		fmt.Fprintln(w, `{"item":{"type":"answer","text":"Hello "}}`)
		fmt.Fprintln(w, `{"item":{"type":"answer","text":"world"}}`)
		fmt.Fprintln(w, `{"item":{"type":"metadata","tokens":{"input":3,"output":2}}}`)
	})
	f := newFixture(t, mux, false, serviceKB)

	res, err := f.sdk.Ask(context.Background(), target.Intent{}, AskRequest{Query: "who?"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", string(res.Answer))
	assert.Equal(t, "learn-1", res.LearningID)
	assert.Equal(t, &answer.Tokens{Input: 3, Output: 2}, res.Tokens)
	assert.NotEmpty(t, res.FindResult)
}

func TestAskStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/kb/kb1/ask", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(answer.LearningIDHeader, "learn-2")
		fmt.Fprintln(w, `{"type":"answer","text":"a"}`)
		fmt.Fprintln(w, `not json`)
		fmt.Fprintln(w, `{"type":"status","status":"success"}`)
	})
	f := newFixture(t, mux, false, serviceKB)

	stream, err := f.sdk.AskStream(context.Background(), target.Intent{Key: "docs"}, AskRequest{Query: "q"})
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, "learn-2", stream.LearningID)

	var types []answer.ItemType
	for item, err := range stream.Items() {
		require.NoError(t, err)
		types = append(types, item.Type)
	}
	assert.Equal(t, []answer.ItemType{answer.ItemAnswer, answer.ItemStatus}, types)
}

func TestAsk_Forbidden(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/kb/kb1/ask", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"detail":"nope"}`)
	})
	f := newFixture(t, mux, false, serviceKB)

	_, err := f.sdk.Ask(context.Background(), target.Intent{}, AskRequest{Query: "q"})
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

type Verdict struct {
	Label      string  `json:"label" jsonschema:"required,description=The verdict"`
	Confidence float64 `json:"confidence,omitempty"`
}

func TestAskJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/kb/kb1/ask", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Schema struct {
				Name       string `json:"name"`
				Parameters struct {
					Properties map[string]any `json:"properties"`
					Required   []string       `json:"required"`
				} `json:"parameters"`
			} `json:"answer_json_schema"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Verdict", body.Schema.Name)
		assert.Contains(t, body.Schema.Parameters.Properties, "label")
		assert.Equal(t, []string{"label"}, body.Schema.Parameters.Required)

		fmt.Fprintln(w, `{"item":{"type":"answer_json","object":{"label":"yes","confidence":0.9}}}`)
	})
	f := newFixture(t, mux, false, serviceKB)

	v, res, err := AskJSON[Verdict](context.Background(), f.sdk, target.Intent{}, AskRequest{Query: "ok?"})
	require.NoError(t, err)
	assert.Equal(t, Verdict{Label: "yes", Confidence: 0.9}, v)
	assert.NotEmpty(t, res.Object)
}

func TestAskJSON_NoObject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/kb/kb1/ask", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"answer","text":"plain"}`)
	})
	f := newFixture(t, mux, false, serviceKB)

	_, _, err := AskJSON[Verdict](context.Background(), f.sdk, target.Intent{}, AskRequest{Query: "ok?"})
	assert.ErrorIs(t, err, errs.ErrMalformedResponse)
}

func TestAsk_NoDefaultKB(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, nil)

	_, err := f.sdk.Ask(context.Background(), target.Intent{}, AskRequest{Query: "q"})
	assert.ErrorIs(t, err, errs.ErrNotConfigured)
}

func TestUploadReader(t *testing.T) {
	var (
		mu      sync.Mutex
		offsets []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/kb/kb1/resource/r1/file/file/tusupload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "11", r.Header.Get("Upload-Length"))
		assert.Equal(t, "True", r.Header.Get(target.HeaderSynchronous))
		w.Header().Set("Location", "/api/v1/kb/kb1/tusupload/up-1")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("PATCH /api/v1/kb/kb1/tusupload/up-1", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		offsets = append(offsets, r.Header.Get("Upload-Offset"))
		mu.Unlock()
		var off int
		fmt.Sscan(r.Header.Get("Upload-Offset"), &off)
		w.Header().Set("Upload-Offset", fmt.Sprint(off+len(data)))
		w.WriteHeader(http.StatusNoContent)
	})
	f := newFixture(t, mux, false, serviceKB, WithChunkSize(4))

	res, err := f.sdk.UploadReader(context.Background(), target.Intent{}, "hello.txt", strings.NewReader("hello world"), 11, UploadOptions{RID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", res.RID)
	assert.Equal(t, int64(11), res.Size)
	assert.False(t, res.Created)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "4", "8"}, offsets)
}

func TestUploadFile_Missing(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, serviceKB)

	_, err := f.sdk.UploadFile(context.Background(), target.Intent{}, filepath.Join(t.TempDir(), "absent.pdf"), UploadOptions{})
	assert.Error(t, err)
}

func TestDeleteResource(t *testing.T) {
	var deleted atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/kb/kb1/resource/r9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "True", r.Header.Get(target.HeaderSynchronous))
		deleted.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	f := newFixture(t, mux, false, serviceKB)

	require.NoError(t, f.sdk.DeleteResource(context.Background(), target.Intent{}, "r9"))
	assert.True(t, deleted.Load())

	err := f.sdk.DeleteResource(context.Background(), target.Intent{}, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestNotifications(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/kb/kb1/notifications", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"resource_indexed","data":{"resource_uuid":"r1"}}`)
		fmt.Fprintln(w, `garbage`)
		fmt.Fprintln(w, `{"type":"resource_written","data":{"resource_uuid":"r2"}}`)
	})
	f := newFixture(t, mux, false, serviceKB)

	var types []string
	for n, err := range f.sdk.Notifications(context.Background(), target.Intent{}) {
		require.NoError(t, err)
		types = append(types, n.Type)
	}
	assert.Equal(t, []string{"resource_indexed", "resource_written"}, types)
}

func TestNotifications_StopEarly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/kb/kb1/notifications", func(w http.ResponseWriter, r *http.Request) {
		for i := range 3 {
			fmt.Fprintf(w, "{\"type\":\"n%d\"}\n", i)
		}
	})
	f := newFixture(t, mux, false, serviceKB)

	count := 0
	for _, err := range f.sdk.Notifications(context.Background(), target.Intent{}) {
		require.NoError(t, err)
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestLocalNucliaDB(t *testing.T) {
	var roles atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/kb/local-kb/resource/r1", r.URL.Path)
		roles.Store(r.Header.Get(target.HeaderRoles))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, http.NotFoundHandler(), false, nil,
		WithHTTPClient(httpclient.New(httpclient.WithBackoff(httpclient.Backoff{MaxAttempts: 1}))))

	err := f.sdk.DeleteResource(context.Background(), target.Intent{Scope: target.ScopeLocal, URL: srv.URL, Key: "local-kb"}, "r1")
	require.NoError(t, err)
	assert.Equal(t, "WRITER", roles.Load())
}

// ============================================================================
// NUA
// ============================================================================

func nuaSeed(t *testing.T) func(*config.Config) {
	key := sign(t, map[string]any{
		jwt.IssuerKey:     "https://europe-1." + domain,
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	})
	return func(c *config.Config) {
		c.UpsertNUA(config.NUAKey{Client: "cli-1", Region: "https://europe-1." + domain, Token: key})
		c.Default.NUA = "cli-1"
	}
}

func TestGenerate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/predict/chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "europe-1."+domain, r.Host)
		assert.Equal(t, "chatgpt-azure", r.URL.Query().Get("model"))
		assert.True(t, strings.HasPrefix(r.Header.Get(target.HeaderNUAKey), "Bearer "))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body["question"])
		assert.NotContains(t, body, "model")

		fmt.Fprint(w, "Hello from the model")
	})
	f := newFixture(t, mux, false, nuaSeed(t))

	text, err := f.sdk.GenerateText(context.Background(), target.Intent{}, GenerateRequest{Question: "hi", Model: "chatgpt-azure"})
	require.NoError(t, err)
	assert.Equal(t, "Hello from the model", text)
}

func TestGenerate_Chunks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/predict/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "abcdefghij")
	})
	f := newFixture(t, mux, false, nuaSeed(t))

	var chunks []string
	for chunk, err := range f.sdk.Generate(context.Background(), target.Intent{}, GenerateRequest{Question: "q"}, 4) {
		require.NoError(t, err)
		chunks = append(chunks, string(chunk))
	}
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
}

func TestGenerate_NoKey(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler(), false, nil)

	for _, err := range f.sdk.Generate(context.Background(), target.Intent{}, GenerateRequest{Question: "q"}, 0) {
		assert.ErrorIs(t, err, errs.ErrNotConfigured)
	}
}

// ============================================================================
// AGENT
// ============================================================================

func TestInteract(t *testing.T) {
	var session atomic.Value
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agent/ag1/ephemeral_tokens", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc", r.Header.Get(target.HeaderServiceAccount))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		session.Store(body["agent_session"])
		writeJSON(w, map[string]string{"token": "eph-1"})
	})
	mux.HandleFunc("GET /api/v1/agent/ag1/session/{session}/ws", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, session.Load(), r.PathValue("session"))
		assert.Equal(t, "eph-1", r.URL.Query().Get("eph-token"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var q map[string]any
		if !assert.NoError(t, conn.ReadJSON(&q)) {
			return
		}
		assert.Equal(t, "Who?", q["question"])
		assert.Equal(t, "QUESTION", q["operation"])

		_ = conn.WriteJSON(map[string]any{"operation": "START"})
		_ = conn.WriteJSON(map[string]any{"operation": "AGENT_REQUEST", "feedback": map[string]any{"request_id": "r1", "question": "Which year?"}})

		var reply map[string]any
		if !assert.NoError(t, conn.ReadJSON(&reply)) {
			return
		}
		assert.Equal(t, map[string]any{"request_id": "r1", "response": "1987"}, reply)

		_ = conn.WriteJSON(map[string]any{"operation": "ANSWER", "answer": "Born in 1987"})
		_ = conn.WriteJSON(map[string]any{"operation": "DONE"})
	})
	f := newFixture(t, mux, false, func(c *config.Config) {
		c.UpsertAgent(config.Agent{ID: "ag1", Slug: "helper", URL: "https://europe-1." + domain + "/api/v1/agent/ag1", Token: "svc"})
		c.Default.Agent = "ag1"
	})

	s, err := f.sdk.Interact(context.Background(), target.Intent{}, "Who?", nil)
	require.NoError(t, err)
	defer s.Close()

	var ops []answer.Operation
	var final string
	for frame, err := range s.Frames(context.Background()) {
		require.NoError(t, err)
		ops = append(ops, frame.Operation)
		if frame.Operation == answer.OpAgentRequest {
			require.NoError(t, s.Reply("1987"))
		}
		if frame.Operation == answer.OpAnswer {
			final = frame.AnswerText()
		}
	}

	assert.Equal(t, []answer.Operation{answer.OpStart, answer.OpAgentRequest, answer.OpAnswer, answer.OpDone}, ops)
	assert.Equal(t, "Born in 1987", final)
	assert.Equal(t, answer.StateTerminal, s.State())
}

func TestInteract_TokenRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agent/ag1/ephemeral_tokens", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	f := newFixture(t, mux, false, func(c *config.Config) {
		c.UpsertAgent(config.Agent{ID: "ag1", URL: "https://europe-1." + domain + "/api/v1/agent/ag1", Token: "svc"})
	})

	_, err := f.sdk.Interact(context.Background(), target.Intent{Key: "ag1"}, "Who?", nil)
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

// ============================================================================
// OPTIONS
// ============================================================================

func TestNew_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	store, err := config.Open(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)

	s := New(store, config.Settings{BaseDomain: domain}, WithRegistry(reg))
	defer s.Close()

	_, err = s.Accounts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidCredentials))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, n, "no request was sent")
	assert.Equal(t, store, s.Store())
	assert.Equal(t, domain, s.Settings().BaseDomain)
}
