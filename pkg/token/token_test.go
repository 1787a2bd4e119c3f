package token

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
)

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

// ============================================================================
// PARSING
// ============================================================================

func TestParse(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := sign(t, map[string]any{
		jwt.IssuerKey:     "https://europe-1.rag.progress.cloud/",
		jwt.ExpirationKey: exp,
		jwt.JwtIDKey:      "acc-1",
		"client_id":       "cli-1",
	})

	c, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://europe-1.rag.progress.cloud", c.Issuer)
	assert.True(t, exp.Equal(c.Expiry))
	assert.Equal(t, "acc-1", c.ID)
	assert.Equal(t, "cli-1", c.ClientID)
	assert.Equal(t, raw, c.Raw)
}

func TestParse_ClampsFarFutureExpiry(t *testing.T) {
	raw := sign(t, map[string]any{jwt.ExpirationKey: time.Unix(40_000_000_000, 0)})

	c, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(32_536_850_399), c.Expiry.Unix())

	_, err = Validate(raw, time.Now())
	assert.NoError(t, err)
}

func TestParse_CompactToken(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString
	raw := enc([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." +
		enc([]byte(`{"iss":"https://europe-1.rag.progress.cloud/","exp":40000000000,"sub":"user-1","client_id":"cli-1"}`)) + "." +
		enc([]byte("not-a-real-signature"))

	c, err := Validate(raw, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "https://europe-1.rag.progress.cloud", c.Issuer)
	assert.Equal(t, "user-1", c.Subject)
	assert.Equal(t, "cli-1", c.ClientID)
	assert.Equal(t, MaxExpiry, c.Expiry.Unix())
}

func TestParse_Malformed(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "two_segments", raw: "abc.def"},
		{name: "garbage_payload", raw: header + "." + payload + ".sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.True(t, errors.Is(err, errs.ErrMalformedToken), "got %v", err)
		})
	}
}

func TestValidate_Expired(t *testing.T) {
	raw := sign(t, map[string]any{jwt.ExpirationKey: time.Now().Add(-time.Minute)})

	_, err := Validate(raw, time.Now())
	assert.True(t, errors.Is(err, errs.ErrTokenExpired))
}

func TestValidate_NoExpiry(t *testing.T) {
	raw := sign(t, map[string]any{jwt.IssuerKey: "https://x"})

	c, err := Validate(raw, time.Now())
	require.NoError(t, err)
	assert.True(t, c.Expiry.IsZero())
	assert.False(t, c.Expired(time.Now()))
}

// ============================================================================
// NUA VERIFICATION
// ============================================================================

func TestVerifyNUA(t *testing.T) {
	var seen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/authorizer/info", r.URL.Path)
		seen.Store(r.Header.Get(NUAKeyHeader))
		_, _ = w.Write([]byte(`{"user_id":"u-1","account_type":"stash-trial","account_id":"acc-9"}`))
	}))
	defer server.Close()

	raw := sign(t, map[string]any{
		jwt.IssuerKey:     server.URL + "/",
		jwt.ExpirationKey: time.Now().Add(time.Hour),
		jwt.JwtIDKey:      "cli-7",
	})

	key, err := NewIntrospector(httpclient.New()).VerifyNUA(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+raw, seen.Load())
	assert.Equal(t, "cli-7", key.Client)
	assert.Equal(t, "acc-9", key.Account)
	assert.Equal(t, "stash-trial", key.AccountType)
	assert.Equal(t, "u-1", key.User)
	assert.Equal(t, server.URL, key.Region)
	assert.Equal(t, raw, key.Token)
}

func TestVerifyNUA_ExpiredDoesNoIO(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	raw := sign(t, map[string]any{
		jwt.IssuerKey:     server.URL,
		jwt.ExpirationKey: time.Now().Add(-time.Hour),
	})

	_, err := NewIntrospector(httpclient.New()).VerifyNUA(context.Background(), raw)
	assert.True(t, errors.Is(err, errs.ErrTokenExpired))
	assert.Equal(t, int32(0), calls.Load())
}
