package token

import (
	"context"
	"fmt"
	"net/http"
	"time"

	nuclia "github.com/nuclia/nuclia-go"
	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
)

// NUAKeyHeader carries NUA keys.
const NUAKeyHeader = "X-STF-NUAKEY"

const verifyTimeout = 10 * time.Second

// Introspector resolves the account a NUA key belongs to.
type Introspector struct {
	client *httpclient.Client
	now    func() time.Time
}

// NewIntrospector creates an Introspector over client.
func NewIntrospector(client *httpclient.Client) *Introspector {
	return &Introspector{client: client, now: time.Now}
}

type authorizerInfo struct {
	UserID      string `json:"user_id"`
	AccountType string `json:"account_type"`
	AccountID   string `json:"account_id"`
}

// VerifyNUA parses a NUA key and asks its issuer who owns it. Expired keys
// are rejected before the call.
func (i *Introspector) VerifyNUA(ctx context.Context, raw string) (config.NUAKey, error) {
	claims, err := Validate(raw, i.now())
	if err != nil {
		return config.NUAKey{}, err
	}
	if claims.Issuer == "" {
		return config.NUAKey{}, fmt.Errorf("%w: missing issuer", errs.ErrMalformedToken)
	}

	header := http.Header{}
	header.Set(NUAKeyHeader, "Bearer "+claims.Raw)
	header.Set("User-Agent", nuclia.UserAgent())
	info, err := httpclient.DoJSON[authorizerInfo](ctx, i.client, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     claims.Issuer + "/api/authorizer/info",
		Header:  header,
		Timeout: verifyTimeout,
		Retry:   true,
	})
	if err != nil {
		return config.NUAKey{}, fmt.Errorf("failed to verify NUA key: %w", err)
	}

	client := claims.ClientID
	if client == "" {
		client = claims.ID
	}
	return config.NUAKey{
		Client:      client,
		Account:     info.AccountID,
		AccountType: info.AccountType,
		User:        info.UserID,
		Region:      claims.Issuer,
		Token:       claims.Raw,
	}, nil
}
