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

// Package token reads the claims the client needs out of bearer tokens.
// Signatures are not verified; the platform does that.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// MaxExpiry is the latest expiry the client represents. Larger exp values
// are clamped to it so 32-bit time handling downstream keeps working.
const MaxExpiry int64 = 32_536_850_399

// Claims are the fields read from a token payload.
type Claims struct {
	// Issuer is the iss claim without a trailing slash. For NUA keys it is
	// the regional base URL.
	Issuer string

	// Expiry is the clamped exp claim; zero when the token carries none.
	Expiry time.Time

	// ID is the optional jti claim.
	ID string

	Subject string

	// ClientID is the client_id claim carried by NUA keys.
	ClientID string

	Raw string
}

// Expired reports whether the token has an expiry at or before now.
func (c *Claims) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Parse extracts the claims from a compact token without verifying it.
func Parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, ".") < 2 {
		return nil, fmt.Errorf("%w: expected three segments", errs.ErrMalformedToken)
	}

	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedToken, err)
	}

	c := &Claims{
		Issuer:  strings.TrimSuffix(tok.Issuer(), "/"),
		ID:      tok.JwtID(),
		Subject: tok.Subject(),
		Raw:     raw,
	}
	if exp := tok.Expiration(); !exp.IsZero() {
		secs := exp.Unix()
		if secs > MaxExpiry {
			secs = MaxExpiry
		}
		c.Expiry = time.Unix(secs, 0).UTC()
	}
	if v, ok := tok.Get("client_id"); ok {
		if s, ok := v.(string); ok {
			c.ClientID = s
		}
	}
	return c, nil
}

// Validate parses raw and rejects it when already expired. It never
// touches the network.
func Validate(raw string, now time.Time) (*Claims, error) {
	c, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if c.Expired(now) {
		return nil, fmt.Errorf("%w: expired at %s", errs.ErrTokenExpired, c.Expiry.Format(time.RFC3339))
	}
	return c, nil
}
