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

// Package errs contains the error taxonomy shared by every layer of the SDK.
//
// Callers match on the sentinels with errors.Is and recover status code and
// server detail with errors.As on *Error.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotConfigured indicates a required default (account, zone, kb, ...) is missing.
	ErrNotConfigured = errors.New("not configured")

	// ErrTokenExpired indicates the user token expired or was revoked.
	ErrTokenExpired = errors.New("token expired")

	// ErrMalformedToken indicates the token payload could not be parsed.
	ErrMalformedToken = errors.New("malformed token")

	// ErrInvalidCredentials indicates no credential of the right class exists for the target.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRateLimited indicates the server answered 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound maps HTTP 404.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate maps HTTP 409.
	ErrDuplicate = errors.New("duplicate")

	// ErrForbidden maps HTTP 403.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidPayload maps HTTP 422.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrRemote is the catch-all for other 4xx/5xx answers and transport failures.
	ErrRemote = errors.New("remote error")

	// ErrUploadDesync indicates the server-reported upload offset disagrees with the client's.
	ErrUploadDesync = errors.New("upload offset desync")

	// ErrMalformedResponse indicates a response body failed to decode.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrCancelled indicates the caller cancelled the operation.
	ErrCancelled = errors.New("cancelled")
)

// FieldError is a single validation failure reported with a 422 answer.
type FieldError struct {
	Location []any `json:"loc"`
	Message  string `json:"msg"`
	Type     string `json:"type"`
}

func (f FieldError) String() string {
	parts := make([]string, 0, len(f.Location))
	for _, p := range f.Location {
		parts = append(parts, fmt.Sprint(p))
	}
	return strings.Join(parts, ".") + ": " + f.Message
}

// Error is a classified failure returned by the request executor.
type Error struct {
	// Kind is one of the sentinels above.
	Kind error

	StatusCode int
	Detail     string

	// RetryAfter is the server hint carried by 429 answers.
	RetryAfter time.Duration

	// Fields lists validation failures for 422 answers.
	Fields []FieldError
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %v)", e.RetryAfter)
	}
	for _, f := range e.Fields {
		b.WriteString("; ")
		b.WriteString(f.String())
	}
	return b.String()
}

// Unwrap returns the sentinel kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

// Remote builds a catch-all error for an unexpected status code.
func Remote(code int, detail string) *Error {
	return &Error{Kind: ErrRemote, StatusCode: code, Detail: detail}
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable reports whether err should be retried locally. Only rate
// limiting is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
