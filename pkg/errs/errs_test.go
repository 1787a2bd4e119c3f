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


package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_UnwrapsToKind(t *testing.T) {
	err := fmt.Errorf("list kbs: %w", &Error{Kind: ErrNotFound, StatusCode: 404, Detail: "kb missing"})

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 404, StatusCode(err))
	assert.Contains(t, err.Error(), "kb missing")
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "remote",
			err:  Remote(500, "boom"),
			want: "remote error (HTTP 500): boom",
		},
		{
			name: "rate_limited",
			err:  &Error{Kind: ErrRateLimited, StatusCode: 429, RetryAfter: 3 * time.Second},
			want: "rate limited (HTTP 429) (retry after 3s)",
		},
		{
			name: "fields",
			err: &Error{Kind: ErrInvalidPayload, StatusCode: 422, Fields: []FieldError{
				{Location: []any{"body", "slug"}, Message: "field required"},
			}},
			want: "invalid payload (HTTP 422); body.slug: field required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&Error{Kind: ErrRateLimited}))
	assert.False(t, IsRetryable(Remote(503, "unavailable")))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, 0, StatusCode(errors.New("plain")))
}
