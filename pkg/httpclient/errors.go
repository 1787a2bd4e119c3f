package httpclient

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

const maxDetailLen = 512

var revokedPattern = regexp.MustCompile(`(?i)token.*(revoked|expired)`)

// classify maps a non-2xx answer to the error taxonomy. It returns nil for
// 2xx and for 3xx (redirect handling is the caller's concern).
func classify(code int, header http.Header, body []byte) error {
	if code < 400 {
		return nil
	}

	detail, fields := parseDetail(body)
	e := &errs.Error{StatusCode: code, Detail: detail}

	switch {
	case (code == http.StatusUnauthorized || code == http.StatusForbidden) && revokedPattern.Match(body):
		e.Kind = errs.ErrTokenExpired
	case code == http.StatusForbidden:
		e.Kind = errs.ErrForbidden
	case code == http.StatusNotFound:
		e.Kind = errs.ErrNotFound
	case code == http.StatusConflict:
		e.Kind = errs.ErrDuplicate
	case code == http.StatusUnprocessableEntity:
		e.Kind = errs.ErrInvalidPayload
		e.Fields = fields
	case code == http.StatusTooManyRequests:
		e.Kind = errs.ErrRateLimited
		e.RetryAfter = ParseRetryAfter(header)
	default:
		e.Kind = errs.ErrRemote
	}
	return e
}

// parseDetail pulls the human-readable message out of an error body. The
// platform answers {"detail": "..."} or, for validation failures,
// {"detail": [{"loc": [...], "msg": "...", "type": "..."}]}.
func parseDetail(body []byte) (string, []errs.FieldError) {
	var doc struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && len(doc.Detail) > 0 {
		var text string
		if json.Unmarshal(doc.Detail, &text) == nil {
			return truncate(text), nil
		}
		var fields []errs.FieldError
		if json.Unmarshal(doc.Detail, &fields) == nil {
			return "", fields
		}
		return truncate(string(doc.Detail)), nil
	}
	return truncate(strings.TrimSpace(string(body))), nil
}

func truncate(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	return s[:maxDetailLen] + "..."
}

// ParseRetryAfter reads the Retry-After header, which is either a number of
// seconds or an HTTP date. It returns 0 when absent or unparsable.
func ParseRetryAfter(headers http.Header) time.Duration {
	v := strings.TrimSpace(headers.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(v, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
