package httpclient

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// loggingTransport logs every round trip. Enabled by DEBUG_HTTPX_REQUESTS.
type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	u := redact(req.URL)
	t.logger.Info("HTTP request", "method", req.Method, "url", u)

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.logger.Info("HTTP request failed", "method", req.Method, "url", u, "error", err)
		return nil, err
	}
	t.logger.Info("HTTP response",
		"method", req.Method,
		"url", u,
		"status", resp.StatusCode,
		"elapsed", time.Since(start))
	return resp, nil
}

// redact hides query credentials such as eph-token.
func redact(u *url.URL) string {
	if u.RawQuery == "" {
		return u.String()
	}
	c := *u
	q := c.Query()
	for k := range q {
		if k == "eph-token" || k == "token" {
			q.Set(k, "REDACTED")
		}
	}
	c.RawQuery = q.Encode()
	return c.String()
}
