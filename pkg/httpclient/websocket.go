package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// DialWebSocket opens a WebSocket. A rejected handshake is classified like
// any other HTTP answer.
func (c *Client) DialWebSocket(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, rawURL, header)
	if err == nil {
		return conn, nil
	}

	if resp != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if classified := classify(resp.StatusCode, resp.Header, body); classified != nil {
			return nil, classified
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, ctxErr)
	}
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
		return nil, errs.Remote(resp.StatusCode, "websocket handshake rejected")
	}
	return nil, &errs.Error{Kind: errs.ErrRemote, Detail: err.Error()}
}
