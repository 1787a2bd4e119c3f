package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// Stream is an open response whose body is consumed incrementally. Callers
// must Close it.
type Stream struct {
	StatusCode int
	Header     http.Header

	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	timer  *time.Timer
	idle   time.Duration

	timedOut  atomic.Bool
	closeOnce sync.Once
}

// Stream opens req and returns the body for incremental reads. The request
// Timeout is applied as an idle timeout: the stream fails if no byte arrives
// for that long. Opening is retried like Do when req.Retry is set; reads are
// never retried.
func (c *Client) Stream(ctx context.Context, req *Request) (*Stream, error) {
	req = withMethod(req)
	body, err := prepareBody(req)
	if err != nil {
		return nil, err
	}

	open := func(ctx context.Context) (*Stream, error) {
		return c.openStream(ctx, req, body)
	}
	if !req.Retry {
		return open(ctx)
	}
	return Retry(ctx, c.retryPolicy(req.Method), open)
}

func (c *Client) openStream(ctx context.Context, req *Request, body *requestBody) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	resp, err := c.send(ctx, req, body)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err := classify(resp.StatusCode, resp.Header, data); err != nil {
			return nil, err
		}
		return nil, errs.Remote(resp.StatusCode, "unexpected redirect on stream")
	}

	s := &Stream{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		ctx:        ctx,
		body:       resp.Body,
		cancel:     cancel,
		idle:       req.Timeout,
	}
	if s.idle > 0 {
		s.timer = time.AfterFunc(s.idle, func() {
			s.timedOut.Store(true)
			cancel()
		})
	}
	s.reader = bufio.NewReader(idleReader{s})
	return s, nil
}

// idleReader re-arms the idle timer on every read.
type idleReader struct {
	s *Stream
}

func (r idleReader) Read(p []byte) (int, error) {
	n, err := r.s.body.Read(p)
	if n > 0 && r.s.timer != nil {
		r.s.timer.Reset(r.s.idle)
	}
	return n, err
}

// Lines yields each non-empty newline-delimited record. Iteration stops at
// end of stream or on the first error, which is yielded once.
func (s *Stream) Lines() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			line, err := s.reader.ReadBytes('\n')
			line = bytes.TrimSpace(line)
			if len(line) > 0 && !yield(line, nil) {
				return
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, s.readError(err))
				}
				return
			}
		}
	}
}

// DefaultChunkSize is used by Chunks when size is not positive.
const DefaultChunkSize = 32 * 1024

// Chunks yields the raw body in pieces of at most size bytes. Every chunk
// is a fresh slice.
func (s *Stream) Chunks(size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, size)
		for {
			n, err := io.ReadFull(s.reader, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					yield(nil, s.readError(err))
				}
				return
			}
		}
	}
}

// Read implements io.Reader over the remaining body.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, s.readError(err)
	}
	return n, err
}

func (s *Stream) readError(err error) error {
	if s.timedOut.Load() {
		return &errs.Error{Kind: errs.ErrRemote, Detail: fmt.Sprintf("stream idle for %v", s.idle)}
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", errs.ErrCancelled, ctxErr)
	}
	return &errs.Error{Kind: errs.ErrRemote, Detail: err.Error()}
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		err = s.body.Close()
		s.cancel()
	})
	return err
}
