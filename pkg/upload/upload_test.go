package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
)

type patchCall struct {
	offset int64
	length int
	final  string
}

// tusServer is an in-memory KB that speaks enough tus for the engine.
type tusServer struct {
	t *testing.T

	mu          sync.Mutex
	patches     []patchCall
	deleted     []string
	created     []string
	startHeader http.Header
	received    bytes.Buffer
	offset      int64

	failOnPatch    int // 1-based; 0 disables
	createConflict bool
	slugs          map[string]string
	badOffset      bool
}

func newTusServer(t *testing.T) (*tusServer, *httptest.Server) {
	ts := &tusServer{t: t, slugs: map[string]string{}}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)
	return ts, srv
}

func (s *tusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := strings.TrimPrefix(r.URL.Path, "/api/v1/kb/kb-1")
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/slug/"):
		rid, ok := s.slugs[strings.TrimPrefix(p, "/slug/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"id":%q}`, rid)

	case r.Method == http.MethodPost && p == "/resources":
		if s.createConflict {
			w.WriteHeader(http.StatusConflict)
			return
		}
		rid := fmt.Sprintf("rid-%d", len(s.created)+1)
		s.created = append(s.created, rid)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"uuid":%q}`, rid)

	case r.Method == http.MethodPost && strings.HasSuffix(p, "/tusupload"):
		s.startHeader = r.Header.Clone()
		w.Header().Set("Location", "tusupload/session-1")
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodPatch && strings.HasSuffix(p, "/tusupload/session-1"):
		body, _ := io.ReadAll(r.Body)
		off, _ := strconv.ParseInt(r.Header.Get("upload-offset"), 10, 64)
		s.patches = append(s.patches, patchCall{offset: off, length: len(body), final: r.Header.Get("upload-length")})
		assert.Equal(s.t, "application/offset+octet-stream", r.Header.Get("Content-Type"))
		if s.failOnPatch == len(s.patches) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"detail":"disk full"}`))
			return
		}
		s.received.Write(body)
		s.offset = off + int64(len(body))
		if s.badOffset {
			s.offset++
		}
		w.Header().Set("Upload-Offset", strconv.FormatInt(s.offset, 10))
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && strings.HasPrefix(p, "/resource/"):
		s.deleted = append(s.deleted, strings.TrimPrefix(p, "/resource/"))
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func kbTarget(srv *httptest.Server) *target.Target {
	return &target.Target{
		BaseURL: srv.URL + "/api/v1/kb/kb-1",
		Header:  http.Header{"X-Nuclia-Serviceaccount": {"Bearer svc"}, "X-Synchronous": {"True"}},
		Timeout: 5 * time.Second,
	}
}

func engine() *Engine {
	client := httpclient.New(httpclient.WithBackoff(httpclient.Backoff{MaxAttempts: 5, Factor: time.Millisecond}))
	return NewEngine(client)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// ============================================================================
// CHUNKING
// ============================================================================

func TestUpload_ChunksLargeFile(t *testing.T) {
	ts, srv := newTusServer(t)
	data := payload(1_600_000)

	res, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(srv),
		Source: Source{Name: "report.pdf", Reader: bytes.NewReader(data), Size: int64(len(data)), MD5: "abc"},
	})
	require.NoError(t, err)

	assert.Equal(t, "rid-1", res.RID)
	assert.True(t, res.Created)
	assert.Equal(t, int64(1_600_000), res.Size)
	assert.Equal(t, []patchCall{
		{offset: 0, length: 524288},
		{offset: 524288, length: 524288},
		{offset: 1048576, length: 524288},
		{offset: 1572864, length: 27136},
	}, ts.patches)
	assert.Equal(t, data, ts.received.Bytes())
	assert.Empty(t, ts.deleted)

	h := ts.startHeader
	assert.Equal(t, "1600000", h.Get("upload-length"))
	assert.Equal(t, "1.0.0", h.Get("tus-resumable"))
	assert.Equal(t, "application/pdf", h.Get("content-type"))
	want := "filename " + base64.StdEncoding.EncodeToString([]byte("report.pdf")) +
		",md5 " + base64.StdEncoding.EncodeToString([]byte("abc"))
	assert.Equal(t, want, h.Get("upload-metadata"))
	assert.Equal(t, "Bearer svc", h.Get("X-Nuclia-Serviceaccount"))
}

func TestUpload_PatchCountIsCeil(t *testing.T) {
	for _, size := range []int{1, 1023, 1024, 1025, 4096} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			ts, srv := newTusServer(t)
			e := NewEngine(httpclient.New(), WithChunkSize(1024))

			_, err := e.Upload(context.Background(), Request{
				Target: kbTarget(srv),
				RID:    "r",
				Source: Source{Name: "a.txt", Reader: bytes.NewReader(payload(size)), Size: int64(size)},
			})
			require.NoError(t, err)
			assert.Len(t, ts.patches, (size+1023)/1024)
			assert.Equal(t, int64(size), ts.offset)
		})
	}
}

func TestUpload_DeferredLength(t *testing.T) {
	ts, srv := newTusServer(t)
	e := NewEngine(httpclient.New(), WithChunkSize(1024))

	_, err := e.Upload(context.Background(), Request{
		Target: kbTarget(srv),
		RID:    "r",
		Source: Source{Name: "stream.bin", Reader: io.MultiReader(bytes.NewReader(payload(2048))), Size: -1},
	})
	require.NoError(t, err)

	assert.Equal(t, "1", ts.startHeader.Get("upload-defer-length"))
	assert.Empty(t, ts.startHeader.Get("upload-length"))
	require.Len(t, ts.patches, 2)
	assert.Empty(t, ts.patches[0].final)
	assert.Equal(t, "2048", ts.patches[1].final)
}

func TestUpload_DeferredLengthEmptySource(t *testing.T) {
	ts, srv := newTusServer(t)

	res, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(srv),
		RID:    "r",
		Source: Source{Name: "empty.bin", Reader: strings.NewReader(""), Size: -1},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Size)
	require.Len(t, ts.patches, 1)
	assert.Equal(t, patchCall{offset: 0, length: 0, final: "0"}, ts.patches[0])
}

// ============================================================================
// FAILURES AND CLEANUP
// ============================================================================

func TestUpload_FailureDeletesCreatedResource(t *testing.T) {
	ts, srv := newTusServer(t)
	ts.failOnPatch = 3
	data := payload(1_600_000)

	_, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(srv),
		Source: Source{Name: "report.pdf", Reader: bytes.NewReader(data), Size: int64(len(data))},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRemote))
	assert.Equal(t, 500, errs.StatusCode(err))

	assert.Len(t, ts.patches, 3, "no patches after the failure")
	assert.Equal(t, []string{"rid-1"}, ts.deleted)
}

func TestUpload_FailureKeepsCallerResource(t *testing.T) {
	ts, srv := newTusServer(t)
	ts.failOnPatch = 1

	_, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(srv),
		RID:    "existing",
		Source: Source{Name: "a.txt", Reader: bytes.NewReader(payload(10)), Size: 10},
	})
	require.Error(t, err)
	assert.Empty(t, ts.deleted)
}

func TestUpload_OffsetDesync(t *testing.T) {
	ts, srv := newTusServer(t)
	ts.badOffset = true

	_, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(srv),
		Source: Source{Name: "a.txt", Reader: bytes.NewReader(payload(10)), Size: 10},
	})
	assert.True(t, errors.Is(err, errs.ErrUploadDesync))
	assert.Equal(t, []string{"rid-1"}, ts.deleted)
}

func TestUpload_ShortSource(t *testing.T) {
	_, srv := newTusServer(t)

	_, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(srv),
		RID:    "r",
		Source: Source{Name: "a.txt", Reader: bytes.NewReader(payload(10)), Size: 20},
	})
	assert.True(t, errors.Is(err, errs.ErrUploadDesync))
}

func TestUpload_CancelledBetweenChunks(t *testing.T) {
	ts, srv := newTusServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	e := NewEngine(httpclient.New(), WithChunkSize(4), WithReporter(reporterFunc(func(uploaded int64) {
		if uploaded >= 8 {
			cancel()
		}
	})))

	_, err := e.Upload(ctx, Request{
		Target: kbTarget(srv),
		Source: Source{Name: "a.txt", Reader: bytes.NewReader(payload(20)), Size: 20},
	})
	assert.True(t, errors.Is(err, errs.ErrCancelled))
	assert.Len(t, ts.patches, 2)
	assert.Equal(t, []string{"rid-1"}, ts.deleted, "cleanup runs on a detached context")
}

// ============================================================================
// RESOURCE RESOLUTION
// ============================================================================

func TestUpload_SlugLookup(t *testing.T) {
	ts, srv := newTusServer(t)
	ts.slugs["my-doc"] = "rid-existing"

	res, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(srv),
		Slug:   "my-doc",
		Field:  "attachment",
		Source: Source{Name: "a.txt", Reader: bytes.NewReader(payload(3)), Size: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "rid-existing", res.RID)
	assert.Equal(t, "attachment", res.Field)
	assert.False(t, res.Created)
	assert.Empty(t, ts.created)
}

func TestUpload_DuplicateOnCreateFallsBackToLookup(t *testing.T) {
	ts, _ := newTusServer(t)
	ts.createConflict = true

	// The slug appears only after the first lookup, as if another client
	// created it concurrently.
	lookups := 0
	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/slug/") {
			lookups++
			if lookups == 2 {
				ts.mu.Lock()
				ts.slugs["race"] = "rid-race"
				ts.mu.Unlock()
			}
		}
		ts.ServeHTTP(w, r)
	}))
	defer wrapped.Close()

	res, err := engine().Upload(context.Background(), Request{
		Target: kbTarget(wrapped),
		Slug:   "race",
		Source: Source{Name: "a.txt", Reader: bytes.NewReader(payload(3)), Size: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "rid-race", res.RID)
	assert.False(t, res.Created)
}

func TestResolveLocation(t *testing.T) {
	got, err := resolveLocation("https://h/api/v1/kb/x", "tusupload/abc")
	require.NoError(t, err)
	assert.Equal(t, "https://h/api/v1/kb/x/tusupload/abc", got)

	got, err = resolveLocation("https://h/api/v1/kb/x", "/api/v1/kb/x/tusupload/abc")
	require.NoError(t, err)
	assert.Equal(t, "https://h/api/v1/kb/x/tusupload/abc", got)

	got, err = resolveLocation("https://h/api/v1/kb/x", "https://other/tus/1")
	require.NoError(t, err)
	assert.Equal(t, "https://other/tus/1", got)
}

// ============================================================================
// SOURCES
// ============================================================================

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentTypeFor("a.PDF"))
	assert.Equal(t, defaultContentType, ContentTypeFor("noext"))
	assert.Equal(t, defaultContentType, ContentTypeFor("x.unknownext"))
}

func TestOpenFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o600))

	src, closer, err := OpenFile(p)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, "hello.txt", src.Name)
	assert.Equal(t, int64(5), src.Size)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", src.MD5)
	data, err := io.ReadAll(src.Reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, _, err = OpenFile(t.TempDir())
	assert.Error(t, err)
}

func TestOpenRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	src, closer, err := OpenRemote(context.Background(), httpclient.New(), srv.URL+"/exports/data.csv")
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, "data.csv", src.Name)
	assert.Equal(t, "text/csv", src.ContentType)
	assert.Equal(t, int64(8), src.Size)
}

func TestBarReporter(t *testing.T) {
	var out bytes.Buffer
	r := NewBarReporter(&out)
	r.Start("a.bin", 2048)
	r.Advance(1024, 2048)
	r.Finish(nil)

	assert.Contains(t, out.String(), "a.bin")
	assert.Contains(t, out.String(), "1.0 KiB/2.0 KiB")
}

type reporterFunc func(uploaded int64)

func (f reporterFunc) Start(string, int64)       {}
func (f reporterFunc) Advance(uploaded, _ int64) { f(uploaded) }
func (f reporterFunc) Finish(error)              {}

func TestOpenRemote_NoHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("chunked body"))
	}))
	defer srv.Close()

	src, closer, err := OpenRemote(context.Background(), httpclient.New(), srv.URL+"/blob")
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, int64(-1), src.Size)
	assert.Equal(t, defaultContentType, src.ContentType)
}
