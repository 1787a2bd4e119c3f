package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/target"
)

const defaultContentType = "application/octet-stream"

// Source is the byte stream being uploaded.
type Source struct {
	Name   string
	Reader io.Reader

	// Size is the total length, or -1 when unknown.
	Size int64

	// ContentType defaults to a guess from Name.
	ContentType string

	// MD5 is the hex digest, sent in the upload metadata when set.
	MD5 string
}

func (s Source) contentType() string {
	if s.ContentType != "" {
		return s.ContentType
	}
	return ContentTypeFor(s.Name)
}

// ContentTypeFor guesses the MIME type from the file extension.
func ContentTypeFor(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return defaultContentType
}

// OpenFile opens a local file as a Source. The digest is computed up front;
// the caller closes the returned file.
func OpenFile(p string) (Source, io.Closer, error) {
	f, err := os.Open(p)
	if err != nil {
		return Source{}, nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Source{}, nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if info.IsDir() {
		f.Close()
		return Source{}, nil, fmt.Errorf("%s is a directory", p)
	}

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		f.Close()
		return Source{}, nil, fmt.Errorf("failed to hash %s: %w", p, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return Source{}, nil, fmt.Errorf("failed to rewind %s: %w", p, err)
	}

	return Source{
		Name:   filepath.Base(p),
		Reader: f,
		Size:   info.Size(),
		MD5:    hex.EncodeToString(h.Sum(nil)),
	}, f, nil
}

// OpenRemote streams a remote file as a Source. Size and content type come
// from the response: -1 and application/octet-stream when absent. The
// caller closes the returned stream.
func OpenRemote(ctx context.Context, client *httpclient.Client, rawURL string) (Source, io.Closer, error) {
	s, err := client.Stream(ctx, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		Timeout: target.Stream.Duration(),
		Retry:   true,
	})
	if err != nil {
		return Source{}, nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}

	size := int64(-1)
	if v := s.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			size = n
		}
	}

	name := "file"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}

	ct := s.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt == "" {
		ct = defaultContentType
	}

	return Source{Name: name, Reader: s, Size: size, ContentType: ct}, s, nil
}
