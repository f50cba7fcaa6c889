package deploy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// newFakeS3 serves a single object at /bucket/site.zip, path-style.
func newFakeS3(t *testing.T, etag string, body []byte) (*httptest.Server, *[]string) {
	t.Helper()

	var mu sync.Mutex
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()

		if r.URL.Path != "/bucket/site.zip" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`))
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &methods
}

func newS3Engine(t *testing.T, srv *httptest.Server, source string, head bool) *Engine {
	t.Helper()

	s3t := NewS3Transport(S3Config{
		Endpoint:  srv.URL,
		AccessKey: "test",
		SecretKey: "test",
	})
	e, err := New(Config{
		SourceURL:      source,
		DestinationDir: filepath.Join(t.TempDir(), "content"),
		HeadCheck:      head,
	}, WithTransport(s3t, "s3"))
	require.NoError(t, err)
	return e
}

func TestS3Transport_Refresh(t *testing.T) {
	srv, _ := newFakeS3(t, `"d41d8cd98f00b204"`, makeZip(t, siteFiles))
	e := newS3Engine(t, srv, "s3://bucket/site.zip", false)
	ctx := context.Background()

	updated, err := e.RefreshIfNeeded(ctx, "", false)
	require.NoError(t, err)
	require.True(t, updated)
	require.FileExists(t, filepath.Join(e.Config().DestinationDir, "sub", "b.txt"))

	local, ok, err := e.LocalMarker()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `"d41d8cd98f00b204"`, local)

	updated, err = e.RefreshIfNeeded(ctx, "", false)
	require.NoError(t, err)
	require.False(t, updated)
}

func TestS3Transport_HeadMarker(t *testing.T) {
	srv, methods := newFakeS3(t, `"abc"`, makeZip(t, siteFiles))
	e := newS3Engine(t, srv, "s3://bucket/site.zip", true)

	marker, err := e.FetchRemoteMarker(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, `"abc"`, marker)
	require.Equal(t, []string{http.MethodHead}, *methods)
}

func TestS3Transport_MissingObject(t *testing.T) {
	srv, _ := newFakeS3(t, `"abc"`, nil)
	e := newS3Engine(t, srv, "s3://bucket/missing.zip", false)

	_, err := e.FetchRemoteMarker(context.Background(), "")
	require.ErrorIs(t, err, ErrNetwork)
}

func TestS3Location(t *testing.T) {
	u, err := url.Parse("s3://bucket/releases/site.zip")
	require.NoError(t, err)
	bucket, key, err := s3Location(u)
	require.NoError(t, err)
	require.Equal(t, "bucket", bucket)
	require.Equal(t, "releases/site.zip", key)

	u, err = url.Parse("s3://bucket/")
	require.NoError(t, err)
	_, _, err = s3Location(u)
	require.ErrorIs(t, err, ErrValidation)
}
