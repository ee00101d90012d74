// ABOUTME: Tests for the image proxy
// ABOUTME: Covers URL checks, caching, fetch coalescing, size and content type limits

package imgproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

type upstream struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func servePNG(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(pngBytes)
}

func newProxy(t *testing.T, cfg Config) *Proxy {
	t.Helper()
	p := New(cfg)
	t.Cleanup(p.Close)
	return p
}

func TestFetchCachesImage(t *testing.T) {
	up := newUpstream(t, servePNG)
	p := newProxy(t, Config{})

	img, err := p.Fetch(context.Background(), up.srv.URL+"/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, pngBytes, img.Data)

	_, err = p.Fetch(context.Background(), up.srv.URL+"/logo.png")
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestFetchCoalescesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		servePNG(w, r)
	})
	p := newProxy(t, Config{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Fetch(context.Background(), up.srv.URL+"/hero.png")
		}()
	}

	require.Eventually(t, func() bool { return up.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestFetchRejectsBadURLs(t *testing.T) {
	p := newProxy(t, Config{})
	for _, raw := range []string{"", "ftp://example.com/a.png", "file:///etc/passwd", "/relative.png", "http://"} {
		_, err := p.Fetch(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}

func TestFetchAllowList(t *testing.T) {
	up := newUpstream(t, servePNG)
	p := newProxy(t, Config{AllowedHosts: []string{"cdn.example.com"}})

	_, err := p.Fetch(context.Background(), up.srv.URL+"/a.png")
	assert.ErrorIs(t, err, ErrHostNotAllowed)
	assert.Zero(t, up.hits.Load())

	srvURL, err := url.Parse(up.srv.URL)
	require.NoError(t, err)
	p = newProxy(t, Config{AllowedHosts: []string{" " + strings.ToUpper(srvURL.Hostname())}})
	_, err = p.Fetch(context.Background(), up.srv.URL+"/a.png")
	assert.NoError(t, err)
}

func TestFetchChecksRedirects(t *testing.T) {
	internal := newUpstream(t, servePNG)
	internalURL, err := url.Parse(internal.srv.URL)
	require.NoError(t, err)

	allowed := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost:"+internalURL.Port()+"/secret.png", http.StatusFound)
	})
	p := newProxy(t, Config{AllowedHosts: []string{"127.0.0.1"}})

	_, err = p.Fetch(context.Background(), allowed.srv.URL+"/a.png")
	assert.ErrorIs(t, err, ErrHostNotAllowed)
	assert.Equal(t, http.StatusForbidden, StatusFor(err))
	assert.Zero(t, internal.hits.Load())

	// redirects that stay on an allowed host are followed
	same := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a.png" {
			http.Redirect(w, r, "/b.png", http.StatusFound)
			return
		}
		servePNG(w, r)
	})
	img, err := p.Fetch(context.Background(), same.srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, img.Data)
}

func TestFetchStopsRedirectLoops(t *testing.T) {
	loop := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	})
	p := newProxy(t, Config{})

	_, err := p.Fetch(context.Background(), loop.srv.URL+"/a.png")
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Equal(t, int32(maxRedirects), loop.hits.Load())
}

func TestFetchRejectsNonImages(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html></html>"))
	})
	p := newProxy(t, Config{})

	_, err := p.Fetch(context.Background(), up.srv.URL)
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestFetchSizeCap(t *testing.T) {
	big := strings.Repeat("x", 64)
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		if r.URL.Query().Get("chunked") != "" {
			// flushing before writing forces chunked encoding with no Content-Length
			w.(http.Flusher).Flush()
		}
		_, _ = w.Write([]byte(big))
	})
	p := newProxy(t, Config{MaxBytes: 32})

	_, err := p.Fetch(context.Background(), up.srv.URL+"/big.gif")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = p.Fetch(context.Background(), up.srv.URL+"/big.gif?chunked=1")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchUpstreamError(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	p := newProxy(t, Config{})

	_, err := p.Fetch(context.Background(), up.srv.URL+"/missing.png")
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusNotFound, upErr.Status)

	// failures are not cached
	_, _ = p.Fetch(context.Background(), up.srv.URL+"/missing.png")
	assert.Equal(t, int32(2), up.hits.Load())
}

func TestServeHTTP(t *testing.T) {
	up := newUpstream(t, servePNG)
	p := newProxy(t, Config{})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images?url="+url.QueryEscape(up.srv.URL+"/a.png"), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, pngBytes, rec.Body.Bytes())
}

func TestServeHTTPErrors(t *testing.T) {
	p := newProxy(t, Config{AllowedHosts: []string{"cdn.example.com"}})

	tests := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"missing url", http.MethodGet, "/api/images", http.StatusBadRequest},
		{"bad scheme", http.MethodGet, "/api/images?url=" + url.QueryEscape("gopher://x/y"), http.StatusBadRequest},
		{"host not allowed", http.MethodGet, "/api/images?url=" + url.QueryEscape("https://evil.example.net/a.png"), http.StatusForbidden},
		{"wrong method", http.MethodPost, "/api/images", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusRequestEntityTooLarge, StatusFor(ErrTooLarge))
	assert.Equal(t, http.StatusUnsupportedMediaType, StatusFor(ErrNotImage))
	assert.Equal(t, http.StatusBadGateway, StatusFor(&UpstreamError{Status: 500}))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
}
