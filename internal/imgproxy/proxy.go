// ABOUTME: Caching image proxy with host allow-list, size cap and request coalescing
// ABOUTME: Serves GET /api/images?url=... for the HTTP API

package imgproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/winatecommerce96/emailpilot/internal/cache"
)

const (
	DefaultMaxBytes     = 5 << 20
	DefaultCacheTTL     = time.Hour
	DefaultCacheEntries = 512

	maxRedirects = 5
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http or https URLs.
	ErrInvalidURL = errors.New("invalid image url")
	// ErrHostNotAllowed is returned when the URL host is outside the allow-list.
	ErrHostNotAllowed = errors.New("image host not allowed")
	// ErrTooLarge is returned when the image exceeds the size cap.
	ErrTooLarge = errors.New("image too large")
	// ErrNotImage is returned when the upstream content type is not image/*.
	ErrNotImage = errors.New("not an image")
)

// UpstreamError is a non-2xx response from the image host.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// Image is a fetched image.
type Image struct {
	ContentType string
	Data        []byte
}

// Config configures a Proxy.
type Config struct {
	AllowedHosts []string // empty allows every host
	MaxBytes     int64
	CacheTTL     time.Duration
	CacheEntries int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Proxy fetches and caches remote images.
type Proxy struct {
	allowed  map[string]bool
	maxBytes int64
	http     *http.Client
	cache    *cache.Cache[*Image]
	group    singleflight.Group
	logger   *slog.Logger
}

// New creates a Proxy. Call Close to stop the cache's expiry goroutine.
func New(cfg Config) *Proxy {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = DefaultCacheEntries
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var allowed map[string]bool
	if len(cfg.AllowedHosts) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedHosts))
		for _, h := range cfg.AllowedHosts {
			allowed[strings.ToLower(strings.TrimSpace(h))] = true
		}
	}

	p := &Proxy{
		allowed:  allowed,
		maxBytes: cfg.MaxBytes,
		cache:    cache.New[*Image](cfg.CacheTTL, cfg.CacheEntries),
		logger:   cfg.Logger.With("component", "imgproxy"),
	}
	client := *cfg.HTTPClient
	client.CheckRedirect = p.checkRedirect
	p.http = &client
	return p
}

// checkRedirect applies the URL checks to every redirect hop.
func (p *Proxy) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects: %w", maxRedirects, ErrInvalidURL)
	}
	if _, err := p.checkURL(req.URL.String()); err != nil {
		return fmt.Errorf("redirect to %s: %w", req.URL.Host, err)
	}
	return nil
}

// Close releases the cache.
func (p *Proxy) Close() {
	p.cache.Close()
}

func (p *Proxy) checkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidURL
	}
	if p.allowed != nil && !p.allowed[strings.ToLower(u.Hostname())] {
		return nil, ErrHostNotAllowed
	}
	return u, nil
}

// Fetch returns the image at rawURL, from cache when possible.
func (p *Proxy) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	u, err := p.checkURL(rawURL)
	if err != nil {
		return nil, err
	}
	key := u.String()
	if img, ok := p.cache.Get(key); ok {
		return img, nil
	}

	// The shared fetch is detached from any single caller's cancellation.
	ch := p.group.DoChan(key, func() (any, error) {
		img, err := p.fetch(context.WithoutCancel(ctx), u)
		if err != nil {
			return nil, err
		}
		p.cache.Set(key, img)
		return img, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Image), nil
	}
}

func (p *Proxy) fetch(ctx context.Context, u *url.URL) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, ErrNotImage
	}
	if resp.ContentLength > p.maxBytes {
		return nil, ErrTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, ErrTooLarge
	}

	p.logger.Debug("fetched image", "host", u.Host, "bytes", len(data), "content_type", mediaType)
	return &Image{ContentType: mediaType, Data: data}, nil
}

// ServeHTTP handles GET ?url=... and writes the image or a JSON error.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	img, err := p.Fetch(r.Context(), raw)
	if err != nil {
		status := StatusFor(err)
		if status >= 500 {
			p.logger.Warn("image fetch failed", "url", raw, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(img.Data)
}

// StatusFor maps a Fetch error to an HTTP status.
func StatusFor(err error) int {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, ErrHostNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotImage):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
