package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const defaultUserAgent = "tidings/1.0 (+https://github.com/janovincze/tidings)"

// FetcherConfig configures HTTP fetching for an extractor.
type FetcherConfig struct {
	// RateLimit is the maximum requests per second; zero disables limiting.
	RateLimit float64

	// Timeout bounds a single request.
	Timeout time.Duration

	// MaxBodyBytes bounds the size of a response body.
	MaxBodyBytes int64

	// UserAgent is sent with every request.
	UserAgent string

	// Client overrides the HTTP client.
	Client *http.Client
}

// Fetcher retrieves pages politely: one shared limiter per source.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxBody   int64
	logger    *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Fetcher{
		client:    client,
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		logger:    logger.With("component", "fetcher"),
	}
}

// Get fetches rawURL and returns the body along with the final URL after
// redirects, which relative links resolve against.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, *url.URL, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	f.logger.Debug("fetched page", "url", rawURL, "bytes", len(body), "duration", time.Since(start))
	return body, resp.Request.URL, nil
}
