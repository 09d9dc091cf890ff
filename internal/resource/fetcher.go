// internal/resource/fetcher.go
package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
)

// Fetcher is the network collaborator used to retrieve @require and @resource
// contents. Failures are returned as-is; there is no retry.
type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// HTTPFetcher fetches over HTTP(S) with resty, throttled by a token bucket.
type HTTPFetcher struct {
	client  *resty.Client
	limiter *rate.Limiter
	maxBody int64
	log     *zap.Logger
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher builds a fetcher from the resources configuration. A nil
// transport uses http.DefaultTransport.
func NewHTTPFetcher(cfg config.ResourcesConfig, transport http.RoundTripper, logger *zap.Logger) *HTTPFetcher {
	client := resty.New().
		SetTransport(newDecompressTransport(transport)).
		SetTimeout(cfg.FetchTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &HTTPFetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		maxBody: cfg.MaxBodyBytes,
		log:     logger.Named("fetcher"),
	}
}

// FetchText downloads url and returns its body as text.
func (f *HTTPFetcher) FetchText(ctx context.Context, url string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", url, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.IsError() {
		return "", fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode())
	}

	var body io.Reader = raw
	if f.maxBody > 0 {
		body = io.LimitReader(raw, f.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	if f.maxBody > 0 && int64(len(data)) > f.maxBody {
		return "", fmt.Errorf("GET %s: body exceeds %d bytes", url, f.maxBody)
	}

	f.log.Debug("Fetched resource", zap.String("url", url), zap.Int("bytes", len(data)))
	return string(data), nil
}
