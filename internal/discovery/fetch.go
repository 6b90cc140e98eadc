package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mikey-austin/mucp/internal/metrics"
)

const maxDescriptionBytes = 1 << 20

// Fetcher retrieves a device description document.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// HTTPFetcher GETs descriptions once per location at a time and consults the
// cache first.
type HTTPFetcher struct {
	log     *zap.Logger
	client  *http.Client
	cache   *DescriptionCache
	timeout time.Duration
	group   singleflight.Group
}

func NewHTTPFetcher(log *zap.Logger, client *http.Client, cache *DescriptionCache, timeout time.Duration) *HTTPFetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFetcher{log: log, client: client, cache: cache, timeout: timeout}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if data, ok := f.cache.Get(ctx, location); ok {
		metrics.DescriptionFetchTotal.WithLabelValues("cached").Inc()
		return data, nil
	}
	v, err, _ := f.group.Do(location, func() (any, error) {
		return f.get(ctx, location)
	})
	if err != nil {
		metrics.DescriptionFetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.DescriptionFetchTotal.WithLabelValues("ok").Inc()
	return v.([]byte), nil
}

func (f *HTTPFetcher) get(ctx context.Context, location string) ([]byte, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build description request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch description: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
	if err != nil {
		return nil, fmt.Errorf("read description: %w", err)
	}
	f.cache.Put(ctx, location, data)
	f.log.Debug("description fetched",
		zap.String("location", location),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(started)),
	)
	return data, nil
}
