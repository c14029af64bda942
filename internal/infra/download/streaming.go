package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/exchange-backup/pkg/common"
)

// chunkSize is the copy buffer used for streamed transfers.
const chunkSize = 64 * 1024

// Streaming fetches the archive over HTTP and copies it to disk in bounded
// chunks, throttled to a byte rate.
type Streaming struct {
	client  *http.Client
	limiter *common.RateLimiter
}

var _ Fetcher = (*Streaming)(nil)

// NewStreaming creates a streaming fetcher limited to bytesPerSecond
// (0 disables the limit).
func NewStreaming(bytesPerSecond int64) *Streaming {
	return NewStreamingWithClient(
		&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		bytesPerSecond,
	)
}

// NewStreamingWithClient creates a streaming fetcher around client.
func NewStreamingWithClient(client *http.Client, bytesPerSecond int64) *Streaming {
	return &Streaming{
		client:  client,
		limiter: common.NewRateLimiter(float64(bytesPerSecond), chunkSize),
	}
}

// Name identifies the strategy.
func (s *Streaming) Name() string { return "streaming" }

// Fetch copies url into dest.
func (s *Streaming) Fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open download url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(f, s.limiter.Reader(ctx, resp.Body), buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to copy archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}
	return nil
}
