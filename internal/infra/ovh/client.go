// Package ovh talks to the OVHcloud Exchange export API.
package ovh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	govh "github.com/ovh/go-ovh/ovh"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/pkg/common"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

// ErrTransport wraps every failure that never produced an API answer: network
// errors, an open circuit breaker, rate limiter cancellation.
var ErrTransport = errors.New("ovh transport failure")

// Transport is the subset of the go-ovh client used by Client.
type Transport interface {
	GetWithContext(ctx context.Context, url string, resType any) error
	PostWithContext(ctx context.Context, url string, reqBody, resType any) error
	DeleteWithContext(ctx context.Context, url string, resType any) error
}

// Config holds the API credentials and client tuning.
type Config struct {
	Endpoint          string
	ApplicationKey    string
	ApplicationSecret string
	ConsumerKey       string
	RequestsPerSecond float64
	Timeout           time.Duration

	BreakerFailureRatio float64
	BreakerTimeout      time.Duration
}

// Reply is the answer to one API call. Exactly one of Body or Err is meaningful;
// a nil Body with a nil Err means the API answered with an empty or null body.
type Reply struct {
	Body json.RawMessage
	Err  *govh.APIError
}

// Client executes signed calls against the API with rate limiting, a circuit
// breaker and tracing.
type Client struct {
	transport Transport
	limiter   *common.RateLimiter
	breaker   *gobreaker.CircuitBreaker

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient builds a Client on top of the official go-ovh client.
func NewClient(cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	api, err := govh.NewClient(cfg.Endpoint, cfg.ApplicationKey, cfg.ApplicationSecret, cfg.ConsumerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ovh client: %w", err)
	}
	if cfg.Timeout > 0 {
		api.Timeout = cfg.Timeout
	}
	api.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	return NewClientWithTransport(api, cfg, log, tracer), nil
}

// NewClientWithTransport builds a Client around an existing transport.
func NewClientWithTransport(t Transport, cfg Config, log *logger.Logger, tracer trace.Tracer) *Client {
	ratio := cfg.BreakerFailureRatio
	if ratio <= 0 {
		ratio = 0.6
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log = log.With("component", "ovh.client")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ovh-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= ratio
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		transport: t,
		limiter:   common.NewRateLimiter(cfg.RequestsPerSecond, 1),
		breaker:   breaker,
		logger:    log,
		tracer:    tracer,
	}
}

// isSuccessful counts API answers below 500 as healthy; the breaker only trips
// on an unreachable or failing backend.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *govh.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code < http.StatusInternalServerError
	}
	return false
}

// Get performs a signed GET.
func (c *Client) Get(ctx context.Context, path string) (Reply, error) {
	return c.call(ctx, http.MethodGet, path, nil)
}

// Post performs a signed POST; body may be nil.
func (c *Client) Post(ctx context.Context, path string, body any) (Reply, error) {
	return c.call(ctx, http.MethodPost, path, body)
}

// Delete performs a signed DELETE.
func (c *Client) Delete(ctx context.Context, path string) (Reply, error) {
	return c.call(ctx, http.MethodDelete, path, nil)
}

// GetJSON performs a GET and decodes a successful body into out. API errors are
// returned as errors.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	reply, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return fmt.Errorf("GET %s: %w", path, reply.Err)
	}
	if len(reply.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Body, out); err != nil {
		return fmt.Errorf("decode GET %s: %w", path, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body any) (Reply, error) {
	ctx, span := c.tracer.Start(ctx, "ovh.client.call",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("api.path", path),
		))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait failed")
		return Reply{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		var raw json.RawMessage
		var err error
		switch method {
		case http.MethodGet:
			err = c.transport.GetWithContext(ctx, path, &raw)
		case http.MethodPost:
			err = c.transport.PostWithContext(ctx, path, body, &raw)
		case http.MethodDelete:
			err = c.transport.DeleteWithContext(ctx, path, &raw)
		default:
			err = fmt.Errorf("unsupported method %s", method)
		}
		return raw, err
	})

	var apiErr *govh.APIError
	switch {
	case errors.As(err, &apiErr):
		span.SetAttributes(attribute.Int("http.status_code", apiErr.Code))
		span.AddEvent("api_error", trace.WithAttributes(attribute.String("message", apiErr.Message)))
		c.logger.Debug(ctx, "api error", "method", method, "path", path, "code", apiErr.Code, "message", apiErr.Message)
		return Reply{Err: apiErr}, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return Reply{}, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}

	raw, _ := res.(json.RawMessage)
	if isNull(raw) {
		raw = nil
	}
	span.SetAttributes(attribute.Int("response.bytes", len(raw)))
	return Reply{Body: raw}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
