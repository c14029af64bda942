package ovh

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

type call struct {
	method string
	path   string
}

// fakeTransport answers by method and path. A handler returns the raw body to
// hand back or an error.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []call
	handlers map[call]func() (string, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[call]func() (string, error))}
}

func (f *fakeTransport) on(method, path string, fn func() (string, error)) {
	f.handlers[call{method, path}] = fn
}

func (f *fakeTransport) reply(method, path string, res any) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{method, path})
	fn, ok := f.handlers[call{method, path}]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	body, err := fn()
	if err != nil {
		return err
	}
	if raw, ok := res.(*json.RawMessage); ok {
		*raw = json.RawMessage(body)
	}
	return nil
}

func (f *fakeTransport) GetWithContext(_ context.Context, url string, res any) error {
	return f.reply("GET", url, res)
}

func (f *fakeTransport) PostWithContext(_ context.Context, url string, _ any, res any) error {
	return f.reply("POST", url, res)
}

func (f *fakeTransport) DeleteWithContext(_ context.Context, url string, res any) error {
	return f.reply("DELETE", url, res)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestClient(t *testing.T, tr Transport) *Client {
	t.Helper()
	return NewClientWithTransport(tr, Config{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}
