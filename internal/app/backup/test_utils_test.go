package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

type mockTimeProvider struct {
	mu      sync.Mutex
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}

func newTestClock() *mockTimeProvider {
	return &mockTimeProvider{current: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func mustAccount(t *testing.T, addr string) export.Account {
	t.Helper()
	a, err := export.NewAccount("org-1", "svc-1", addr)
	require.NoError(t, err)
	return a
}

// fakeCatalog returns a fixed account list.
type fakeCatalog struct {
	accounts []export.Account
	err      error
}

func (c *fakeCatalog) Accounts(context.Context) ([]export.Account, error) {
	return c.accounts, c.err
}

// fakeAPI replays scripted observations per account. The last scripted
// observation of a queue repeats forever.
type fakeAPI struct {
	mu      sync.Mutex
	exports map[string][]export.Observation
	urls    map[string][]export.Observation
	actions map[string][]export.Observation
	calls   []string

	// onGet runs after every export status read, outside the lock.
	onGet func(export.Account)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		exports: make(map[string][]export.Observation),
		urls:    make(map[string][]export.Observation),
		actions: make(map[string][]export.Observation),
	}
}

func (f *fakeAPI) scriptExport(acc export.Account, obs ...export.Observation) {
	f.exports[acc.Key()] = obs
}

func (f *fakeAPI) scriptURL(acc export.Account, obs ...export.Observation) {
	f.urls[acc.Key()] = obs
}

func (f *fakeAPI) scriptAction(method string, acc export.Account, obs ...export.Observation) {
	f.actions[method+" "+acc.Key()] = obs
}

func (f *fakeAPI) record(call string, acc export.Account) {
	f.calls = append(f.calls, call+" "+acc.Address())
}

func pop(queue map[string][]export.Observation, key string) export.Observation {
	q := queue[key]
	if len(q) == 0 {
		return export.NotFound()
	}
	obs := q[0]
	if len(q) > 1 {
		queue[key] = q[1:]
	}
	return obs
}

func (f *fakeAPI) action(method string, acc export.Account) export.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(method, acc)
	if _, ok := f.actions[method+" "+acc.Key()]; ok {
		return pop(f.actions, method+" "+acc.Key())
	}
	return export.Accepted()
}

func (f *fakeAPI) GetExport(_ context.Context, acc export.Account) export.Observation {
	f.mu.Lock()
	f.record("GET export", acc)
	obs := pop(f.exports, acc.Key())
	hook := f.onGet
	f.mu.Unlock()

	if hook != nil {
		hook(acc)
	}
	return obs
}

func (f *fakeAPI) GetExportURL(_ context.Context, acc export.Account) export.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GET exportURL", acc)
	return pop(f.urls, acc.Key())
}

func (f *fakeAPI) RequestExport(_ context.Context, acc export.Account) export.Observation {
	return f.action("POST export", acc)
}

func (f *fakeAPI) DeleteExport(_ context.Context, acc export.Account) export.Observation {
	return f.action("DELETE export", acc)
}

func (f *fakeAPI) RequestExportURL(_ context.Context, acc export.Account) export.Observation {
	return f.action("POST exportURL", acc)
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if len(c) > len(call) && c[:len(call)+1] == call+" " {
			n++
		}
	}
	return n
}

// fakeStore keeps archives in memory.
type fakeStore struct {
	mu       sync.Mutex
	present  map[string]bool
	failures map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{present: make(map[string]bool), failures: make(map[string]string)}
}

func (s *fakeStore) PathFor(acc export.Account) string {
	return fmt.Sprintf("/backups/2024-06-01/%s/%s.pst", acc.Service(), acc.Address())
}

func (s *fakeStore) Exists(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[path], nil
}

func (s *fakeStore) Prepare(string) error { return nil }

func (s *fakeStore) RecordFailure(acc export.Account, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[acc.Key()] = reason
	return nil
}

func (s *fakeStore) put(path string) {
	s.mu.Lock()
	s.present[path] = true
	s.mu.Unlock()
}

// fakeDownloader writes into the fake store unless an error is scripted.
type fakeDownloader struct {
	mu    sync.Mutex
	store *fakeStore
	err   error
	calls []string
}

var errEmptyArchive = errors.New("downloaded archive is empty")

func (d *fakeDownloader) Download(_ context.Context, url, dest string) (export.DownloadResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, url)
	err := d.err
	d.mu.Unlock()

	if err != nil {
		return export.DownloadResult{}, err
	}
	d.store.put(dest)
	return export.DownloadResult{Bytes: 1024}, nil
}

func (d *fakeDownloader) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// recordingPublisher captures published domain events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	params []events.PublishParams
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	p.params = append(p.params, params)
	return nil
}

// publishParams returns the options every transition of account was published with.
func (p *recordingPublisher) publishParams(account string) []events.PublishParams {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []events.PublishParams
	for i, e := range p.events {
		if te, ok := e.(export.JobTransitionedEvent); ok && te.Account.Key() == account {
			out = append(out, p.params[i])
		}
	}
	return out
}

// transitions returns the target statuses recorded for account, in order.
func (p *recordingPublisher) transitions(account string) []export.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []export.Status
	for _, e := range p.events {
		if te, ok := e.(export.JobTransitionedEvent); ok && te.Account.Key() == account {
			out = append(out, te.To)
		}
	}
	return out
}

func (p *recordingPublisher) transitionEvents(account string) []export.JobTransitionedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []export.JobTransitionedEvent
	for _, e := range p.events {
		if te, ok := e.(export.JobTransitionedEvent); ok && te.Account.Key() == account {
			out = append(out, te)
		}
	}
	return out
}

func (p *recordingPublisher) runCompleted() (export.RunCompletedEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if rc, ok := e.(export.RunCompletedEvent); ok {
			return rc, true
		}
	}
	return export.RunCompletedEvent{}, false
}

// harness bundles a scheduler with its fakes.
type harness struct {
	clock      *mockTimeProvider
	catalog    *fakeCatalog
	api        *fakeAPI
	store      *fakeStore
	downloader *fakeDownloader
	publisher  *recordingPublisher
	tracker    *ProgressTracker
	sleeps     []time.Duration
	sleepErr   error
	cfg        SchedulerConfig
	attempts   int
}

func newHarness(accounts ...export.Account) *harness {
	store := newFakeStore()
	return &harness{
		clock:      newTestClock(),
		catalog:    &fakeCatalog{accounts: accounts},
		api:        newFakeAPI(),
		store:      store,
		downloader: &fakeDownloader{store: store},
		publisher:  &recordingPublisher{},
		tracker:    NewProgressTracker(),
		cfg: SchedulerConfig{
			PollInterval: 10 * time.Second,
			StartupGrace: 100 * time.Second,
			Concurrency:  4,
		},
		attempts: 3,
	}
}

func (h *harness) sleep(_ context.Context, d time.Duration) error {
	if h.sleepErr != nil {
		return h.sleepErr
	}
	h.sleeps = append(h.sleeps, d)
	h.clock.Advance(d)
	return nil
}

func (h *harness) scheduler(t *testing.T) *Scheduler {
	t.Helper()

	metrics, err := NewBackupMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	engine := export.NewEngine(
		export.NewStalenessPolicy(24),
		export.WithClock(h.clock),
		export.WithMaxDownloadAttempts(h.attempts),
	)
	return NewScheduler(
		h.cfg,
		engine,
		h.catalog,
		h.api,
		h.downloader,
		h.store,
		metrics,
		logger.Noop(),
		tracenoop.NewTracerProvider().Tracer("test"),
		WithTimeProvider(h.clock),
		WithSleeper(h.sleep),
		WithTracker(h.tracker),
		WithPublisher(h.publisher),
	)
}

func (h *harness) run(t *testing.T) (*RunSummary, error) {
	t.Helper()
	return h.scheduler(t).Run(context.Background())
}
