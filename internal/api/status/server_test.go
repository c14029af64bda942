package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/exchange-backup/internal/app/backup"
	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/memory"
	"github.com/ahrav/exchange-backup/internal/infra/storage/journal/postgres"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

type stubHistory struct {
	transitions []postgres.Transition
	err         error
	account     string
	limit       int
}

func (h *stubHistory) History(_ context.Context, account string, limit int) ([]postgres.Transition, error) {
	h.account, h.limit = account, limit
	return h.transitions, h.err
}

func newTestServer(t *testing.T, history HistoryReader) (*Server, *backup.ProgressTracker) {
	t.Helper()

	tracker := backup.NewProgressTracker()
	tracker.Start("run-1", time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))

	acc, err := export.NewAccount("org-1", "svc-1", "alice@example.com")
	require.NoError(t, err)
	tracker.Update(export.NewExportJob(acc, "/backups/alice.pst", export.RealTimeProvider()))

	srv, err := NewServer(Config{Addr: ":0", Build: "test"}, tracker, history, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return srv, tracker
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := get(t, srv, "/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["build"])
}

func TestJobs(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := get(t, srv, "/v1/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", body["run_id"])

	counts, ok := body["counts"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, counts["UNKNOWN"])

	jobs, ok := body["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, jobs, 1)
	assert.Equal(t, "org-1/svc-1/alice@example.com", jobs[0].(map[string]any)["account"])
}

func TestJobByAccount(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec, body := get(t, srv, "/v1/jobs/org-1/svc-1/alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "UNKNOWN", body["status"])

	rec, _ = get(t, srv, "/v1/jobs/org-1/svc-1/nobody@example.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	t.Run("journal disabled", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec, _ := get(t, srv, "/v1/jobs/org-1/svc-1/alice@example.com/history")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns transitions", func(t *testing.T) {
		h := &stubHistory{transitions: []postgres.Transition{{
			Account: "org-1/svc-1/alice@example.com",
			From:    export.StatusUnknown,
			To:      export.StatusNoExport,
		}}}
		srv, _ := newTestServer(t, h)

		rec, body := get(t, srv, "/v1/jobs/org-1/svc-1/alice@example.com/history?limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "org-1/svc-1/alice@example.com", h.account)
		assert.Equal(t, 5, h.limit)
		assert.Len(t, body["transitions"], 1)
	})

	t.Run("bad limit", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubHistory{})
		rec, _ := get(t, srv, "/v1/jobs/org-1/svc-1/alice@example.com/history?limit=abc")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("journal error", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubHistory{err: errors.New("db down")})
		rec, _ := get(t, srv, "/v1/jobs/org-1/svc-1/alice@example.com/history")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestSummary(t *testing.T) {
	srv, tracker := newTestServer(t, nil)

	rec, body := get(t, srv, "/v1/summary")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "running", body["status"])

	tracker.Finish(&backup.RunSummary{RunID: uuid.New(), Failed: []backup.AccountOutcome{{Account: "a"}}})

	rec, body = get(t, srv, "/v1/summary")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "finished", body["status"])
	assert.EqualValues(t, backup.ExitFailed, body["exit_code"])
}

func TestEventsFromBroker(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	broker := memory.NewBroker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Subscribe(ctx, broker))

	evt := export.NewRunCompletedEvent(uuid.New(), 1, 0, 0, false, time.Now())
	require.NoError(t, broker.PublishDomainEvent(ctx, evt, events.WithKey("run")))

	rec, body := get(t, srv, "/v1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)

	first := list[0].(map[string]any)
	assert.Equal(t, string(export.EventTypeRunCompleted), first["type"])
	assert.Equal(t, "run", first["key"])
	assert.EqualValues(t, 1, first["payload"].(map[string]any)["completed"])
}

type unknownEvent struct{ at time.Time }

func (unknownEvent) EventType() events.EventType { return "Unknown" }
func (e unknownEvent) OccurredAt() time.Time     { return e.at }

func TestEventsFromBrokerDropsUnserializable(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv, err := NewServer(Config{Addr: ":0", Build: "test"}, backup.NewProgressTracker(), nil, log, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	broker := memory.NewBroker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Subscribe(ctx, broker))

	require.NoError(t, broker.PublishDomainEvent(ctx, unknownEvent{at: time.Now()}))

	rec, body := get(t, srv, "/v1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["events"])
	assert.Contains(t, buf.String(), "Dropping event that cannot be serialized")
	assert.Contains(t, buf.String(), `"type":"Unknown"`)
}

func TestStatsvizIndex(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/statsviz/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
