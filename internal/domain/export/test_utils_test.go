package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) Advance(d time.Duration) { m.current = m.current.Add(d) }

func newTestClock() *mockTimeProvider {
	return &mockTimeProvider{current: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func newTestJob(t *testing.T, tp TimeProvider) *ExportJob {
	t.Helper()
	return NewExportJob(mustAccount(t, "org-1", "svc-1", "alice@example.com"), "/backups/alice.pst", tp)
}

// step applies one observation and any follow-up steps the engine asks for,
// returning every status visited.
func step(t *testing.T, e *Engine, job *ExportJob, obs Observation) []Status {
	t.Helper()
	var visited []Status
	for {
		d := e.Decide(job, obs)
		require.NoError(t, job.Apply(d))
		visited = append(visited, job.Status())
		if !d.Continue {
			return visited
		}
		obs = NoObservation()
	}
}
