package backup

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

const downloadURL = "https://download.example.com/alice.pst"

func TestScheduler_FreshAccountRunsFullLifecycle(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	t0 := h.clock.Now()
	h.api.scriptExport(alice,
		export.NotFound(),
		export.ExportStatus(40, t0),
		export.ExportStatus(100, t0),
	)
	h.api.scriptURL(alice, export.ExportURL(downloadURL))

	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []export.Status{
		export.StatusNoExport,
		export.StatusExportRequested,
		export.StatusExportInProgress,
		export.StatusExportComplete,
		export.StatusURLRequested,
		export.StatusURLReady,
		export.StatusDownloading,
		export.StatusDone,
	}, h.publisher.transitions(alice.Key()))

	assert.Equal(t, []string{
		"GET export alice@example.com",
		"POST export alice@example.com",
		"GET export alice@example.com",
		"GET export alice@example.com",
		"POST exportURL alice@example.com",
		"GET exportURL alice@example.com",
	}, h.api.Calls())

	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, h.sleeps,
		"no startup grace without a reset")
	require.Len(t, summary.Completed, 1)
	assert.Equal(t, alice.Key(), summary.Completed[0].Account)
	assert.Equal(t, 30*time.Second, summary.Completed[0].Elapsed)
	assert.Equal(t, ExitOK, summary.ExitCode())
	assert.Equal(t, 1, h.downloader.Calls())

	snap, ok := h.tracker.Job(alice.Key())
	require.True(t, ok)
	assert.Equal(t, export.StatusDone, snap.Status)
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, t0.Add(30*time.Second), *snap.CompletedAt)

	params := h.publisher.publishParams(alice.Key())
	require.Len(t, params, 8)
	for _, p := range params {
		assert.Equal(t, alice.Key(), p.Key)
		assert.Equal(t, summary.RunID.String(), p.Headers["run_id"])
	}
	assert.Same(t, summary, h.tracker.Summary())

	rc, ok := h.publisher.runCompleted()
	require.True(t, ok)
	assert.Equal(t, 1, rc.Completed)
	assert.False(t, rc.Aborted)
}

func TestScheduler_StaleExportIsResetBeforeURLRequest(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	t0 := h.clock.Now()
	h.api.scriptExport(alice,
		export.ExportStatus(100, t0.Add(-50*time.Hour)),
		export.ExportStatus(30, t0),
		export.ExportStatus(100, t0),
	)
	h.api.scriptURL(alice, export.ExportURL(downloadURL))

	summary, err := h.run(t)
	require.NoError(t, err)

	calls := h.api.Calls()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []string{
		"GET export alice@example.com",
		"DELETE export alice@example.com",
		"POST export alice@example.com",
	}, calls[:3])
	assert.Less(t,
		slices.Index(calls, "DELETE export alice@example.com"),
		slices.Index(calls, "POST exportURL alice@example.com"),
	)

	evts := h.publisher.transitionEvents(alice.Key())
	require.NotEmpty(t, evts)
	assert.Equal(t, export.StatusExportRequested, evts[0].To)
	assert.Equal(t, []export.Effect{export.EffectDeleteExport, export.EffectRequestExport}, evts[0].Effects)

	require.NotEmpty(t, h.sleeps)
	assert.Equal(t, 100*time.Second, h.sleeps[0], "startup grace follows the reset")
	assert.Equal(t, 1, slices.Index(h.sleeps, 10*time.Second))

	assert.Len(t, summary.Completed, 1)
}

func TestScheduler_MissingURLIsRequestedAgain(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.api.scriptExport(alice, export.ExportStatus(100, h.clock.Now()))
	h.api.scriptURL(alice,
		export.ExportURL(""),
		export.ExportURL(""),
		export.ExportURL(downloadURL),
	)

	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, 3, h.api.count("POST exportURL"))

	var reissued int
	for _, e := range h.publisher.transitionEvents(alice.Key()) {
		if e.From == export.StatusURLRequested && e.To == export.StatusURLRequested {
			assert.Equal(t, []export.Effect{export.EffectRequestURL}, e.Effects)
			reissued++
		}
	}
	assert.Equal(t, 2, reissued)
	assert.Len(t, summary.Completed, 1)
}

func TestScheduler_ExistingArchiveSkipsAPI(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.store.put(h.store.PathFor(alice))

	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Empty(t, h.api.Calls())
	assert.Empty(t, h.sleeps)
	assert.Zero(t, h.downloader.Calls())
	require.Len(t, summary.Skipped, 1)
	assert.Empty(t, summary.Completed)
	assert.Equal(t, "archive already present", summary.Skipped[0].Reason)
	assert.Equal(t, ExitOK, summary.ExitCode())
}

func TestScheduler_EmptyDownloadRetriedUntilBound(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.downloader.err = errEmptyArchive
	h.api.scriptExport(alice, export.ExportStatus(100, h.clock.Now()))
	h.api.scriptURL(alice, export.ExportURL(downloadURL))

	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, 3, h.downloader.Calls())

	var ready int
	for _, s := range h.publisher.transitions(alice.Key()) {
		if s == export.StatusURLReady {
			ready++
		}
	}
	assert.Equal(t, 3, ready, "one initial url and two retries")

	require.Len(t, summary.Failed, 1)
	assert.Contains(t, summary.Failed[0].Reason, "download failed after 3 attempts")
	assert.Contains(t, h.store.failures, alice.Key())
	assert.Equal(t, ExitFailed, summary.ExitCode())
}

func TestScheduler_UnauthorizedAccountDoesNotBlockOthers(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	bob := mustAccount(t, "bob@example.com")
	h := newHarness(alice, bob)
	h.api.scriptExport(alice, export.Unauthorized(errors.New("This call has not been granted"), nil))
	h.store.put(h.store.PathFor(bob))

	summary, err := h.run(t)
	require.NoError(t, err)

	require.Len(t, summary.Failed, 1)
	assert.Equal(t, alice.Key(), summary.Failed[0].Account)
	assert.Contains(t, summary.Failed[0].Reason, "authorization denied")
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, bob.Key(), summary.Skipped[0].Account)
	assert.Equal(t, ExitFailed, summary.ExitCode())
}

func TestScheduler_UnauthorizedDeleteFailsJob(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.api.scriptExport(alice, export.ExportStatus(100, h.clock.Now().Add(-48*time.Hour)))
	h.api.scriptAction("DELETE export", alice, export.Unauthorized(errors.New("not granted"), nil))

	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET export alice@example.com",
		"DELETE export alice@example.com",
	}, h.api.Calls())
	assert.Empty(t, h.sleeps, "no grace once every job finished")
	require.Len(t, summary.Failed, 1)
}

func TestScheduler_DeadlineFailsActiveJobs(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.cfg.Deadline = 25 * time.Second
	h.api.scriptExport(alice, export.ExportStatus(40, h.clock.Now()))

	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second}, h.sleeps)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "deadline exceeded", summary.Failed[0].Reason)
	assert.Equal(t, "deadline exceeded", h.store.failures[alice.Key()])
}

func TestScheduler_CatalogFailureAbortsRun(t *testing.T) {
	h := newHarness()
	h.catalog.err = errors.New("api unreachable")

	summary, err := h.run(t)
	require.Error(t, err)
	require.NotNil(t, summary)

	assert.True(t, summary.Aborted)
	assert.Contains(t, summary.AbortError, "api unreachable")
	assert.Equal(t, ExitAborted, summary.ExitCode())

	rc, ok := h.publisher.runCompleted()
	require.True(t, ok)
	assert.True(t, rc.Aborted)
}

func TestScheduler_DuplicateDestinationAborts(t *testing.T) {
	a, err := export.NewAccount("org-1", "svc-1", "alice@example.com")
	require.NoError(t, err)
	b, err := export.NewAccount("org-2", "svc-1", "alice@example.com")
	require.NoError(t, err)
	h := newHarness(a, b)

	summary, err := h.run(t)
	require.ErrorIs(t, err, ErrDuplicateDestination)
	assert.Empty(t, h.api.Calls())
	assert.Equal(t, ExitAborted, summary.ExitCode())
}

func TestScheduler_CancelledWhileWaitingAborts(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.sleepErr = context.Canceled
	h.api.scriptExport(alice, export.ExportStatus(40, h.clock.Now()))

	summary, err := h.run(t)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Aborted)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, ExitAborted, summary.ExitCode())

	snap, ok := h.tracker.Job(alice.Key())
	require.True(t, ok)
	assert.Equal(t, export.StatusExportInProgress, snap.Status)
	assert.Equal(t, 40, snap.Percent)
}

func TestScheduler_CancelMidRoundKeepsFinishedJobs(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	bob := mustAccount(t, "bob@example.com")
	h := newHarness(alice, bob)
	h.cfg.Concurrency = 1
	h.store.put(h.store.PathFor(alice))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.api.onGet = func(export.Account) { cancel() }

	summary, err := h.scheduler(t).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Aborted)
	assert.Equal(t, ExitAborted, summary.ExitCode())

	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, alice.Key(), summary.Skipped[0].Account)
	assert.Empty(t, summary.Failed)

	rc, ok := h.publisher.runCompleted()
	require.True(t, ok)
	assert.True(t, rc.Aborted)
	assert.Equal(t, 1, rc.Skipped)
}

func TestScheduler_TransientRequestRetriedNextRound(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.api.scriptExport(alice, export.NotFound(), export.NotFound(), export.ExportStatus(100, h.clock.Now()))
	h.api.scriptAction("POST export", alice,
		export.Transient(errors.New("503 service unavailable")),
		export.Accepted(),
	)
	h.api.scriptURL(alice, export.ExportURL(downloadURL))

	summary, err := h.run(t)
	require.NoError(t, err)

	calls := h.api.Calls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{
		"GET export alice@example.com",
		"POST export alice@example.com",
		"GET export alice@example.com",
		"POST export alice@example.com",
	}, calls[:4])
	assert.Equal(t, 2, h.api.count("POST export"))

	evts := h.publisher.transitionEvents(alice.Key())
	require.GreaterOrEqual(t, len(evts), 3)
	assert.Equal(t, export.StatusExportRequested, evts[1].To, "failed request leaves the job waiting")
	assert.Equal(t, export.StatusExportRequested, evts[2].From)
	assert.Equal(t, []export.Effect{export.EffectRequestExport}, evts[2].Effects)

	require.Len(t, summary.Completed, 1)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, 1, h.downloader.Calls())
}

func TestScheduler_TransientStatusReadKeepsJobState(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	t0 := h.clock.Now()
	h.api.scriptExport(alice,
		export.ExportStatus(40, t0),
		export.Transient(errors.New("connection reset")),
		export.ExportStatus(100, t0),
	)
	h.api.scriptURL(alice, export.ExportURL(downloadURL))

	summary, err := h.run(t)
	require.NoError(t, err)

	evts := h.publisher.transitionEvents(alice.Key())
	require.GreaterOrEqual(t, len(evts), 2)
	assert.Equal(t, export.StatusExportInProgress, evts[0].To)
	assert.Equal(t, export.StatusExportInProgress, evts[1].From)
	assert.Equal(t, export.StatusExportInProgress, evts[1].To)
	assert.Contains(t, evts[1].Reason, "transient failure")
	assert.Equal(t, 40, evts[1].Percent)

	require.Len(t, summary.Completed, 1)
	assert.Equal(t, 3, h.api.count("GET export"))
}

func TestScheduler_GraceReplacesFirstPollWait(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	t0 := h.clock.Now()
	h.api.scriptExport(alice,
		export.ExportStatus(100, t0.Add(-50*time.Hour)),
		export.ExportStatus(100, t0),
	)
	h.api.scriptURL(alice, export.ExportURL(downloadURL))

	var reads []time.Time
	h.api.onGet = func(export.Account) { reads = append(reads, h.clock.Now()) }

	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, []time.Time{t0, t0.Add(100 * time.Second)}, reads)
	assert.Equal(t, []time.Duration{100 * time.Second, 10 * time.Second}, h.sleeps)
	assert.Len(t, summary.Completed, 1)
}

func TestScheduler_EmptyCatalog(t *testing.T) {
	h := newHarness()

	summary, err := h.run(t)
	require.NoError(t, err)
	assert.Zero(t, summary.Total())
	assert.Equal(t, ExitOK, summary.ExitCode())
	assert.Empty(t, h.sleeps)
}

func TestRunSummary_Write(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	h := newHarness(alice)
	h.api.scriptExport(alice, export.Unauthorized(errors.New("denied"), nil))

	summary, err := h.run(t)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, summary.Write(&buf))
	out := buf.String()
	assert.Contains(t, out, "failed:    1")
	assert.Contains(t, out, alice.Key()+": authorization denied: denied")
	assert.NotContains(t, out, "run aborted")
}

func TestProgressTracker_Counts(t *testing.T) {
	alice := mustAccount(t, "alice@example.com")
	bob := mustAccount(t, "bob@example.com")
	h := newHarness(alice, bob)
	h.store.put(h.store.PathFor(bob))
	h.api.scriptExport(alice, export.Unauthorized(errors.New("denied"), nil))

	_, err := h.run(t)
	require.NoError(t, err)

	counts := h.tracker.Counts()
	assert.Equal(t, 1, counts[export.StatusDone])
	assert.Equal(t, 1, counts[export.StatusFailed])

	jobs := h.tracker.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, alice.Key(), jobs[0].Account)
	assert.NotEmpty(t, h.tracker.RunID())
}
