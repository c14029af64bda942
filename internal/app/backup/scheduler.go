// Package backup drives every enrolled mailbox through its export lifecycle
// until each one has either been archived or failed.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

// ErrDuplicateDestination is returned when two accounts map to the same archive path.
var ErrDuplicateDestination = errors.New("duplicate archive destination")

// maxStepsPerRound bounds how many decisions a single job may chain in one round.
const maxStepsPerRound = 8

// SchedulerConfig controls the pacing of a run.
type SchedulerConfig struct {
	// PollInterval is the pause between two rounds.
	PollInterval time.Duration
	// StartupGrace is waited once after the first round when it reset any export.
	StartupGrace time.Duration
	// Concurrency bounds how many jobs are advanced at the same time.
	Concurrency int
	// Deadline, when positive, fails every job still active after this long.
	Deadline time.Duration
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTimeProvider overrides the clock used for jobs and the deadline.
func WithTimeProvider(tp export.TimeProvider) SchedulerOption {
	return func(s *Scheduler) { s.clock = tp }
}

// WithSleeper overrides how the scheduler waits between rounds.
func WithSleeper(fn Sleeper) SchedulerOption {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithTracker publishes job snapshots to t.
func WithTracker(t *ProgressTracker) SchedulerOption {
	return func(s *Scheduler) { s.tracker = t }
}

// WithPublisher emits transition and run events through p.
func WithPublisher(p events.DomainEventPublisher) SchedulerOption {
	return func(s *Scheduler) { s.publisher = p }
}

// Scheduler owns the jobs of a run. It sweeps every active job once per round,
// turning backend observations into engine decisions and carrying out the
// effects those decisions request.
type Scheduler struct {
	cfg SchedulerConfig

	engine     *export.Engine
	catalog    export.AccountCatalog
	api        export.ExportAPI
	downloader export.Downloader
	store      export.ArchiveStore

	publisher events.DomainEventPublisher
	tracker   *ProgressTracker
	clock     export.TimeProvider
	sleep     Sleeper

	metrics BackupMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewScheduler creates a scheduler wired to its collaborators.
func NewScheduler(
	cfg SchedulerConfig,
	engine *export.Engine,
	catalog export.AccountCatalog,
	api export.ExportAPI,
	downloader export.Downloader,
	store export.ArchiveStore,
	metrics BackupMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...SchedulerOption,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	s := &Scheduler{
		cfg:        cfg,
		engine:     engine,
		catalog:    catalog,
		api:        api,
		downloader: downloader,
		store:      store,
		clock:      export.RealTimeProvider(),
		sleep:      sleepContext,
		metrics:    metrics,
		logger:     logger.With("component", "scheduler"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run enrolls every account from the catalog and advances the jobs until none
// is active. The returned summary is always non-nil; an error means the run was
// aborted before every job finished.
func (s *Scheduler) Run(ctx context.Context) (*RunSummary, error) {
	runID := uuid.New()
	ctx, span := s.tracer.Start(ctx, "backup.scheduler.run",
		trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	log := logger.NewLoggerContext(s.logger.With("run_id", runID.String()))
	startedAt := s.clock.Now()
	summary := newRunSummary(runID, startedAt)
	if s.tracker != nil {
		s.tracker.Start(runID.String(), startedAt)
	}

	var deadline time.Time
	if s.cfg.Deadline > 0 {
		deadline = startedAt.Add(s.cfg.Deadline)
	}

	abort := func(err error) (*RunSummary, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backup run aborted")
		summary.abort(err)
		s.complete(context.WithoutCancel(ctx), summary)
		log.Error(ctx, "Backup run aborted", "error", err)
		return summary, err
	}

	accounts, err := s.catalog.Accounts(ctx)
	if err != nil {
		return abort(fmt.Errorf("loading accounts: %w", err))
	}

	jobs, err := s.enroll(accounts)
	if err != nil {
		return abort(err)
	}
	span.SetAttributes(attribute.Int("account_count", len(jobs)))
	log.Add("accounts", len(jobs))
	log.Info(ctx, "Backup run started")
	s.metrics.AddActiveJobs(ctx, len(jobs))
	for _, job := range jobs {
		s.track(job)
	}

	active := jobs
	graced := false
	for round := 0; len(active) > 0; round++ {
		// The startup grace already stands in for the first poll wait.
		if round > 0 && !graced {
			wait := s.cfg.PollInterval
			if !deadline.IsZero() {
				if left := deadline.Sub(s.clock.Now()); left < wait {
					wait = max(left, 0)
				}
			}
			if err := s.sleep(ctx, wait); err != nil {
				return abort(err)
			}
		}

		if !deadline.IsZero() && !s.clock.Now().Before(deadline) {
			log.Warn(ctx, "Backup deadline exceeded", "active", len(active))
			for _, job := range active {
				s.drive(ctx, runID, job, export.DeadlineExceeded())
			}
			active = s.prune(ctx, active, summary)
			break
		}

		graced = false
		resets := s.sweep(ctx, runID, active)
		active = s.prune(ctx, active, summary)
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		log.InfoIf(ctx, resets > 0, "Exports reset", "round", round, "resets", resets)

		if round == 0 && resets > 0 && len(active) > 0 && s.cfg.StartupGrace > 0 {
			log.Info(ctx, "Waiting for backend to settle after export resets",
				"resets", resets, "grace", s.cfg.StartupGrace.String())
			span.AddEvent("startup_grace")
			if err := s.sleep(ctx, s.cfg.StartupGrace); err != nil {
				return abort(err)
			}
			graced = true
		}
	}

	s.complete(ctx, summary)
	span.SetAttributes(
		attribute.Int("completed", len(summary.Completed)),
		attribute.Int("skipped", len(summary.Skipped)),
		attribute.Int("failed", len(summary.Failed)),
	)
	log.Info(ctx, "Backup run finished",
		"completed", len(summary.Completed),
		"skipped", len(summary.Skipped),
		"failed", len(summary.Failed),
	)
	return summary, nil
}

// enroll creates one job per account and rejects destination collisions.
func (s *Scheduler) enroll(accounts []export.Account) ([]*export.ExportJob, error) {
	jobs := make([]*export.ExportJob, 0, len(accounts))
	byPath := make(map[string]string, len(accounts))
	for _, acc := range accounts {
		path := s.store.PathFor(acc)
		if other, ok := byPath[path]; ok {
			return nil, fmt.Errorf("%w: %s and %s both map to %s", ErrDuplicateDestination, other, acc.Key(), path)
		}
		byPath[path] = acc.Key()
		jobs = append(jobs, export.NewExportJob(acc, path, s.clock))
	}
	return jobs, nil
}

// sweep advances every job once and returns how many exports were reset.
func (s *Scheduler) sweep(ctx context.Context, runID uuid.UUID, jobs []*export.ExportJob) int {
	ctx, span := s.tracer.Start(ctx, "backup.scheduler.sweep",
		trace.WithAttributes(attribute.Int("active", len(jobs))))
	defer span.End()

	start := time.Now()
	var resets atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			resets.Add(int64(s.advance(ctx, runID, job)))
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.ObserveRound(ctx, len(jobs), time.Since(start))
	span.SetAttributes(attribute.Int64("resets", resets.Load()))
	return int(resets.Load())
}

// advance performs the existence check, the read the job's state calls for,
// and every decision that follows from it.
func (s *Scheduler) advance(ctx context.Context, runID uuid.UUID, job *export.ExportJob) int {
	ctx, span := s.tracer.Start(ctx, "backup.scheduler.advance",
		trace.WithAttributes(
			attribute.String("account", job.Account().Key()),
			attribute.String("status", job.Status().String()),
		))
	defer span.End()

	present, err := s.store.Exists(job.DestinationPath())
	if err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "Failed to check archive destination",
			"account", job.Account().Key(), "path", job.DestinationPath(), "error", err)
	}

	var obs export.Observation
	if present {
		span.AddEvent("archive_present")
		obs = export.ArchivePresent()
	} else {
		obs = s.observe(ctx, job)
	}
	return s.drive(ctx, runID, job, obs)
}

func (s *Scheduler) observe(ctx context.Context, job *export.ExportJob) export.Observation {
	var obs export.Observation
	switch job.Status().Probe() {
	case export.ProbeExport:
		obs = s.api.GetExport(ctx, job.Account())
	case export.ProbeExportURL:
		obs = s.api.GetExportURL(ctx, job.Account())
	default:
		return export.NoObservation()
	}
	s.metrics.IncObservation(ctx, obs.Kind)
	return obs
}

// drive feeds obs to the engine and keeps going while the decisions ask for
// it. It returns the number of export resets issued.
func (s *Scheduler) drive(ctx context.Context, runID uuid.UUID, job *export.ExportJob, obs export.Observation) int {
	resets := 0
	for range maxStepsPerRound {
		from := job.Status()
		d := s.engine.Decide(job, obs)
		if err := job.Apply(d); err != nil {
			s.logger.Error(ctx, "Rejected export job decision",
				"account", job.Account().Key(), "from", from, "to", d.Next, "error", err)
			return resets
		}
		s.transitioned(ctx, runID, job, from, d)
		if d.HasEffect(export.EffectDeleteExport) {
			resets++
		}

		next, fed, halt := s.execute(ctx, job, d)
		switch {
		case job.IsTerminal(), halt:
			return resets
		case fed:
			obs = next
		case d.Continue:
			obs = export.NoObservation()
		default:
			return resets
		}
	}
	return resets
}

// execute carries out d's effects in order. An outcome the engine must see is
// returned with fed set; halt stops the job for this round.
func (s *Scheduler) execute(ctx context.Context, job *export.ExportJob, d export.Decision) (obs export.Observation, fed, halt bool) {
	acc := job.Account()
	for _, effect := range d.Effects {
		s.metrics.IncEffect(ctx, effect)

		var res export.Observation
		switch effect {
		case export.EffectDeleteExport:
			res = s.api.DeleteExport(ctx, acc)
		case export.EffectRequestExport:
			res = s.api.RequestExport(ctx, acc)
		case export.EffectRequestURL:
			res = s.api.RequestExportURL(ctx, acc)
		case export.EffectDownload:
			return s.download(ctx, job)
		}
		s.metrics.IncObservation(ctx, res.Kind)

		switch res.Kind {
		case export.ObservationAccepted:
		case export.ObservationUnauthorized, export.ObservationUnrecognized:
			return res, true, false
		default:
			s.logger.Warn(ctx, "Export side effect did not complete, retrying next round",
				"account", acc.Key(), "effect", effect.String(), "outcome", res.Kind.String(), "error", res.Err)
			return export.Observation{}, false, true
		}
	}
	return export.Observation{}, false, false
}

func (s *Scheduler) download(ctx context.Context, job *export.ExportJob) (export.Observation, bool, bool) {
	path := job.DestinationPath()
	if err := s.store.Prepare(path); err != nil {
		s.metrics.IncDownloadError(ctx)
		return export.DownloadFailed(fmt.Errorf("preparing destination: %w", err)), true, false
	}

	start := time.Now()
	res, err := s.downloader.Download(ctx, job.URL(), path)
	if err != nil {
		if ctx.Err() != nil {
			return export.Observation{}, false, true
		}
		s.metrics.IncDownloadError(ctx)
		return export.DownloadFailed(err), true, false
	}
	if res.Skipped {
		return export.ArchivePresent(), true, false
	}
	s.metrics.ObserveDownload(ctx, res.Bytes, time.Since(start))
	return export.Downloaded(), true, false
}

// transitioned reports an applied decision.
func (s *Scheduler) transitioned(ctx context.Context, runID uuid.UUID, job *export.ExportJob, from export.Status, d export.Decision) {
	acc := job.Account().Key()
	if from != d.Next {
		s.metrics.IncTransition(ctx, from, d.Next)
	}
	s.track(job)

	args := []any{
		"account", acc,
		"from", from.String(),
		"to", d.Next.String(),
		"percent", job.LastSeenPercent(),
		"reason", d.Reason,
	}
	if len(d.Effects) > 0 {
		effects := make([]string, len(d.Effects))
		for i, e := range d.Effects {
			effects[i] = e.String()
		}
		args = append(args, "effects", effects)
	}
	if from.IsRegression(d.Next) {
		args = append(args, "regression", true)
	}

	switch {
	case d.Next == export.StatusFailed:
		s.logger.Error(ctx, "Export job failed", args...)
		if err := s.store.RecordFailure(job.Account(), job.FailureReason()); err != nil {
			s.logger.Warn(ctx, "Failed to record failure in error log", "account", acc, "error", err)
		}
	case from != d.Next || len(d.Effects) > 0 || d.Next == export.StatusExportInProgress:
		s.logger.Info(ctx, "Export job progress", args...)
	default:
		s.logger.Debug(ctx, "Export job unchanged", args...)
	}

	if s.publisher == nil {
		return
	}
	evt := export.NewJobTransitionedEvent(runID, job, from, d)
	opts := []events.PublishOption{
		events.WithKey(acc),
		events.WithHeaders(map[string]string{"run_id": runID.String()}),
	}
	if err := s.publisher.PublishDomainEvent(ctx, evt, opts...); err != nil {
		s.logger.Warn(ctx, "Failed to publish job transition", "account", acc, "error", err)
	}
}

// prune moves finished jobs into the summary and returns the rest.
func (s *Scheduler) prune(ctx context.Context, jobs []*export.ExportJob, summary *RunSummary) []*export.ExportJob {
	active := make([]*export.ExportJob, 0, len(jobs))
	for _, job := range jobs {
		if job.IsTerminal() {
			summary.record(job)
			s.metrics.AddActiveJobs(ctx, -1)
			continue
		}
		active = append(active, job)
	}
	return active
}

func (s *Scheduler) track(job *export.ExportJob) {
	if s.tracker != nil {
		s.tracker.Update(job)
	}
}

// complete stamps the summary and announces the end of the run.
func (s *Scheduler) complete(ctx context.Context, summary *RunSummary) {
	summary.finish(s.clock.Now())
	if s.tracker != nil {
		s.tracker.Finish(summary)
	}
	if s.publisher == nil {
		return
	}
	evt := export.NewRunCompletedEvent(
		summary.RunID,
		len(summary.Completed),
		len(summary.Skipped),
		len(summary.Failed),
		summary.Aborted,
		summary.FinishedAt,
	)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(summary.RunID.String())); err != nil {
		s.logger.Warn(ctx, "Failed to publish run summary", "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
