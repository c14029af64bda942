package backup

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// BackupMetrics defines metrics operations needed by the scheduler.
type BackupMetrics interface {
	// Job metrics
	IncTransition(ctx context.Context, from, to export.Status)
	IncObservation(ctx context.Context, kind export.ObservationKind)
	IncEffect(ctx context.Context, effect export.Effect)
	AddActiveJobs(ctx context.Context, delta int)

	// Download metrics
	ObserveDownload(ctx context.Context, bytes int64, duration time.Duration)
	IncDownloadError(ctx context.Context)

	// Round metrics
	ObserveRound(ctx context.Context, active int, duration time.Duration)
}

// backupMetrics implements BackupMetrics.
type backupMetrics struct {
	// Job metrics
	transitions  metric.Int64Counter
	observations metric.Int64Counter
	effects      metric.Int64Counter
	activeJobs   metric.Int64UpDownCounter

	// Download metrics
	downloadedBytes  metric.Int64Counter
	downloadTime     metric.Float64Histogram
	downloadFailures metric.Int64Counter

	// Round metrics
	rounds        metric.Int64Counter
	roundDuration metric.Float64Histogram
	roundActive   metric.Int64Histogram
}

const namespace = "exbackup"

// NewBackupMetrics creates a new backup metrics instance.
func NewBackupMetrics(mp metric.MeterProvider) (*backupMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(backupMetrics)
	var err error

	if m.transitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Total number of export job state transitions"),
	); err != nil {
		return nil, err
	}

	if m.observations, err = meter.Int64Counter(
		"observations_total",
		metric.WithDescription("Total number of classified export API observations"),
	); err != nil {
		return nil, err
	}

	if m.effects, err = meter.Int64Counter(
		"effects_total",
		metric.WithDescription("Total number of side effects executed"),
	); err != nil {
		return nil, err
	}

	if m.activeJobs, err = meter.Int64UpDownCounter(
		"active_jobs",
		metric.WithDescription("Number of export jobs not yet finished"),
	); err != nil {
		return nil, err
	}

	if m.downloadedBytes, err = meter.Int64Counter(
		"downloaded_bytes_total",
		metric.WithDescription("Total number of archive bytes written"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.downloadTime, err = meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Time taken to transfer each archive"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.downloadFailures, err = meter.Int64Counter(
		"download_errors_total",
		metric.WithDescription("Total number of failed archive transfers"),
	); err != nil {
		return nil, err
	}

	if m.rounds, err = meter.Int64Counter(
		"rounds_total",
		metric.WithDescription("Total number of scheduler rounds"),
	); err != nil {
		return nil, err
	}

	if m.roundDuration, err = meter.Float64Histogram(
		"round_duration_seconds",
		metric.WithDescription("Time taken by each scheduler round"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.roundActive, err = meter.Int64Histogram(
		"round_active_jobs",
		metric.WithDescription("Number of jobs swept per round"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *backupMetrics) IncTransition(ctx context.Context, from, to export.Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *backupMetrics) IncObservation(ctx context.Context, kind export.ObservationKind) {
	m.observations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *backupMetrics) IncEffect(ctx context.Context, effect export.Effect) {
	m.effects.Add(ctx, 1, metric.WithAttributes(attribute.String("effect", effect.String())))
}

func (m *backupMetrics) AddActiveJobs(ctx context.Context, delta int) {
	m.activeJobs.Add(ctx, int64(delta))
}

func (m *backupMetrics) ObserveDownload(ctx context.Context, bytes int64, duration time.Duration) {
	m.downloadedBytes.Add(ctx, bytes)
	m.downloadTime.Record(ctx, duration.Seconds())
}

func (m *backupMetrics) IncDownloadError(ctx context.Context) {
	m.downloadFailures.Add(ctx, 1)
}

func (m *backupMetrics) ObserveRound(ctx context.Context, active int, duration time.Duration) {
	m.rounds.Add(ctx, 1)
	m.roundDuration.Record(ctx, duration.Seconds())
	m.roundActive.Record(ctx, int64(active))
}
