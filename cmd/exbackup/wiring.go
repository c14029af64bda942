package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/internal/api/status"
	"github.com/ahrav/exchange-backup/internal/app/backup"
	"github.com/ahrav/exchange-backup/internal/config"
	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/internal/infra/download"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/kafka"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/memory"
	"github.com/ahrav/exchange-backup/internal/infra/ovh"
	"github.com/ahrav/exchange-backup/internal/infra/storage/archive"
	"github.com/ahrav/exchange-backup/internal/infra/storage/journal/postgres"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
	"github.com/ahrav/exchange-backup/pkg/common/otel"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	tracer trace.Tracer
	telem  otel.Providers
	client *ovh.Client

	closers []func(context.Context)
}

// loadApp reads the configuration and starts logging, telemetry and the API client.
func loadApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.NewViperLoader(flags.configPath, flags.envFile).Load(ctx)
	if err != nil {
		return nil, &exitError{code: backup.ExitAborted, err: err}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	log := newLogger(os.Stdout, cfg, hostname)
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	providers, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, &exitError{code: backup.ExitAborted, err: fmt.Errorf("starting telemetry: %w", err)}
	}
	if cfg.Telemetry.ExporterEndpoint != "" {
		log = log.Tee(otelslog.NewHandler(cfg.Telemetry.ServiceName))
	}

	tracer := providers.Tracer.Tracer(cfg.Telemetry.ServiceName)

	client, err := ovh.NewClient(ovh.Config{
		Endpoint:            cfg.API.Endpoint,
		ApplicationKey:      cfg.API.ApplicationKey,
		ApplicationSecret:   cfg.API.ApplicationSecret,
		ConsumerKey:         cfg.API.ConsumerKey,
		RequestsPerSecond:   cfg.API.RequestsPerSecond,
		Timeout:             cfg.API.Timeout,
		BreakerFailureRatio: cfg.API.BreakerFailureRatio,
		BreakerTimeout:      cfg.API.BreakerTimeout,
	}, log, tracer)
	if err != nil {
		teardown(ctx)
		return nil, &exitError{code: backup.ExitAborted, err: err}
	}

	return &app{
		cfg:     cfg,
		log:     log,
		tracer:  tracer,
		telem:   providers,
		client:  client,
		closers: []func(context.Context){teardown},
	}, nil
}

func newLogger(w io.Writer, cfg *config.Config, hostname string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"build":    build,
	}
	return logger.NewWithMetadata(w, logger.ParseLevel(cfg.Log.Level), cfg.Telemetry.ServiceName, otel.GetTraceID, logEvents, metadata)
}

// close releases everything opened by the app, newest first.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

func (a *app) onClose(fn func(context.Context)) { a.closers = append(a.closers, fn) }

// newDownloader builds the executor for the configured fetch strategy.
func (a *app) newDownloader() *download.Executor {
	b := a.cfg.Backup

	var fetcher download.Fetcher
	switch b.DownloadStrategy {
	case config.DownloadExternalTool:
		fetcher = download.NewExternalTool(b.ExternalTool, b.DownloadRateLimit)
	default:
		fetcher = download.NewStreaming(b.DownloadRateLimit)
	}
	return download.NewExecutor(fetcher, b.DownloadTimeout, a.log, a.tracer)
}

// newPublisher connects every configured event sink. The in-memory broker is
// always present so the status server can follow the run.
func (a *app) newPublisher(ctx context.Context, broker *memory.Broker) (events.DomainEventPublisher, status.HistoryReader, error) {
	publishers := []events.DomainEventPublisher{broker}
	var history status.HistoryReader

	if a.cfg.Events.Enabled() {
		a.log.Info(ctx, "startup", "status", "connecting to kafka", "brokers", a.cfg.Events.KafkaBrokers)

		metrics, err := kafka.NewPublisherMetrics(a.telem.Meter)
		if err != nil {
			return nil, nil, fmt.Errorf("creating kafka metrics: %w", err)
		}
		pub, err := kafka.ConnectWithRetry(&kafka.ClientConfig{
			Brokers:  a.cfg.Events.KafkaBrokers,
			ClientID: a.cfg.Events.ClientID,
			Topic:    a.cfg.Events.KafkaTopic,
		}, a.log, metrics, a.tracer)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, pub)
	}

	if a.cfg.Journal.Enabled() {
		a.log.Info(ctx, "startup", "status", "connecting to journal database")

		pool, err := postgres.Connect(ctx, a.cfg.Journal.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func(context.Context) { pool.Close() })

		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
		journal := postgres.NewJournal(pool, a.tracer)
		publishers = append(publishers, journal)
		history = journal
	}

	fanout := eventbus.NewFanout(publishers...)
	a.onClose(func(ctx context.Context) {
		if err := fanout.Close(); err != nil {
			a.log.Warn(ctx, "failed to close event publishers", "error", err)
		}
	})
	return fanout, history, nil
}

// backupRun executes one scheduler run over catalog and prints the summary.
// The returned error carries the exit status.
func (a *app) backupRun(ctx context.Context, catalog export.AccountCatalog) error {
	cfg := a.cfg.Backup

	store := archive.New(cfg.DestinationRoot, time.Now(), cfg.DateFormat)
	engine := export.NewEngine(
		export.NewStalenessPolicy(cfg.MaxAgeHours),
		export.WithMaxDownloadAttempts(cfg.MaxDownloadAttempts),
	)

	metrics, err := backup.NewBackupMetrics(a.telem.Meter)
	if err != nil {
		return &exitError{code: backup.ExitAborted, err: fmt.Errorf("creating metrics: %w", err)}
	}

	broker := memory.NewBroker()
	publisher, history, err := a.newPublisher(ctx, broker)
	if err != nil {
		return &exitError{code: backup.ExitAborted, err: err}
	}

	tracker := backup.NewProgressTracker()
	if a.cfg.Status.Enabled() {
		srv, err := status.NewServer(status.Config{Addr: a.cfg.Status.Addr, Build: build}, tracker, history, a.log, a.tracer)
		if err != nil {
			return &exitError{code: backup.ExitAborted, err: fmt.Errorf("creating status server: %w", err)}
		}

		srvCtx, cancel := context.WithCancel(ctx)
		a.onClose(func(context.Context) { cancel() })
		if err := srv.Subscribe(srvCtx, broker); err != nil {
			return &exitError{code: backup.ExitAborted, err: err}
		}
		go func() {
			if err := srv.Run(srvCtx); err != nil {
				a.log.Error(ctx, "status server stopped", "error", err)
			}
		}()
	}

	scheduler := backup.NewScheduler(
		backup.SchedulerConfig{
			PollInterval: cfg.PollInterval(),
			StartupGrace: cfg.StartupGrace(),
			Concurrency:  cfg.ConcurrencyLimit,
			Deadline:     cfg.Deadline,
		},
		engine,
		catalog,
		ovh.NewExports(a.client, a.tracer),
		a.newDownloader(),
		store,
		metrics,
		a.log,
		a.tracer,
		backup.WithTracker(tracker),
		backup.WithPublisher(publisher),
	)

	a.log.Info(ctx, "startup", "status", "backup starting",
		"destination", store.RunDir(),
		"strategy", cfg.DownloadStrategy,
		"concurrency", cfg.ConcurrencyLimit,
	)

	summary, runErr := scheduler.Run(ctx)
	if err := summary.Write(os.Stdout); err != nil {
		a.log.Warn(ctx, "failed to print summary", "error", err)
	}

	code := summary.ExitCode()
	if runErr != nil {
		return &exitError{code: code, err: runErr}
	}
	if code != backup.ExitOK {
		return &exitError{code: code}
	}
	return nil
}
