// Package postgres keeps a durable journal of backup runs in PostgreSQL. It
// consumes the scheduler's domain events so that every transition of every
// account can be inspected after the process exits.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/serialization"
	"github.com/ahrav/exchange-backup/internal/infra/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRuns is returned when the journal holds no finished run.
var ErrNoRuns = errors.New("no backup run recorded")

var _ events.DomainEventPublisher = (*Journal)(nil)

// Transition is one journaled state change.
type Transition struct {
	RunID      uuid.UUID     `json:"run_id"`
	Account    string        `json:"account"`
	From       export.Status `json:"from"`
	To         export.Status `json:"to"`
	Effects    []string      `json:"effects"`
	Reason     string        `json:"reason"`
	Percent    int           `json:"percent"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Run is the journaled summary of a finished run.
type Run struct {
	RunID      uuid.UUID `json:"run_id"`
	FinishedAt time.Time `json:"finished_at"`
	Completed  int       `json:"completed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"`
}

// Journal persists backup domain events.
type Journal struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewJournal creates a journal writing through pool.
func NewJournal(pool *pgxpool.Pool, tracer trace.Tracer) *Journal {
	return &Journal{pool: pool, tracer: tracer}
}

// Connect opens an instrumented pool to dsn, retrying until the database answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConns = 8
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = time.Minute

	if err := backoff.Retry(func() error { return pool.Ping(ctx) }, backoff.WithContext(expBackoff, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach db: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("could not reach db: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// PublishDomainEvent journals the events it knows and ignores the rest.
func (j *Journal) PublishDomainEvent(ctx context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	switch evt := event.(type) {
	case export.JobTransitionedEvent:
		return j.recordTransition(ctx, evt)
	case export.RunCompletedEvent:
		return j.recordRun(ctx, evt)
	default:
		return nil
	}
}

func (j *Journal) recordTransition(ctx context.Context, evt export.JobTransitionedEvent) error {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("run_id", evt.RunID.String()),
		attribute.String("account", evt.Account.Key()),
		attribute.String("to_status", evt.To.String()),
	)

	return storage.ExecuteAndTrace(ctx, j.tracer, "postgres.record_transition", dbAttrs, func(ctx context.Context) error {
		payload, err := serialization.PayloadJSON(evt)
		if err != nil {
			return fmt.Errorf("failed to encode transition payload: %w", err)
		}

		effects := make([]string, len(evt.Effects))
		for i, e := range evt.Effects {
			effects[i] = e.String()
		}

		_, err = j.pool.Exec(ctx, `
			INSERT INTO job_transitions
				(id, run_id, account, from_status, to_status, effects, reason, percent, occurred_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			pgtype.UUID{Bytes: evt.ID, Valid: true},
			pgtype.UUID{Bytes: evt.RunID, Valid: true},
			evt.Account.Key(),
			evt.From.String(),
			evt.To.String(),
			effects,
			evt.Reason,
			evt.Percent,
			pgtype.Timestamptz{Time: evt.OccurredAt(), Valid: true},
			payload,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
		return nil
	})
}

func (j *Journal) recordRun(ctx context.Context, evt export.RunCompletedEvent) error {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("run_id", evt.RunID.String()))

	return storage.ExecuteAndTrace(ctx, j.tracer, "postgres.record_run", dbAttrs, func(ctx context.Context) error {
		_, err := j.pool.Exec(ctx, `
			INSERT INTO backup_runs (run_id, finished_at, completed, skipped, failed, aborted)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id) DO UPDATE SET
				finished_at = EXCLUDED.finished_at,
				completed   = EXCLUDED.completed,
				skipped     = EXCLUDED.skipped,
				failed      = EXCLUDED.failed,
				aborted     = EXCLUDED.aborted`,
			pgtype.UUID{Bytes: evt.RunID, Valid: true},
			pgtype.Timestamptz{Time: evt.OccurredAt(), Valid: true},
			evt.Completed,
			evt.Skipped,
			evt.Failed,
			evt.Aborted,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert run: %w", err)
		}
		return nil
	})
}

// History returns the latest transitions of account, newest first.
func (j *Journal) History(ctx context.Context, account string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("account", account))

	var out []Transition
	err := storage.ExecuteAndTrace(ctx, j.tracer, "postgres.account_history", dbAttrs, func(ctx context.Context) error {
		rows, err := j.pool.Query(ctx, `
			SELECT run_id, account, from_status, to_status, effects, reason, percent, occurred_at
			FROM job_transitions
			WHERE account = $1
			ORDER BY occurred_at DESC, id
			LIMIT $2`,
			account, limit,
		)
		if err != nil {
			return fmt.Errorf("failed to query history: %w", err)
		}

		out, err = pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (Transition, error) {
			var (
				t        Transition
				runID    pgtype.UUID
				from, to string
				at       pgtype.Timestamptz
			)
			if err := row.Scan(&runID, &t.Account, &from, &to, &t.Effects, &t.Reason, &t.Percent, &at); err != nil {
				return Transition{}, err
			}
			t.RunID = uuid.UUID(runID.Bytes)
			t.From = export.ParseStatus(from)
			t.To = export.ParseStatus(to)
			t.OccurredAt = at.Time
			return t, nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan history: %w", err)
		}
		return nil
	})
	return out, err
}

// LastRun returns the most recently finished run.
func (j *Journal) LastRun(ctx context.Context) (Run, error) {
	var run Run
	err := storage.ExecuteAndTrace(ctx, j.tracer, "postgres.last_run", storage.DefaultDBAttributes, func(ctx context.Context) error {
		var (
			runID pgtype.UUID
			at    pgtype.Timestamptz
		)
		err := j.pool.QueryRow(ctx, `
			SELECT run_id, finished_at, completed, skipped, failed, aborted
			FROM backup_runs
			ORDER BY finished_at DESC
			LIMIT 1`,
		).Scan(&runID, &at, &run.Completed, &run.Skipped, &run.Failed, &run.Aborted)
		if errors.Is(err, pgxv5.ErrNoRows) {
			return ErrNoRuns
		}
		if err != nil {
			return fmt.Errorf("failed to query last run: %w", err)
		}
		run.RunID = uuid.UUID(runID.Bytes)
		run.FinishedAt = at.Time
		return nil
	})
	return run, err
}
