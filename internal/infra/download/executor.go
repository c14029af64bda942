// Package download fetches finished export archives to their destination path.
package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

var (
	// ErrEmptyArchive is returned when a transfer produced a zero byte file.
	ErrEmptyArchive = errors.New("downloaded archive is empty")
	// ErrMissingArchive is returned when a transfer reported success but left no file.
	ErrMissingArchive = errors.New("downloaded archive is missing")
)

// partialSuffix marks files still being written.
const partialSuffix = ".part"

// Fetcher transfers url into a file at dest. dest never exists beforehand.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
	Name() string
}

// Executor runs a Fetcher at most once per destination. It writes to a
// temporary sibling file and only renames it into place once it is non-empty,
// so a valid archive is never partially overwritten.
type Executor struct {
	fetcher Fetcher
	timeout time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

var _ export.Downloader = (*Executor)(nil)

// NewExecutor creates an Executor. A zero timeout means no per-transfer deadline.
func NewExecutor(fetcher Fetcher, timeout time.Duration, log *logger.Logger, tracer trace.Tracer) *Executor {
	return &Executor{
		fetcher: fetcher,
		timeout: timeout,
		logger:  log.With("component", "download.executor", "strategy", fetcher.Name()),
		tracer:  tracer,
	}
}

// Download produces dest from url unless a non-empty dest already exists.
func (e *Executor) Download(ctx context.Context, url, dest string) (export.DownloadResult, error) {
	ctx, span := e.tracer.Start(ctx, "download.executor.download",
		trace.WithAttributes(
			attribute.String("strategy", e.fetcher.Name()),
			attribute.String("destination", dest),
		))
	defer span.End()

	size, err := fileSize(dest)
	if err != nil {
		span.RecordError(err)
		return export.DownloadResult{}, err
	}
	if size > 0 {
		span.AddEvent("already_present")
		e.logger.Info(ctx, "archive already present, skipping download", "destination", dest)
		return export.DownloadResult{Skipped: true, Bytes: size}, nil
	}
	if size == 0 {
		// Zero byte leftover from an interrupted run.
		if err := os.Remove(dest); err != nil {
			return export.DownloadResult{}, fmt.Errorf("failed to remove empty archive: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return export.DownloadResult{}, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmp := dest + partialSuffix
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return export.DownloadResult{}, fmt.Errorf("failed to clear partial file: %w", err)
	}
	defer os.Remove(tmp)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := e.fetcher.Fetch(ctx, url, tmp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return export.DownloadResult{}, fmt.Errorf("%s fetch failed: %w", e.fetcher.Name(), err)
	}

	written, err := fileSize(tmp)
	switch {
	case err != nil:
		return export.DownloadResult{}, err
	case written < 0:
		span.SetStatus(codes.Error, "missing archive")
		return export.DownloadResult{}, ErrMissingArchive
	case written == 0:
		span.SetStatus(codes.Error, "empty archive")
		return export.DownloadResult{}, ErrEmptyArchive
	}

	// Another writer may have finished first; keep theirs.
	if existing, err := fileSize(dest); err == nil && existing > 0 {
		return export.DownloadResult{Skipped: true, Bytes: existing}, nil
	}
	if err := os.Rename(tmp, dest); err != nil {
		return export.DownloadResult{}, fmt.Errorf("failed to move archive into place: %w", err)
	}

	span.SetAttributes(attribute.Int64("bytes", written))
	e.logger.Info(ctx, "archive downloaded",
		"destination", dest, "bytes", written, "duration", time.Since(start).String())
	return export.DownloadResult{Bytes: written}, nil
}

// fileSize returns -1 when path does not exist.
func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return -1, nil
	case err != nil:
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	case info.IsDir():
		return 0, fmt.Errorf("%s is a directory", path)
	default:
		return info.Size(), nil
	}
}
