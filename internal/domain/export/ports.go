package export

import "context"

// ExportAPI is the backend export workflow for one account. Every call returns a
// classified Observation; transport failures are reported as ObservationTransient
// rather than as errors so that callers never inspect raw payloads.
type ExportAPI interface {
	GetExport(ctx context.Context, account Account) Observation
	RequestExport(ctx context.Context, account Account) Observation
	DeleteExport(ctx context.Context, account Account) Observation
	RequestExportURL(ctx context.Context, account Account) Observation
	GetExportURL(ctx context.Context, account Account) Observation
}

// AccountCatalog resolves the accounts to back up.
type AccountCatalog interface {
	Accounts(ctx context.Context) ([]Account, error)
}

// DownloadResult describes a finished transfer.
type DownloadResult struct {
	// Skipped is true when the destination already existed and nothing was fetched.
	Skipped bool
	Bytes   int64
}

// Downloader produces the archive at destinationPath from url, at most once.
type Downloader interface {
	Download(ctx context.Context, url, destinationPath string) (DownloadResult, error)
}

// ArchiveStore maps accounts to destination paths and reports which exist.
type ArchiveStore interface {
	// PathFor returns the destination of the account's archive for this run.
	PathFor(account Account) string
	// Exists reports whether a complete archive is present at path.
	Exists(path string) (bool, error)
	// Prepare creates the directories needed by path.
	Prepare(path string) error
	// RecordFailure appends a failure line to the run's error log.
	RecordFailure(account Account, reason string) error
}
