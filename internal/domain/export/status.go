package export

import "fmt"

// Status is the lifecycle state of an ExportJob.
type Status string

const (
	// StatusUnknown is the state of every job before its first observation.
	StatusUnknown Status = "UNKNOWN"
	// StatusNoExport means the backend holds no export for the account.
	StatusNoExport Status = "NO_EXPORT"
	// StatusExportRequested means an export was requested and not yet observed running.
	StatusExportRequested Status = "EXPORT_REQUESTED"
	// StatusExportInProgress means the backend is packaging the mailbox.
	StatusExportInProgress Status = "EXPORT_IN_PROGRESS"
	// StatusExportComplete means the archive is ready on the backend.
	StatusExportComplete Status = "EXPORT_COMPLETE"
	// StatusURLRequested means a download URL was requested.
	StatusURLRequested Status = "URL_REQUESTED"
	// StatusURLReady means a download URL is known.
	StatusURLReady Status = "URL_READY"
	// StatusDownloading means a transfer is in flight.
	StatusDownloading Status = "DOWNLOADING"
	// StatusDone means the archive is on disk.
	StatusDone Status = "DONE"
	// StatusFailed means the job ended without an archive.
	StatusFailed Status = "FAILED"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool { return s == StatusDone || s == StatusFailed }

// ParseStatus converts a string to a Status. Unknown strings map to "".
func ParseStatus(s string) Status {
	switch st := Status(s); st {
	case StatusUnknown, StatusNoExport, StatusExportRequested, StatusExportInProgress,
		StatusExportComplete, StatusURLRequested, StatusURLReady, StatusDownloading,
		StatusDone, StatusFailed:
		return st
	default:
		return ""
	}
}

// Probe describes which backend read, if any, a job needs before the engine can
// decide its next step.
type Probe int

const (
	// ProbeNone means the next step is decided without contacting the backend.
	ProbeNone Probe = iota
	// ProbeExport reads the export status.
	ProbeExport
	// ProbeExportURL reads the export download URL.
	ProbeExportURL
)

// Probe returns the read required in this state.
func (s Status) Probe() Probe {
	switch s {
	case StatusUnknown, StatusExportRequested, StatusExportInProgress:
		return ProbeExport
	case StatusURLRequested:
		return ProbeExportURL
	default:
		return ProbeNone
	}
}

// rank orders statuses along the happy path. Download retries stay within the
// same rank.
func (s Status) rank() int {
	switch s {
	case StatusUnknown:
		return 0
	case StatusNoExport:
		return 1
	case StatusExportRequested:
		return 2
	case StatusExportInProgress:
		return 3
	case StatusExportComplete:
		return 4
	case StatusURLRequested:
		return 5
	case StatusURLReady, StatusDownloading:
		return 6
	case StatusDone, StatusFailed:
		return 7
	default:
		return -1
	}
}

// IsRegression reports whether moving to target goes backwards along the lifecycle.
func (s Status) IsRegression(target Status) bool { return target.rank() < s.rank() }

// validateTransition checks if a status transition is valid and returns an error if not.
func (s Status) validateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return &TransitionError{From: s, To: target}
	}
	return nil
}

// isValidTransition enforces the export lifecycle. Staying in the same
// non-terminal state is always allowed; a job may be finished (Done) from any
// non-terminal state once its archive is found on disk.
func (s Status) isValidTransition(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	if target == s || target == StatusFailed {
		return true
	}

	switch s {
	case StatusUnknown:
		return target == StatusNoExport || target == StatusExportInProgress ||
			target == StatusExportComplete || target == StatusExportRequested || target == StatusDone
	case StatusNoExport:
		return target == StatusExportRequested || target == StatusDone
	case StatusExportRequested:
		return target == StatusExportInProgress || target == StatusExportComplete || target == StatusDone
	case StatusExportInProgress:
		// NoExport is the only backward move: the backend wiped the export.
		return target == StatusExportComplete || target == StatusNoExport || target == StatusDone
	case StatusExportComplete:
		return target == StatusURLRequested || target == StatusDone
	case StatusURLRequested:
		return target == StatusURLReady || target == StatusDone
	case StatusURLReady:
		return target == StatusDownloading || target == StatusDone
	case StatusDownloading:
		return target == StatusDone || target == StatusURLReady
	default:
		return false
	}
}

// TransitionError reports an attempted transition the lifecycle does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid export job transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) succeed for any TransitionError.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
