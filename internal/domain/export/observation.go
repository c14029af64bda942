package export

import (
	"fmt"
	"time"
)

// ObservationKind classifies what the backend (or the download executor) told us.
// The engine only ever reasons about these kinds, never about raw payloads.
type ObservationKind int

const (
	// ObservationNone means no backend call was made for this step.
	ObservationNone ObservationKind = iota
	// ObservationNotFound means no export exists ("does not exist" or an empty body).
	ObservationNotFound
	// ObservationExportStatus carries the percent and creation date of an export.
	ObservationExportStatus
	// ObservationExportURL carries a download URL, which may be missing.
	ObservationExportURL
	// ObservationAccepted means a POST or DELETE was acknowledged.
	ObservationAccepted
	// ObservationTransient covers network errors, 5xx responses, undecodable bodies
	// and API errors worth retrying.
	ObservationTransient
	// ObservationUnauthorized means the credentials may not perform the call.
	ObservationUnauthorized
	// ObservationUnrecognized is a well-formed response of an unexpected shape.
	ObservationUnrecognized
	// ObservationDownloaded means the archive landed on disk and is non-empty.
	ObservationDownloaded
	// ObservationDownloadFailed means the transfer failed or produced an empty file.
	ObservationDownloadFailed
	// ObservationArchivePresent means the destination file already exists.
	ObservationArchivePresent
	// ObservationDeadlineExceeded means the run ran out of time.
	ObservationDeadlineExceeded
)

func (k ObservationKind) String() string {
	switch k {
	case ObservationNone:
		return "none"
	case ObservationNotFound:
		return "not_found"
	case ObservationExportStatus:
		return "export_status"
	case ObservationExportURL:
		return "export_url"
	case ObservationAccepted:
		return "accepted"
	case ObservationTransient:
		return "transient"
	case ObservationUnauthorized:
		return "unauthorized"
	case ObservationUnrecognized:
		return "unrecognized"
	case ObservationDownloaded:
		return "downloaded"
	case ObservationDownloadFailed:
		return "download_failed"
	case ObservationArchivePresent:
		return "archive_present"
	case ObservationDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return fmt.Sprintf("observation(%d)", int(k))
	}
}

// Observation is the structured outcome of one backend call or transfer.
type Observation struct {
	Kind      ObservationKind
	Percent   int
	CreatedAt time.Time
	URL       string
	// Err holds the underlying failure for transient, unauthorized and download
	// failure observations.
	Err error
	// Raw keeps the payload for diagnostics when the response was not understood.
	Raw []byte
}

// NoObservation is used for steps that do not need a backend read.
func NoObservation() Observation { return Observation{Kind: ObservationNone} }

// NotFound reports that no export exists.
func NotFound() Observation { return Observation{Kind: ObservationNotFound} }

// ExportStatus reports an existing export.
func ExportStatus(percent int, createdAt time.Time) Observation {
	return Observation{Kind: ObservationExportStatus, Percent: percent, CreatedAt: createdAt}
}

// ExportURL reports the download URL; an empty url means the backend has none yet.
func ExportURL(url string) Observation { return Observation{Kind: ObservationExportURL, URL: url} }

// Accepted reports an acknowledged POST or DELETE.
func Accepted() Observation { return Observation{Kind: ObservationAccepted} }

// Transient reports a failure that should simply be retried later.
func Transient(err error) Observation { return Observation{Kind: ObservationTransient, Err: err} }

// Unauthorized reports a call the credentials are not granted.
func Unauthorized(err error, raw []byte) Observation {
	return Observation{Kind: ObservationUnauthorized, Err: err, Raw: raw}
}

// Unrecognized reports a response of an unexpected shape.
func Unrecognized(raw []byte) Observation {
	return Observation{Kind: ObservationUnrecognized, Raw: raw}
}

// Downloaded reports a successful transfer.
func Downloaded() Observation { return Observation{Kind: ObservationDownloaded} }

// DownloadFailed reports a failed or empty transfer.
func DownloadFailed(err error) Observation {
	return Observation{Kind: ObservationDownloadFailed, Err: err}
}

// ArchivePresent reports that the destination file already exists.
func ArchivePresent() Observation { return Observation{Kind: ObservationArchivePresent} }

// DeadlineExceeded reports that the run's overall deadline passed.
func DeadlineExceeded() Observation { return Observation{Kind: ObservationDeadlineExceeded} }
