package export

import "time"

// ExportJob is the per-account lifecycle of one export during a single run.
// It is only changed through Apply with a Decision produced by the Engine.
type ExportJob struct {
	account         Account
	status          Status
	lastSeenPercent int
	createdAt       time.Time
	url             string
	destinationPath string

	downloadAttempts int
	failureReason    string
	rawPayload       []byte
	foundExisting    bool
	lastReason       string

	timeline *Timeline
}

// NewExportJob creates a job in the Unknown state.
func NewExportJob(account Account, destinationPath string, tp TimeProvider) *ExportJob {
	return &ExportJob{
		account:         account,
		status:          StatusUnknown,
		destinationPath: destinationPath,
		timeline:        NewTimeline(tp),
	}
}

// Account returns the owning account.
func (j *ExportJob) Account() Account { return j.account }

// Status returns the current lifecycle state.
func (j *ExportJob) Status() Status { return j.status }

// LastSeenPercent returns the last polled completion percentage.
func (j *ExportJob) LastSeenPercent() int { return j.lastSeenPercent }

// CreatedAt returns when the backend created the current export, or zero.
func (j *ExportJob) CreatedAt() time.Time { return j.createdAt }

// URL returns the download URL once known.
func (j *ExportJob) URL() string { return j.url }

// DestinationPath returns where the archive must land.
func (j *ExportJob) DestinationPath() string { return j.destinationPath }

// DownloadAttempts returns how many transfers were started.
func (j *ExportJob) DownloadAttempts() int { return j.downloadAttempts }

// FailureReason returns why the job failed, if it did.
func (j *ExportJob) FailureReason() string { return j.failureReason }

// RawPayload returns the payload captured when the job failed on an unexpected response.
func (j *ExportJob) RawPayload() []byte { return j.rawPayload }

// FoundExisting reports whether the job finished because its archive was
// already on disk rather than through a transfer of this run.
func (j *ExportJob) FoundExisting() bool { return j.foundExisting }

// LastReason returns the reason of the last applied decision.
func (j *ExportJob) LastReason() string { return j.lastReason }

// Timeline returns the job's timeline.
func (j *ExportJob) Timeline() *Timeline { return j.timeline }

// IsTerminal reports whether the job is finished.
func (j *ExportJob) IsTerminal() bool { return j.status.IsTerminal() }

// lastAdvance is the most recent moment the backend export was seen moving.
func (j *ExportJob) lastAdvance() time.Time {
	last := j.createdAt
	if p := j.timeline.LastProgressAt(); p.After(last) {
		last = p
	}
	return last
}

// Apply validates and applies d, recording what was observed.
func (j *ExportJob) Apply(d Decision) error {
	if j.status.IsTerminal() {
		return ErrJobTerminal
	}
	if err := j.status.validateTransition(d.Next); err != nil {
		return err
	}

	obs := d.observation
	if obs.Kind == ObservationExportStatus && d.Next != StatusNoExport {
		if obs.Percent > j.lastSeenPercent || (j.status != StatusExportInProgress && d.Next == StatusExportInProgress) {
			j.timeline.MarkProgress()
		}
		j.lastSeenPercent = obs.Percent
		j.createdAt = obs.CreatedAt
	}

	switch d.Next {
	case StatusNoExport, StatusExportRequested:
		if d.Next != j.status || d.HasEffect(EffectDeleteExport) {
			j.lastSeenPercent = 0
			j.createdAt = time.Time{}
			j.url = ""
			j.timeline.ResetProgress()
		}
	case StatusURLReady:
		if obs.URL != "" {
			j.url = obs.URL
		}
	case StatusDownloading:
		j.downloadAttempts++
	case StatusFailed:
		j.failureReason = d.Reason
		j.rawPayload = obs.Raw
		j.timeline.MarkCompleted()
	case StatusDone:
		j.foundExisting = obs.Kind == ObservationArchivePresent
		j.timeline.MarkCompleted()
	}

	j.status = d.Next
	j.lastReason = d.Reason
	j.timeline.UpdateLastUpdate()
	return nil
}
