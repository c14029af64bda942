package backup

import (
	"sort"
	"sync"
	"time"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// JobSnapshot is a point-in-time view of one export job.
type JobSnapshot struct {
	Account          string        `json:"account"`
	Status           export.Status `json:"status"`
	Percent          int           `json:"percent"`
	DownloadAttempts int           `json:"download_attempts"`
	Reason           string        `json:"reason,omitempty"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	DestinationPath  string        `json:"destination_path"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// ProgressTracker keeps the latest snapshot of every job in the current run so
// that it can be read while the scheduler is working.
type ProgressTracker struct {
	mu      sync.RWMutex
	jobs    map[string]JobSnapshot
	runID   string
	started time.Time
	summary *RunSummary
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{jobs: make(map[string]JobSnapshot)}
}

// Start resets the tracker for a new run.
func (t *ProgressTracker) Start(runID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs = make(map[string]JobSnapshot)
	t.runID = runID
	t.started = at
	t.summary = nil
}

// Update records the current state of job.
func (t *ProgressTracker) Update(job *export.ExportJob) {
	snap := JobSnapshot{
		Account:          job.Account().Key(),
		Status:           job.Status(),
		Percent:          job.LastSeenPercent(),
		DownloadAttempts: job.DownloadAttempts(),
		Reason:           job.LastReason(),
		FailureReason:    job.FailureReason(),
		DestinationPath:  job.DestinationPath(),
		UpdatedAt:        job.Timeline().LastUpdate(),
	}
	if tl := job.Timeline(); tl.IsCompleted() {
		at := tl.CompletedAt()
		snap.CompletedAt = &at
	}

	t.mu.Lock()
	t.jobs[snap.Account] = snap
	t.mu.Unlock()
}

// Finish stores the summary of the finished run.
func (t *ProgressTracker) Finish(s *RunSummary) {
	t.mu.Lock()
	t.summary = s
	t.mu.Unlock()
}

// Jobs returns every tracked job sorted by account.
func (t *ProgressTracker) Jobs() []JobSnapshot {
	t.mu.RLock()
	out := make([]JobSnapshot, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].Account < out[k].Account })
	return out
}

// Job returns the snapshot of a single account.
func (t *ProgressTracker) Job(account string) (JobSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[account]
	return j, ok
}

// Counts returns the number of jobs per status.
func (t *ProgressTracker) Counts() map[export.Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[export.Status]int)
	for _, j := range t.jobs {
		counts[j.Status]++
	}
	return counts
}

// RunID returns the identifier of the current run.
func (t *ProgressTracker) RunID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runID
}

// StartedAt returns when the current run began.
func (t *ProgressTracker) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// Summary returns the summary of the last finished run, or nil while running.
func (t *ProgressTracker) Summary() *RunSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary
}
