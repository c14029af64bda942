package export

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// RealTimeProvider returns the wall clock.
func RealTimeProvider() TimeProvider { return &realTimeProvider{} }

// Timeline tracks temporal aspects of an export job.
type Timeline struct {
	startedAt      time.Time
	completedAt    time.Time
	lastUpdate     time.Time
	lastProgressAt time.Time
	timeProvider   TimeProvider
}

// NewTimeline creates a new Timeline instance.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		startedAt:    now,
		lastUpdate:   now,
		timeProvider: timeProvider,
	}
}

// StartedAt returns when the job was created for this run.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns when the job reached a terminal state.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// LastUpdate returns the time of the last applied decision.
func (t *Timeline) LastUpdate() time.Time { return t.lastUpdate }

// LastProgressAt returns when the export percent last advanced, or zero.
func (t *Timeline) LastProgressAt() time.Time { return t.lastProgressAt }

// MarkProgress records that the export advanced.
func (t *Timeline) MarkProgress() {
	t.lastProgressAt = t.timeProvider.Now()
}

// ResetProgress forgets progress tracking, used when the backend export is gone.
func (t *Timeline) ResetProgress() { t.lastProgressAt = time.Time{} }

// MarkCompleted records completion time.
func (t *Timeline) MarkCompleted() {
	t.completedAt = t.timeProvider.Now()
	t.UpdateLastUpdate()
}

// UpdateLastUpdate updates the last update timestamp.
func (t *Timeline) UpdateLastUpdate() {
	t.lastUpdate = t.timeProvider.Now()
}

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }
