package export

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/exchange-backup/internal/domain/events"
)

// Event types raised during a backup run.
const (
	EventTypeJobTransitioned events.EventType = "ExportJobTransitioned"
	EventTypeRunCompleted    events.EventType = "BackupRunCompleted"
)

// JobTransitionedEvent records one applied decision.
type JobTransitionedEvent struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	Account    Account
	From       Status
	To         Status
	Effects    []Effect
	Reason     string
	Percent    int
	occurredAt time.Time
}

// NewJobTransitionedEvent creates a new transition event.
func NewJobTransitionedEvent(runID uuid.UUID, job *ExportJob, from Status, d Decision) JobTransitionedEvent {
	return JobTransitionedEvent{
		ID:         uuid.New(),
		RunID:      runID,
		Account:    job.Account(),
		From:       from,
		To:         d.Next,
		Effects:    d.Effects,
		Reason:     d.Reason,
		Percent:    job.LastSeenPercent(),
		occurredAt: job.Timeline().LastUpdate(),
	}
}

func (e JobTransitionedEvent) EventType() events.EventType { return EventTypeJobTransitioned }
func (e JobTransitionedEvent) OccurredAt() time.Time       { return e.occurredAt }

// RunCompletedEvent summarizes a finished run.
type RunCompletedEvent struct {
	RunID      uuid.UUID
	Completed  int
	Skipped    int
	Failed     int
	Aborted    bool
	occurredAt time.Time
}

// NewRunCompletedEvent creates a new run completed event.
func NewRunCompletedEvent(runID uuid.UUID, completed, skipped, failed int, aborted bool, at time.Time) RunCompletedEvent {
	return RunCompletedEvent{
		RunID:      runID,
		Completed:  completed,
		Skipped:    skipped,
		Failed:     failed,
		Aborted:    aborted,
		occurredAt: at,
	}
}

func (e RunCompletedEvent) EventType() events.EventType { return EventTypeRunCompleted }
func (e RunCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }
