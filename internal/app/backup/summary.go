package backup

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// Process exit codes reported by a run.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitAborted = 2
)

// AccountOutcome is the final state of one account.
type AccountOutcome struct {
	Account         string        `json:"account"`
	DestinationPath string        `json:"destination_path"`
	Reason          string        `json:"reason,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
}

// RunSummary reports how every enrolled account ended.
type RunSummary struct {
	RunID      uuid.UUID        `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Completed  []AccountOutcome `json:"completed"`
	Skipped    []AccountOutcome `json:"skipped"`
	Failed     []AccountOutcome `json:"failed"`
	Aborted    bool             `json:"aborted"`
	AbortError string           `json:"abort_error,omitempty"`
}

func newRunSummary(runID uuid.UUID, startedAt time.Time) *RunSummary {
	return &RunSummary{RunID: runID, StartedAt: startedAt}
}

// record files a terminal job under the matching outcome.
func (s *RunSummary) record(job *export.ExportJob) {
	tl := job.Timeline()
	out := AccountOutcome{
		Account:         job.Account().Key(),
		DestinationPath: job.DestinationPath(),
		Elapsed:         tl.CompletedAt().Sub(tl.StartedAt()),
	}
	switch {
	case job.Status() == export.StatusFailed:
		out.Reason = job.FailureReason()
		s.Failed = append(s.Failed, out)
	case job.FoundExisting():
		out.Reason = job.LastReason()
		s.Skipped = append(s.Skipped, out)
	default:
		s.Completed = append(s.Completed, out)
	}
}

func (s *RunSummary) abort(err error) {
	s.Aborted = true
	if err != nil {
		s.AbortError = err.Error()
	}
}

func (s *RunSummary) finish(at time.Time) {
	s.FinishedAt = at
	for _, list := range [][]AccountOutcome{s.Completed, s.Skipped, s.Failed} {
		sort.Slice(list, func(i, k int) bool { return list[i].Account < list[k].Account })
	}
}

// Total returns the number of accounts that reached a terminal state.
func (s *RunSummary) Total() int { return len(s.Completed) + len(s.Skipped) + len(s.Failed) }

// ExitCode maps the run outcome to a process exit status.
func (s *RunSummary) ExitCode() int {
	switch {
	case s.Aborted:
		return ExitAborted
	case len(s.Failed) > 0:
		return ExitFailed
	default:
		return ExitOK
	}
}

// Write prints a human readable report of the run.
func (s *RunSummary) Write(w io.Writer) error {
	p := &errWriter{w: w}

	p.printf("backup run %s finished in %s\n", s.RunID, s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	p.printf("  completed: %d\n", len(s.Completed))
	for _, o := range s.Completed {
		p.printf("    %s -> %s\n", o.Account, o.DestinationPath)
	}
	p.printf("  skipped:   %d\n", len(s.Skipped))
	for _, o := range s.Skipped {
		p.printf("    %s (%s)\n", o.Account, o.Reason)
	}
	p.printf("  failed:    %d\n", len(s.Failed))
	for _, o := range s.Failed {
		p.printf("    %s: %s\n", o.Account, o.Reason)
	}
	if s.Aborted {
		p.printf("  run aborted: %s\n", s.AbortError)
	}
	return p.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (p *errWriter) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
