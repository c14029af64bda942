package export

import "fmt"

// DefaultMaxDownloadAttempts bounds download retries when none is configured.
const DefaultMaxDownloadAttempts = 3

// Engine computes the next step of an ExportJob from an observation. It performs
// no I/O; the scheduler carries out the returned effects and feeds their outcome
// back in.
type Engine struct {
	policy              StalenessPolicy
	maxDownloadAttempts int
	clock               TimeProvider
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the wall clock used for staleness decisions.
func WithClock(tp TimeProvider) EngineOption {
	return func(e *Engine) { e.clock = tp }
}

// WithMaxDownloadAttempts bounds how many transfers a job may start before failing.
func WithMaxDownloadAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxDownloadAttempts = n
		}
	}
}

// NewEngine creates an Engine applying the given staleness policy.
func NewEngine(policy StalenessPolicy, opts ...EngineOption) *Engine {
	e := &Engine{
		policy:              policy,
		maxDownloadAttempts: DefaultMaxDownloadAttempts,
		clock:               RealTimeProvider(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxDownloadAttempts returns the configured retry bound.
func (e *Engine) MaxDownloadAttempts() int { return e.maxDownloadAttempts }

// Decide returns the next status and side effects for job given obs.
func (e *Engine) Decide(job *ExportJob, obs Observation) Decision {
	d := e.decide(job, obs)
	d.observation = obs
	return d
}

func (e *Engine) decide(job *ExportJob, obs Observation) Decision {
	current := job.Status()
	if current.IsTerminal() {
		return stay(current, "job already finished")
	}

	// Outcomes that mean the same thing in every state.
	switch obs.Kind {
	case ObservationArchivePresent:
		return Decision{Next: StatusDone, Reason: "archive already present"}
	case ObservationDeadlineExceeded:
		return fail("deadline exceeded")
	case ObservationTransient:
		return stay(current, fmt.Sprintf("transient failure: %v", obs.Err))
	case ObservationUnauthorized:
		return fail(fmt.Sprintf("authorization denied: %v", obs.Err))
	case ObservationUnrecognized:
		return fail("unhandled response from export API")
	}

	switch current {
	case StatusUnknown:
		return e.fromUnknown(job, obs)
	case StatusNoExport:
		return Decision{
			Next:    StatusExportRequested,
			Effects: []Effect{EffectRequestExport},
			Reason:  "no export on backend",
		}
	case StatusExportRequested:
		return e.fromExportRequested(job, obs)
	case StatusExportInProgress:
		return e.fromExportInProgress(job, obs)
	case StatusExportComplete:
		return Decision{
			Next:    StatusURLRequested,
			Effects: []Effect{EffectRequestURL},
			Reason:  "export complete",
		}
	case StatusURLRequested:
		return e.fromURLRequested(obs)
	case StatusURLReady:
		return Decision{
			Next:    StatusDownloading,
			Effects: []Effect{EffectDownload},
			Reason:  "download url ready",
		}
	case StatusDownloading:
		return e.fromDownloading(job, obs)
	default:
		return fail(fmt.Sprintf("unsupported job status %q", current))
	}
}

func (e *Engine) fromUnknown(job *ExportJob, obs Observation) Decision {
	switch obs.Kind {
	case ObservationNotFound:
		return Decision{Next: StatusNoExport, Reason: "no prior export", Continue: true}
	case ObservationExportStatus:
		now := e.clock.Now()
		if obs.Percent >= 100 {
			if e.policy.IsExpired(now, obs.CreatedAt) {
				return reset(StatusExportRequested, fmt.Sprintf("stale export, %dh old", AgeHours(now, obs.CreatedAt)))
			}
			return Decision{Next: StatusExportComplete, Reason: "fresh export available", Continue: true}
		}
		if e.policy.IsStalled(now, obs.CreatedAt) {
			return reset(StatusExportRequested, fmt.Sprintf("stuck export at %d%%, %dh old", obs.Percent, AgeHours(now, obs.CreatedAt)))
		}
		return Decision{Next: StatusExportInProgress, Reason: "export running"}
	case ObservationNone:
		return stay(StatusUnknown, "awaiting first observation")
	default:
		return unexpected(job.Status(), obs)
	}
}

func (e *Engine) fromExportRequested(job *ExportJob, obs Observation) Decision {
	switch obs.Kind {
	case ObservationNotFound:
		return Decision{
			Next:    StatusExportRequested,
			Effects: []Effect{EffectRequestExport},
			Reason:  "export request dropped by backend",
		}
	case ObservationExportStatus:
		now := e.clock.Now()
		if obs.Percent >= 100 {
			// Still the old export: the deletion has not landed yet.
			if e.policy.IsExpired(now, obs.CreatedAt) {
				return reset(StatusExportRequested, "stale export still present after reset")
			}
			return Decision{Next: StatusExportComplete, Reason: "export complete", Continue: true}
		}
		if e.policy.IsStalled(now, obs.CreatedAt) {
			return reset(StatusExportRequested, "stuck export still present after reset")
		}
		return Decision{Next: StatusExportInProgress, Reason: "export running"}
	case ObservationNone, ObservationAccepted:
		return stay(StatusExportRequested, "awaiting export status")
	default:
		return unexpected(job.Status(), obs)
	}
}

func (e *Engine) fromExportInProgress(job *ExportJob, obs Observation) Decision {
	switch obs.Kind {
	case ObservationNotFound:
		return Decision{Next: StatusNoExport, Reason: "export disappeared from backend", Continue: true}
	case ObservationExportStatus:
		if obs.Percent < job.LastSeenPercent() {
			return Decision{
				Next:     StatusNoExport,
				Reason:   fmt.Sprintf("percent went back from %d to %d", job.LastSeenPercent(), obs.Percent),
				Continue: true,
			}
		}
		if obs.Percent >= 100 {
			return Decision{Next: StatusExportComplete, Reason: "export complete", Continue: true}
		}
		if obs.Percent == job.LastSeenPercent() && e.policy.IsStalled(e.clock.Now(), job.lastAdvance()) {
			return Decision{
				Next:     StatusNoExport,
				Effects:  []Effect{EffectDeleteExport},
				Reason:   fmt.Sprintf("export stuck at %d%%", obs.Percent),
				Continue: true,
			}
		}
		return Decision{Next: StatusExportInProgress, Reason: "export running"}
	case ObservationNone:
		return stay(StatusExportInProgress, "awaiting export status")
	default:
		return unexpected(job.Status(), obs)
	}
}

func (e *Engine) fromURLRequested(obs Observation) Decision {
	switch obs.Kind {
	case ObservationExportURL:
		if obs.URL != "" {
			return Decision{Next: StatusURLReady, Reason: "download url received", Continue: true}
		}
		return Decision{
			Next:    StatusURLRequested,
			Effects: []Effect{EffectRequestURL},
			Reason:  "download url missing",
		}
	case ObservationNotFound:
		return Decision{
			Next:    StatusURLRequested,
			Effects: []Effect{EffectRequestURL},
			Reason:  "download url request dropped by backend",
		}
	case ObservationNone, ObservationAccepted:
		return stay(StatusURLRequested, "awaiting download url")
	default:
		return unexpected(StatusURLRequested, obs)
	}
}

func (e *Engine) fromDownloading(job *ExportJob, obs Observation) Decision {
	switch obs.Kind {
	case ObservationDownloaded:
		return Decision{Next: StatusDone, Reason: "archive downloaded"}
	case ObservationDownloadFailed:
		if job.DownloadAttempts() >= e.maxDownloadAttempts {
			return fail(fmt.Sprintf("download failed after %d attempts: %v", job.DownloadAttempts(), obs.Err))
		}
		return Decision{Next: StatusURLReady, Reason: fmt.Sprintf("download failed, will retry: %v", obs.Err)}
	case ObservationNone:
		return stay(StatusDownloading, "awaiting transfer result")
	default:
		return unexpected(StatusDownloading, obs)
	}
}

func stay(s Status, reason string) Decision { return Decision{Next: s, Reason: reason} }

func fail(reason string) Decision { return Decision{Next: StatusFailed, Reason: reason} }

func reset(next Status, reason string) Decision {
	return Decision{
		Next:    next,
		Effects: []Effect{EffectDeleteExport, EffectRequestExport},
		Reason:  reason,
	}
}

func unexpected(s Status, obs Observation) Decision {
	return fail(fmt.Sprintf("unexpected %s observation in state %s", obs.Kind, s))
}
