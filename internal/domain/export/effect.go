package export

import "errors"

var (
	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("invalid export job transition")
	// ErrJobTerminal is returned when a decision is applied to a finished job.
	ErrJobTerminal = errors.New("export job already finished")
)

// Effect is a side-effecting action the engine asks the scheduler to perform.
type Effect int

const (
	// EffectDeleteExport deletes the backend export.
	EffectDeleteExport Effect = iota + 1
	// EffectRequestExport asks the backend to start an export.
	EffectRequestExport
	// EffectRequestURL asks the backend for a download URL.
	EffectRequestURL
	// EffectDownload fetches the archive into the destination path.
	EffectDownload
)

func (e Effect) String() string {
	switch e {
	case EffectDeleteExport:
		return "DELETE export"
	case EffectRequestExport:
		return "POST export"
	case EffectRequestURL:
		return "POST exportURL"
	case EffectDownload:
		return "download"
	default:
		return "unknown"
	}
}

// Decision is the engine's output for one step: the next status and the side
// effects to perform, in order.
type Decision struct {
	Next    Status
	Effects []Effect
	// Reason explains the decision in logs, events and failure reports.
	Reason string
	// Continue asks for another step right away without a fresh backend read.
	Continue bool

	observation Observation
}

// Observation returns the observation the decision was made from.
func (d Decision) Observation() Observation { return d.observation }

// HasEffect reports whether e is among the decision's effects.
func (d Decision) HasEffect(e Effect) bool {
	for _, eff := range d.Effects {
		if eff == e {
			return true
		}
	}
	return false
}
