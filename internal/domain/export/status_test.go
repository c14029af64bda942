package export

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		target  Status
	}{
		{"Unknown to NoExport", StatusUnknown, StatusNoExport},
		{"Unknown to ExportInProgress", StatusUnknown, StatusExportInProgress},
		{"Unknown to ExportComplete", StatusUnknown, StatusExportComplete},
		{"Unknown to ExportRequested via reset", StatusUnknown, StatusExportRequested},
		{"NoExport to ExportRequested", StatusNoExport, StatusExportRequested},
		{"ExportRequested re-request", StatusExportRequested, StatusExportRequested},
		{"ExportRequested to ExportInProgress", StatusExportRequested, StatusExportInProgress},
		{"ExportInProgress to ExportComplete", StatusExportInProgress, StatusExportComplete},
		{"ExportInProgress percent reset", StatusExportInProgress, StatusNoExport},
		{"ExportComplete to URLRequested", StatusExportComplete, StatusURLRequested},
		{"URLRequested re-request", StatusURLRequested, StatusURLRequested},
		{"URLRequested to URLReady", StatusURLRequested, StatusURLReady},
		{"URLReady to Downloading", StatusURLReady, StatusDownloading},
		{"Downloading to Done", StatusDownloading, StatusDone},
		{"Downloading retry", StatusDownloading, StatusURLReady},
		{"any to Failed", StatusURLRequested, StatusFailed},
		{"archive found while in progress", StatusExportInProgress, StatusDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.current.validateTransition(tt.target))
		})
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		target  Status
	}{
		{"Done is terminal", StatusDone, StatusUnknown},
		{"Failed is terminal", StatusFailed, StatusExportRequested},
		{"Failed cannot stay", StatusFailed, StatusFailed},
		{"cannot skip to download", StatusUnknown, StatusDownloading},
		{"ExportComplete cannot go back", StatusExportComplete, StatusExportInProgress},
		{"URLReady cannot go back", StatusURLReady, StatusURLRequested},
		{"Downloading cannot restart export", StatusDownloading, StatusNoExport},
		{"NoExport cannot complete", StatusNoExport, StatusExportComplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.validateTransition(tt.target)
			assert.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))

			var te *TransitionError
			assert.True(t, errors.As(err, &te))
			assert.Equal(t, tt.current, te.From)
			assert.Equal(t, tt.target, te.To)
		})
	}
}

// The only valid backward move is the percent-reset rule; download retries stay
// within the download phase.
func TestValidTransitionsNeverRegress(t *testing.T) {
	all := []Status{
		StatusUnknown, StatusNoExport, StatusExportRequested, StatusExportInProgress,
		StatusExportComplete, StatusURLRequested, StatusURLReady, StatusDownloading,
		StatusDone, StatusFailed,
	}
	for _, from := range all {
		for _, to := range all {
			if !from.isValidTransition(to) || !from.IsRegression(to) {
				continue
			}
			assert.Equal(t, StatusExportInProgress, from, "unexpected regression %s -> %s", from, to)
			assert.Equal(t, StatusNoExport, to, "unexpected regression %s -> %s", from, to)
		}
	}
}

func TestStatusProbe(t *testing.T) {
	assert.Equal(t, ProbeExport, StatusUnknown.Probe())
	assert.Equal(t, ProbeExport, StatusExportRequested.Probe())
	assert.Equal(t, ProbeExport, StatusExportInProgress.Probe())
	assert.Equal(t, ProbeExportURL, StatusURLRequested.Probe())
	assert.Equal(t, ProbeNone, StatusNoExport.Probe())
	assert.Equal(t, ProbeNone, StatusURLReady.Probe())
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusURLReady, ParseStatus("URL_READY"))
	assert.Equal(t, Status(""), ParseStatus("nope"))
}
