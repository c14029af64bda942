package ovh

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	govh "github.com/ovh/go-ovh/ovh"
	"github.com/wasilibs/go-re2"

	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// The API reports several conditions only through human readable messages.
// They are matched here, once, so that nothing past this file sees prose.
var (
	notFoundMessage    = re2.MustCompile(`(?i)does not exist`)
	serverErrorMessage = re2.MustCompile(`(?i)internal server error`)
	notGrantedMessage  = re2.MustCompile(`(?i)(not been granted|not granted|invalid credential)`)
	notGrantedCode     = re2.MustCompile(`^(NOT_GRANTED_CALL|NOT_CREDENTIAL|INVALID_CREDENTIAL|FORBIDDEN)$`)
)

var errDecode = errors.New("undecodable response body")

// creationDate layouts seen from the API.
var creationDateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05"}

type payload struct {
	PercentComplete *float64 `json:"percentComplete"`
	CreationDate    *string  `json:"creationDate"`
	URL             *string  `json:"url"`
	ErrorCode       string   `json:"errorCode"`
	Message         string   `json:"message"`
}

// ClassifyExport turns the answer to GET .../export into an Observation.
func ClassifyExport(reply Reply, err error) export.Observation {
	p, obs, done := classifyCommon(reply, err)
	if done {
		return obs
	}
	if p.PercentComplete == nil || p.CreationDate == nil {
		return export.Unrecognized(reply.Body)
	}
	createdAt, ok := parseCreationDate(*p.CreationDate)
	if !ok {
		return export.Unrecognized(reply.Body)
	}
	percent := int(math.Floor(*p.PercentComplete))
	if percent < 0 || percent > 100 {
		return export.Unrecognized(reply.Body)
	}
	return export.ExportStatus(percent, createdAt)
}

// ClassifyExportURL turns the answer to GET .../exportURL into an Observation.
// An object without a url is the backend not having one (yet).
func ClassifyExportURL(reply Reply, err error) export.Observation {
	p, obs, done := classifyCommon(reply, err)
	if done {
		return obs
	}
	if p.URL == nil {
		return export.ExportURL("")
	}
	return export.ExportURL(*p.URL)
}

// ClassifyAction turns the answer to a POST or DELETE into an Observation.
func ClassifyAction(reply Reply, err error) export.Observation {
	_, obs, done := classifyCommon(reply, err)
	if done && obs.Kind != export.ObservationNotFound {
		return obs
	}
	return export.Accepted()
}

// classifyCommon handles outcomes shared by every call. When done is false the
// decoded payload is a plain object to be interpreted by the caller.
func classifyCommon(reply Reply, err error) (payload, export.Observation, bool) {
	if err != nil {
		return payload{}, export.Transient(err), true
	}
	if reply.Err != nil {
		return payload{}, classifyAPIError(reply.Err), true
	}
	if len(reply.Body) == 0 {
		return payload{}, export.NotFound(), true
	}
	if !json.Valid(reply.Body) {
		return payload{}, export.Transient(errDecode), true
	}
	if trimmed := bytes.TrimSpace(reply.Body); len(trimmed) == 0 || trimmed[0] != '{' {
		return payload{}, export.Unrecognized(reply.Body), true
	}

	var p payload
	if err := json.Unmarshal(reply.Body, &p); err != nil {
		return payload{}, export.Unrecognized(reply.Body), true
	}

	switch {
	case p.ErrorCode != "" && notGrantedCode.MatchString(p.ErrorCode),
		p.ErrorCode != "" && notGrantedMessage.MatchString(p.Message):
		return p, export.Unauthorized(fmt.Errorf("%s: %s", p.ErrorCode, p.Message), reply.Body), true
	case notFoundMessage.MatchString(p.Message):
		return p, export.NotFound(), true
	case serverErrorMessage.MatchString(p.Message):
		return p, export.Transient(fmt.Errorf("api: %s", p.Message)), true
	case p.ErrorCode != "":
		return p, export.Transient(fmt.Errorf("api error %s: %s", p.ErrorCode, p.Message)), true
	}
	return p, export.Observation{}, false
}

func classifyAPIError(apiErr *govh.APIError) export.Observation {
	switch {
	case apiErr.Code == http.StatusUnauthorized,
		apiErr.Code == http.StatusForbidden,
		notGrantedMessage.MatchString(apiErr.Message):
		raw, _ := json.Marshal(map[string]any{"httpCode": apiErr.Code, "class": apiErr.Class, "message": apiErr.Message})
		return export.Unauthorized(apiErr, raw)
	case apiErr.Code == http.StatusNotFound, notFoundMessage.MatchString(apiErr.Message):
		return export.NotFound()
	default:
		// 5xx, "Internal server error" and any other API complaint are retried.
		return export.Transient(apiErr)
	}
}

func parseCreationDate(s string) (time.Time, bool) {
	for _, layout := range creationDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
