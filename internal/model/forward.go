// Package model defines the request and result types shared between the
// gateway's handlers, service and upstream client.
package model

import (
	"net/http"
)

// FilePart is one file carried by a multipart upstream request.
type FilePart struct {
	Field       string
	Filename    string
	Content     []byte
	ContentType string
}

// ForwardRequest describes one call to an X-Road management API.
//
// Data and Files are mutually exclusive payload modes: when Files is
// non-empty the request is sent as multipart/form-data and Data entries
// travel as plain text fields; otherwise Data is sent as a JSON body.
type ForwardRequest struct {
	Method   string
	Endpoint string
	Query    Params
	Data     map[string]any
	Files    []FilePart
}

// Multipart reports whether the request is sent as multipart/form-data.
func (r *ForwardRequest) Multipart() bool {
	return len(r.Files) > 0
}

// PayloadKind tags which payload of a ForwardResult is populated.
type PayloadKind int

const (
	// PayloadEmpty is a successful response without a body (HTTP 204).
	PayloadEmpty PayloadKind = iota
	// PayloadJSON is a body that decoded as JSON.
	PayloadJSON
	// PayloadBinary is a body that is not JSON (certificates, archives, anchors).
	PayloadBinary
	// PayloadError means the upstream call failed before a response was read.
	PayloadError
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEmpty:
		return "empty"
	case PayloadJSON:
		return "json"
	case PayloadBinary:
		return "binary"
	case PayloadError:
		return "error"
	default:
		return "unknown"
	}
}

// ForwardResult is the normalised outcome of one upstream call.
//
// StatusCode is set on every path. Kind selects the populated payload:
// JSON (with Body holding the bytes it was decoded from), Binary with
// ContentType, nothing for PayloadEmpty, or Error/Err for transport failures.
type ForwardResult struct {
	StatusCode  int
	Kind        PayloadKind
	Header      http.Header
	JSON        any
	Body        []byte
	ContentType string
	Error       string
	Err         error
}

// Failed reports whether the caller has to treat the result as a failure.
func (r *ForwardResult) Failed() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// Warning is one overridable condition reported by the upstream.
type Warning struct {
	Code     string   `json:"code"`
	Metadata []string `json:"metadata,omitempty"`
}

// Warnings extracts the warning list of an upstream "warnings_detected"
// response. It returns nil for any other result.
func (r *ForwardResult) Warnings() []Warning {
	if r.Kind != PayloadJSON || r.StatusCode != http.StatusBadRequest {
		return nil
	}
	obj, ok := r.JSON.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := obj["warnings"].([]any)
	if !ok {
		return nil
	}

	warnings := make([]Warning, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		w := Warning{}
		w.Code, _ = m["code"].(string)
		if meta, ok := m["metadata"].([]any); ok {
			for _, v := range meta {
				if s, ok := v.(string); ok {
					w.Metadata = append(w.Metadata, s)
				}
			}
		}
		warnings = append(warnings, w)
	}
	return warnings
}
