package apierror

import (
	"encoding/json"
	"net/http"

	"github.com/edgequota/chainproxy/internal/config"
)

// Options control how much of an error is exposed.
type Options struct {
	// Mode development includes causes, issues and diagnostic details.
	Mode      config.Mode
	RequestID string
}

// Body is the external error contract.
type Body struct {
	Error     string         `json:"error"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Timestamp string         `json:"timestamp"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Shape turns a normalized error into the external body.
func Shape(n *Normalized, opts Options) Body {
	b := Body{
		Error:     n.Message,
		RequestID: opts.RequestID,
		Timestamp: n.Timestamp.Format(timestampLayout),
	}

	switch {
	case opts.Mode.IsDevelopment():
		d := make(map[string]any, len(n.Details)+4)
		for k, v := range n.Details {
			d[k] = v
		}
		d["kind"] = string(n.Kind)
		if n.Cause != "" {
			d["cause"] = n.Cause
			d["type"] = n.Type
		}
		if len(n.Issues) > 0 {
			d["issues"] = n.Issues
		}
		b.Details = d
	case n.Kind.publicDetails() && len(n.Details) > 0:
		b.Details = n.Details
	}
	return b
}

// Write normalizes err and writes it as JSON with the matching status.
// It returns the normalized form so callers can log it.
func Write(w http.ResponseWriter, err error, opts Options) *Normalized {
	n := Normalize(err)
	body, _ := json.Marshal(Shape(n, opts))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(n.Status)
	_, _ = w.Write(body)
	return n
}
