package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// validRequestID checks that a client-supplied request ID is safe to log and
// echo: non-empty, bounded, printable ASCII only (no CR/LF or spaces).
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}

// RequestID returns the request's correlation ID as set by the chain, or ""
// when the request did not pass through it.
func RequestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

// ensureRequestID keeps a valid inbound X-Request-Id or replaces it with a
// fresh UUID, and echoes it on the response.
func ensureRequestID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(requestIDHeader)
	if !validRequestID(id) {
		id = uuid.NewString()
		r.Header.Set(requestIDHeader, id)
	}
	w.Header().Set(requestIDHeader, id)
	return id
}
