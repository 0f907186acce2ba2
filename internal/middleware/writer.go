package middleware

import (
	"net/http"
	"sync"
)

// recorder remembers the status and body size a handler produced. Observe
// reads both after the handler returns; Recover uses wroteHeader to decide
// whether an error body can still be sent.
type recorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rw *recorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController.
func (rw *recorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *recorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var recorderPool = sync.Pool{New: func() any { return new(recorder) }}

func acquireRecorder(w http.ResponseWriter) *recorder {
	rw := recorderPool.Get().(*recorder)
	*rw = recorder{ResponseWriter: w, status: http.StatusOK}
	return rw
}

func releaseRecorder(rw *recorder) {
	rw.ResponseWriter = nil
	recorderPool.Put(rw)
}
