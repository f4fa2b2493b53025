package httplog

import (
	"net/http"

	"github.com/spidey52/api-logs/apilog/capture"
)

// responseWriter records the status code and, optionally, a copy of the
// body. Unwrap lets http.ResponseController reach Flush and Hijack.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        *capture.LimitedBuffer
}

func newResponseWriter(w http.ResponseWriter, captureBody bool, limit int64) *responseWriter {
	rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	if captureBody {
		rw.body = capture.NewLimitedBuffer(limit)
	}
	return rw
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	n, err := w.ResponseWriter.Write(p)
	if w.body != nil && n > 0 {
		_, _ = w.body.Write(p[:n])
	}
	return n, err
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *responseWriter) Status() int { return w.status }

func (w *responseWriter) Body() []byte {
	if w.body == nil {
		return nil
	}
	return w.body.Bytes()
}
