// Package httplog instruments plain net/http handlers.
package httplog

import (
	"net/http"
	"time"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/apilog/capture"
)

// Options configures Middleware. GetUserInfo receives the request after the
// handler ran, so values the handler stored in its context are visible only
// if the handler replaced *r; prefer reading auth headers.
type Options = capture.Options[*http.Request]

// Middleware logs every request that passes through next to sink.
func Middleware(sink capture.Logger, opts Options) func(http.Handler) http.Handler {
	opts = opts.Resolved(capture.LoggerFor(sink))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Excluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var reqBody []byte
			if opts.CaptureRequestBody {
				reqBody = capture.BufferRequestBody(r, opts.MaxBodyBytes)
			}
			rw := newResponseWriter(w, opts.CaptureResponseBody, opts.MaxBodyBytes)
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				rec := recover()
				status := rw.Status()
				if rec != nil && !rw.wroteHeader {
					status = http.StatusInternalServerError
				}
				capture.Dispatch(sink, opts.Logger, func() (apilog.LogEntry, bool) {
					return opts.Entry(capture.Observation{
						Method:         r.Method,
						URL:            r.URL,
						Status:         status,
						Elapsed:        elapsed,
						ContentLength:  capture.RequestContentLength(r, reqBody),
						ClientIP:       capture.ClientIP(r),
						UserAgent:      r.UserAgent(),
						RequestHeader:  r.Header,
						ResponseHeader: rw.Header(),
						RequestBody:    reqBody,
						ResponseBody:   rw.Body(),
						RequestType:    r.Header.Get("Content-Type"),
						ResponseType:   rw.Header().Get("Content-Type"),
						User:           opts.User(r),
					})
				})
				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
