// Package ginlog instruments Gin applications.
package ginlog

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/apilog/capture"
)

// Options configures Middleware.
type Options = capture.Options[*gin.Context]

// Middleware logs every request to sink. The last error attached with
// c.Error, if any, becomes the entry's error message.
func Middleware(sink capture.Logger, opts Options) gin.HandlerFunc {
	opts = opts.Resolved(capture.LoggerFor(sink))

	return func(c *gin.Context) {
		req := c.Request
		if opts.Excluded(req.URL.Path) {
			c.Next()
			return
		}

		var reqBody []byte
		if opts.CaptureRequestBody {
			reqBody = capture.BufferRequestBody(req, opts.MaxBodyBytes)
		}
		var tee *bodyTee
		if opts.CaptureResponseBody {
			tee = &bodyTee{ResponseWriter: c.Writer, buf: capture.NewLimitedBuffer(opts.MaxBodyBytes)}
			c.Writer = tee
		}
		start := time.Now()

		defer func() {
			elapsed := time.Since(start)
			rec := recover()
			status := c.Writer.Status()
			if rec != nil && !c.Writer.Written() {
				status = http.StatusInternalServerError
			}
			capture.Dispatch(sink, opts.Logger, func() (apilog.LogEntry, bool) {
				obs := capture.Observation{
					Method:         req.Method,
					URL:            req.URL,
					Status:         status,
					Elapsed:        elapsed,
					ContentLength:  capture.RequestContentLength(req, reqBody),
					ClientIP:       c.ClientIP(),
					UserAgent:      req.UserAgent(),
					RequestHeader:  req.Header,
					ResponseHeader: c.Writer.Header(),
					RequestBody:    reqBody,
					RequestType:    req.Header.Get("Content-Type"),
					ResponseType:   c.Writer.Header().Get("Content-Type"),
					User:           opts.User(c),
				}
				if tee != nil {
					obs.ResponseBody = tee.buf.Bytes()
				}
				if last := c.Errors.Last(); last != nil {
					obs.Err = last.Err
				}
				return opts.Entry(obs)
			})
			if rec != nil {
				panic(rec)
			}
		}()

		c.Next()
	}
}

type bodyTee struct {
	gin.ResponseWriter
	buf *capture.LimitedBuffer
}

func (w *bodyTee) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if n > 0 {
		_, _ = w.buf.Write(p[:n])
	}
	return n, err
}

func (w *bodyTee) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	if n > 0 {
		_, _ = w.buf.Write([]byte(s[:n]))
	}
	return n, err
}
