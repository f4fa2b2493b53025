// Package echolog instruments Echo applications.
package echolog

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/spidey52/api-logs/apilog"
	"github.com/spidey52/api-logs/apilog/capture"
)

// Options configures Middleware. GetUserInfo runs after the handler, so it
// can read values the handler or an auth middleware put on the context.
type Options = capture.Options[echo.Context]

// Middleware logs every request to sink. Handler errors are passed to
// c.Error first so the logged status matches what the client received.
func Middleware(sink capture.Logger, opts Options) echo.MiddlewareFunc {
	opts = opts.Resolved(capture.LoggerFor(sink))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			if opts.Excluded(req.URL.Path) {
				return next(c)
			}

			var reqBody []byte
			if opts.CaptureRequestBody {
				reqBody = capture.BufferRequestBody(req, opts.MaxBodyBytes)
			}
			res := c.Response()
			var tee *bodyTee
			if opts.CaptureResponseBody {
				tee = &bodyTee{ResponseWriter: res.Writer, buf: capture.NewLimitedBuffer(opts.MaxBodyBytes)}
				res.Writer = tee
			}
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				rec := recover()
				status := res.Status
				if rec != nil && !res.Committed {
					status = http.StatusInternalServerError
				}
				capture.Dispatch(sink, opts.Logger, func() (apilog.LogEntry, bool) {
					obs := capture.Observation{
						Method:         req.Method,
						URL:            req.URL,
						Status:         status,
						Elapsed:        elapsed,
						ContentLength:  capture.RequestContentLength(req, reqBody),
						ClientIP:       c.RealIP(),
						UserAgent:      req.UserAgent(),
						RequestHeader:  req.Header,
						ResponseHeader: res.Header(),
						RequestBody:    reqBody,
						RequestType:    req.Header.Get(echo.HeaderContentType),
						ResponseType:   res.Header().Get(echo.HeaderContentType),
						User:           opts.User(c),
					}
					if tee != nil {
						obs.ResponseBody = tee.buf.Bytes()
					}
					obs.StatusText, obs.Err = describe(err)
					return opts.Entry(obs)
				})
				if rec != nil {
					panic(rec)
				}
			}()

			if err = next(c); err != nil {
				c.Error(err)
			}
			return err
		}
	}
}

// describe turns echo's HTTP errors into a status text so that the message
// reads "HTTP 404 Not Found" rather than "code=404, message=Not Found".
func describe(err error) (string, error) {
	if err == nil {
		return "", nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Internal != nil {
			return "", he.Internal
		}
		return fmt.Sprint(he.Message), nil
	}
	return "", err
}

type bodyTee struct {
	http.ResponseWriter
	buf *capture.LimitedBuffer
}

func (w *bodyTee) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if n > 0 {
		_, _ = w.buf.Write(p[:n])
	}
	return n, err
}

func (w *bodyTee) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *bodyTee) Unwrap() http.ResponseWriter { return w.ResponseWriter }
