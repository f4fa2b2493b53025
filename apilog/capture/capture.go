// Package capture holds the framework-independent half of the middleware
// adapters: options, user attribution, path exclusion, header and body
// capture, and turning one observed request into an apilog.LogEntry.
package capture

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
)

// DefaultExcludePaths are skipped when Options.ExcludePaths is nil.
var DefaultExcludePaths = []string{"/health", "/metrics"}

// DefaultMaxBodyBytes caps captured bodies.
const DefaultMaxBodyBytes = 64 << 10

// Logger is the part of *apilog.Exporter the adapters need.
type Logger interface {
	Log(entry apilog.LogEntry) bool
}

// UserInfo attributes an entry to a user. A nil *UserInfo means anonymous.
type UserInfo struct {
	UserID         string
	UserName       string
	UserIdentifier string
}

// Options configures an adapter. C is the framework's request context
// (*http.Request, echo.Context, *gin.Context).
type Options[C any] struct {
	CaptureRequestBody  bool
	CaptureResponseBody bool
	CaptureHeaders      bool
	// ExcludePaths lists path prefixes that are never logged.
	// nil means DefaultExcludePaths; use an empty slice to log everything.
	ExcludePaths []string
	// RedactHeaders are captured as "[REDACTED]". nil means DefaultRedactHeaders.
	RedactHeaders []string
	MaxBodyBytes  int64
	GetUserInfo   func(C) *UserInfo
	Logger        *zerolog.Logger
}

// Resolved returns a copy with defaults applied. fallback is used when no
// logger was configured.
func (o Options[C]) Resolved(fallback zerolog.Logger) Options[C] {
	if o.ExcludePaths == nil {
		o.ExcludePaths = DefaultExcludePaths
	}
	if o.RedactHeaders == nil {
		o.RedactHeaders = DefaultRedactHeaders
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.Logger == nil {
		o.Logger = &fallback
	}
	return o
}

// Excluded reports whether path starts with one of the excluded prefixes.
func (o Options[C]) Excluded(path string) bool {
	for _, prefix := range o.ExcludePaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// User calls GetUserInfo when configured.
func (o Options[C]) User(ctx C) *UserInfo {
	if o.GetUserInfo == nil {
		return nil
	}
	return o.GetUserInfo(ctx)
}

// LoggerFor picks a logger for adapter diagnostics: the exporter's own when
// the sink is an *apilog.Exporter, otherwise the package default.
func LoggerFor(sink Logger) zerolog.Logger {
	if exp, ok := sink.(interface{ Logger() zerolog.Logger }); ok {
		return exp.Logger()
	}
	return apilog.DefaultLogger()
}

// Observation is what an adapter saw of one request/response cycle.
type Observation struct {
	Method         string
	URL            *url.URL
	Status         int
	Elapsed        time.Duration
	ContentLength  int64
	ClientIP       string
	UserAgent      string
	RequestHeader  http.Header
	ResponseHeader http.Header
	RequestBody    []byte // nil when not captured
	ResponseBody   []byte // nil when not captured
	RequestType    string // request Content-Type
	ResponseType   string // response Content-Type
	User           *UserInfo
	Err            error  // handler error, if the framework reports one
	StatusText     string // optional override for the error message
}

// Entry converts obs into a LogEntry. ok is false when the method is outside
// the collector's enumeration. Body decoding failures are logged and the
// field is left empty.
func (o Options[C]) Entry(obs Observation) (entry apilog.LogEntry, ok bool) {
	method, ok := apilog.ParseMethod(obs.Method)
	if !ok {
		o.Logger.Debug().Str("method", obs.Method).Msg("skipping request with unsupported method")
		return apilog.LogEntry{}, false
	}

	entry = apilog.LogEntry{
		Method:         method,
		StatusCode:     obs.Status,
		ResponseTimeMs: obs.Elapsed.Milliseconds(),
		ContentLength:  obs.ContentLength,
		IPAddress:      obs.ClientIP,
		UserAgent:      obs.UserAgent,
	}
	if entry.ContentLength < 0 {
		entry.ContentLength = 0
	}
	if entry.ResponseTimeMs < 0 {
		entry.ResponseTimeMs = 0
	}
	if obs.URL != nil {
		entry.Path = obs.URL.Path
		entry.QueryParams = QueryParams(obs.URL.Query())
	}
	if obs.User != nil {
		entry.UserID = obs.User.UserID
		entry.UserName = obs.User.UserName
		entry.UserIdentifier = obs.User.UserIdentifier
	}
	if o.CaptureHeaders {
		entry.RequestHeaders = FlattenHeaders(obs.RequestHeader, o.RedactHeaders)
		entry.ResponseHeaders = FlattenHeaders(obs.ResponseHeader, o.RedactHeaders)
	}
	if o.CaptureRequestBody && obs.RequestBody != nil {
		entry.RequestBody = o.decode("request_body", obs.RequestType, obs.RequestBody)
	}
	if o.CaptureResponseBody && obs.ResponseBody != nil {
		entry.ResponseBody = o.decode("response_body", obs.ResponseType, obs.ResponseBody)
	}
	entry.ErrorMessage = ErrorMessage(obs.Status, obs.StatusText, obs.Err)
	return entry, true
}

func (o Options[C]) decode(field, contentType string, body []byte) any {
	v, err := DecodeJSON(field, contentType, body)
	if err != nil {
		o.Logger.Debug().Err(err).Msg("body capture skipped")
		return nil
	}
	return v
}

// Dispatch builds an entry and hands it to sink. Nothing escapes: panics in
// build, in a user hook or in the sink are recovered and logged, so the
// instrumented handler is never affected.
func Dispatch(sink Logger, logger *zerolog.Logger, build func() (apilog.LogEntry, bool)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("api log capture failed")
		}
	}()
	entry, ok := build()
	if !ok {
		return
	}
	sink.Log(entry)
}

// QueryParams flattens query values; the first value of a repeated key wins.
func QueryParams(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			out[key] = vals[0]
		}
	}
	return out
}

// ErrorMessage is set for failed requests only: the handler error when there
// is one, otherwise "HTTP <status> <text>".
func ErrorMessage(status int, text string, err error) string {
	if status < 400 && err == nil {
		return ""
	}
	if err != nil {
		return err.Error()
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return strings.TrimSpace(fmt.Sprintf("HTTP %d %s", status, text))
}
