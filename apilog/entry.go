package apilog

import "strings"

// HTTPMethod is one of the request methods the collector accepts.
type HTTPMethod string

const (
	MethodGET     HTTPMethod = "GET"
	MethodPOST    HTTPMethod = "POST"
	MethodPUT     HTTPMethod = "PUT"
	MethodPATCH   HTTPMethod = "PATCH"
	MethodDELETE  HTTPMethod = "DELETE"
	MethodHEAD    HTTPMethod = "HEAD"
	MethodOPTIONS HTTPMethod = "OPTIONS"
)

// ParseMethod maps a raw request method onto the collector's enumeration.
// Matching is case-insensitive; ok is false for methods such as CONNECT or TRACE.
func ParseMethod(raw string) (m HTTPMethod, ok bool) {
	m = HTTPMethod(strings.ToUpper(strings.TrimSpace(raw)))
	return m, m.Valid()
}

// Valid reports whether m is part of the enumeration.
func (m HTTPMethod) Valid() bool {
	switch m {
	case MethodGET, MethodPOST, MethodPUT, MethodPATCH, MethodDELETE, MethodHEAD, MethodOPTIONS:
		return true
	}
	return false
}

func (m HTTPMethod) String() string { return string(m) }

// Environment is sent as X-Environment with every request.
type Environment string

const (
	EnvDev        Environment = "dev"
	EnvProduction Environment = "production"
)

func (e Environment) Valid() bool {
	return e == EnvDev || e == EnvProduction
}

func (e Environment) String() string { return string(e) }

// LogEntry is one observed request/response cycle.
// Entries are treated as immutable once handed to the Exporter: the queue
// moves whole values around and never touches fields, so callers must not
// mutate the maps after calling Log.
type LogEntry struct {
	Method          HTTPMethod        `json:"method"`
	Path            string            `json:"path"`                       // without query string
	QueryParams     map[string]string `json:"query_params"`               // first value wins for repeated keys
	StatusCode      int               `json:"status_code"`
	ResponseTimeMs  int64             `json:"response_time_ms"`
	ContentLength   int64             `json:"content_length"`             // 0 when unknown
	IPAddress       string            `json:"ip_address,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	UserName        string            `json:"user_name,omitempty"`
	UserIdentifier  string            `json:"user_identifier,omitempty"`
	RequestHeaders  map[string]any    `json:"request_headers,omitempty"`  // only with header capture
	ResponseHeaders map[string]any    `json:"response_headers,omitempty"` // only with header capture
	RequestBody     any               `json:"request_body,omitempty"`     // JSON bodies only
	ResponseBody    any               `json:"response_body,omitempty"`    // JSON bodies only
	ErrorMessage    string            `json:"error_message,omitempty"`    // set for status >= 400
}

// Anonymous reports whether the entry carries no user attribution.
func (e LogEntry) Anonymous() bool {
	return e.UserID == "" && e.UserName == "" && e.UserIdentifier == ""
}

// BatchRequest is the body of POST {baseURL}/logs/batch.
type BatchRequest struct {
	Logs        []LogEntry `json:"logs"`
	CreateUsers bool       `json:"create_users"`
}

// BatchResult is the collector's verdict on one batch, surfaced verbatim.
type BatchResult struct {
	SuccessCount int      `json:"success_count"`
	FailedCount  int      `json:"failed_count"`
	Total        int      `json:"total"`
	Errors       []string `json:"errors,omitempty"`
}
