package capture

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/spidey52/api-logs/apilog"
)

// DefaultRedactHeaders never leave the process in clear text.
var DefaultRedactHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "Proxy-Authorization"}

const redacted = "[REDACTED]"

// IsJSON reports whether contentType is application/json or a +json type.
func IsJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// DecodeJSON parses body when contentType is JSON. Non-JSON content types
// and empty bodies yield (nil, nil); malformed JSON yields a
// *apilog.SerializationError.
func DecodeJSON(field, contentType string, body []byte) (any, error) {
	if !IsJSON(contentType) || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &apilog.SerializationError{Field: field, Err: err}
	}
	return v, nil
}

// BufferRequestBody reads up to limit bytes of r.Body and puts back a body
// that yields the full original stream, so the handler reads exactly what
// the client sent. It returns nil when the body is absent or longer than
// limit.
func BufferRequestBody(r *http.Request, limit int64) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(head), r.Body), closer: r.Body}
	if err != nil || int64(len(head)) > limit {
		return nil
	}
	return head
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

// LimitedBuffer keeps the first limit bytes written to it and silently
// discards the rest. Write never fails.
type LimitedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func NewLimitedBuffer(limit int64) *LimitedBuffer {
	return &LimitedBuffer{limit: limit}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns the captured body, or nil when it was cut short: a truncated
// JSON document cannot be decoded anyway.
func (b *LimitedBuffer) Bytes() []byte {
	if b.truncated {
		return nil
	}
	return b.buf.Bytes()
}

// FlattenHeaders converts h into the collector's header map: single values
// become strings, repeated ones string slices.
func FlattenHeaders(h http.Header, redact []string) map[string]any {
	if len(h) == 0 {
		return nil
	}
	hidden := make(map[string]bool, len(redact))
	for _, name := range redact {
		hidden[http.CanonicalHeaderKey(name)] = true
	}
	out := make(map[string]any, len(h))
	for key, values := range h {
		switch {
		case hidden[http.CanonicalHeaderKey(key)]:
			out[key] = redacted
		case len(values) == 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}

// ClientIP prefers X-Forwarded-For, then X-Real-IP, then the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestContentLength returns the declared request size, falling back to
// the captured body length; 0 when unknown.
func RequestContentLength(r *http.Request, captured []byte) int64 {
	if r.ContentLength > 0 {
		return r.ContentLength
	}
	return int64(len(captured))
}
