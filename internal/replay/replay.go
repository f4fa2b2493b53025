// Package replay feeds newline-delimited JSON log entries to the exporter.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
)

const maxLine = 1 << 20

// Stats counts what Read did with its input.
type Stats struct {
	Lines    int `json:"lines"`
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// Read decodes one LogEntry per line and passes it to fn. Blank lines are
// ignored. Lines that are not valid entries are logged and skipped; an
// error from fn stops the replay.
func Read(r io.Reader, logger zerolog.Logger, fn func(apilog.LogEntry) error) (Stats, error) {
	var st Stats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		st.Lines++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		entry, err := decode(line)
		if err != nil {
			st.Skipped++
			logger.Warn().Err(err).Int("line", st.Lines).Msg("skipping entry")
			continue
		}
		if err := fn(entry); err != nil {
			return st, fmt.Errorf("line %d: %w", st.Lines, err)
		}
		st.Accepted++
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read input: %w", err)
	}
	return st, nil
}

func decode(line []byte) (apilog.LogEntry, error) {
	var entry apilog.LogEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return entry, &apilog.SerializationError{Field: "entry", Err: err}
	}
	method, ok := apilog.ParseMethod(entry.Method.String())
	if !ok {
		return entry, fmt.Errorf("unsupported method %q", entry.Method)
	}
	entry.Method = method
	if entry.Path == "" {
		return entry, fmt.Errorf("missing path")
	}
	if entry.StatusCode < 100 || entry.StatusCode > 599 {
		return entry, fmt.Errorf("status code %d out of range", entry.StatusCode)
	}
	return entry, nil
}
