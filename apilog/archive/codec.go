package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/spidey52/api-logs/apilog"
)

// EncodeBatch serializes entries as a gzipped JSON array.
func EncodeBatch(entries []apilog.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(entries); err != nil {
		_ = zw.Close()
		return nil, &apilog.SerializationError{Field: "logs", Err: err}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(raw []byte) ([]apilog.LogEntry, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var entries []apilog.LogEntry
	if err := json.Unmarshal(decoded, &entries); err != nil {
		return nil, &apilog.SerializationError{Field: "logs", Err: err}
	}
	return entries, nil
}
