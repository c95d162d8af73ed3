package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressedPayload wraps a snapshot whose serialized form crossed the
// compression threshold. The client decompresses before applying.
type CompressedPayload struct {
	Compressed bool   `json:"__compressed"`
	Encoding   string `json:"encoding"`
	Data       string `json:"data"`
}

// MaybeCompress serializes v and, when the encoding is at least threshold
// bytes, returns a gzip CompressedPayload instead of the raw value. A
// nonpositive threshold disables compression.
func MaybeCompress(v any, threshold int) (any, error) {
	if threshold <= 0 {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal snapshot: %w", err)
	}
	if len(raw) < threshold {
		return v, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("wire: compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("wire: compress snapshot: %w", err)
	}
	return CompressedPayload{
		Compressed: true,
		Encoding:   "gzip",
		Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Decompress reverses MaybeCompress: a CompressedPayload (typed or as
// generic decoded JSON) is inflated back into its value; anything else
// passes through unchanged.
func Decompress(v any) (any, error) {
	var payload CompressedPayload
	switch t := v.(type) {
	case CompressedPayload:
		payload = t
	case map[string]any:
		flag, _ := t["__compressed"].(bool)
		if !flag {
			return v, nil
		}
		payload.Encoding, _ = t["encoding"].(string)
		payload.Data, _ = t["data"].(string)
	default:
		return v, nil
	}

	if payload.Encoding != "gzip" {
		return nil, fmt.Errorf("wire: unsupported payload encoding %q", payload.Encoding)
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("wire: decode payload: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("wire: open payload: %w", err)
	}
	defer gz.Close()
	inflated, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("wire: inflate payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(inflated, &out); err != nil {
		return nil, fmt.Errorf("wire: unmarshal payload: %w", err)
	}
	return out, nil
}
