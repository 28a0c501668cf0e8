package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const RootPath = "/"
const AddPath = "/add"
const HealthzPath = "/healthz"
const ReadyzPath = "/readyz"

// RequestSizeHeader carries the caller's declared size of a put record request. The engine uses it
// for capacity accounting instead of measuring the decoded payload.
const RequestSizeHeader = "X-Request-Size"

type PutRecordRequest struct {
	StreamName      string  `json:"stream_name"`
	PartitionKey    string  `json:"partition_key"`
	ExplicitHashKey *string `json:"explicit_hash_key"`
	Data            Bytes   `json:"data"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Bytes is a byte payload that decodes from either a JSON array of byte values or a base64 string.
// It encodes as an array of byte values.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	vals := make([]int, len(b))
	for i, v := range b {
		vals[i] = int(v)
	}
	return json.Marshal(vals)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 data: %w", err)
		}
		*b = decoded
		return nil
	}

	var vals []int
	if err := json.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("data must be a byte array or base64 string: %w", err)
	}
	out := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("data[%d]=%d is not a byte value", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
