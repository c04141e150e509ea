package encoding

import (
	"encoding/json"
	"strconv"
	"strings"
)

// PayloadToJSON renders a CBOR payload as JSON for logs and the CLI.
func PayloadToJSON(payload []byte) ([]byte, error) {
	m, err := DecodeMap(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// ParseKeyValues builds a payload map from "key=value" pairs. Values that parse
// as integers, floats or booleans keep that type; everything else is a string.
func ParseKeyValues(pairs []string) (map[string]any, error) {
	m := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &PairError{Pair: pair}
		}
		m[k] = parseScalar(strings.TrimSpace(v))
	}
	return m, nil
}

// PairError reports a key/value argument without a key or '='.
type PairError struct {
	Pair string
}

func (e *PairError) Error() string {
	return "encoding: expected key=value, got " + strconv.Quote(e.Pair)
}

func parseScalar(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
