package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// DecryptPacked is the default transform for payloads that are not plain
// base64 JSON: base64 over a MessagePack document with numeric map keys.
// The document is decoded into a generic value tree, keys are stringified,
// and the result is re-rendered as JSON so downstream classification only
// ever sees one shape.
func DecryptPacked(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("packed payload base64: %w", err)
	}
	var tree any
	if err := msgpack.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("packed payload unpack: %w", err)
	}
	return json.Marshal(normalizeTree(tree))
}

// normalizeTree rewrites msgpack map keys (which may be integers or
// interface-keyed) into strings and binary leaves into strings so the tree
// is JSON-encodable.
func normalizeTree(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = normalizeTree(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[fmt.Sprint(k)] = normalizeTree(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeTree(item)
		}
		return out
	case []byte:
		return string(value)
	default:
		return value
	}
}
