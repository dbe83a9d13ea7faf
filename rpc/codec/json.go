package codec

import (
	"github.com/go-json-experiment/json"
	jsoniter "github.com/json-iterator/go"
)

// JSON encodes messages with the json v2 encoder.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v, json.Deterministic(true))
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var iterAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONIter encodes messages with json-iterator, following encoding/json semantics
// (case-insensitive field matching, map keys sorted).
type JSONIter struct{}

// Name implements Codec.
func (JSONIter) Name() string { return "jsoniter" }

// Marshal implements Codec.
func (JSONIter) Marshal(v any) ([]byte, error) {
	return iterAPI.Marshal(v)
}

// Unmarshal implements Codec.
func (JSONIter) Unmarshal(data []byte, v any) error {
	return iterAPI.Unmarshal(data, v)
}
