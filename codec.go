package datp

import "encoding/json"

// Codec controls serialization of progress reports, outputs, delta
// payloads and webhook bodies.
//
// Default is JSONCodec (stored as jsonb).
//
// Implementations must be deterministic: same value => same bytes. The
// webhook signature is computed over these bytes, so a non-deterministic
// codec would break signature verification.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	// encoding/json sorts map keys, so the output is canonical.
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
