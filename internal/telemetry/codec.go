package telemetry

import "encoding/json"

// Codec encodes wire records for the ingest connection.
type Codec interface {
	Encode(WireRecord) ([]byte, error)
	ContentType() string
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Encode(r WireRecord) ([]byte, error) { return json.Marshal(r) }
func (JSONCodec) ContentType() string                 { return "application/json" }
