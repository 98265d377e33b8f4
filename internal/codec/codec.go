// Package codec holds the serialization formats shared by the snapshot wire
// model and the transports that carry it.
package codec

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes compact JSON, or indented JSON when Indent is set.
type JSONCodec struct {
	Indent bool
}

func (JSONCodec) Name() string { return "json" }

func (c JSONCodec) Marshal(v any) ([]byte, error) {
	if c.Indent {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// CBORCodec encodes deterministic CBOR. Unknown map keys are ignored on decode.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(v any) ([]byte, error)   { return cborEnc.Marshal(v) }
func (CBORCodec) Unmarshal(b []byte, v any) error { return cborDec.Unmarshal(b, v) }

var (
	_ Codec = JSONCodec{}
	_ Codec = CBORCodec{}
)
