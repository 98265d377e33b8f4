package snapshot

import (
	"errors"
	"fmt"

	"github.com/lowhung/buswatch/internal/codec"
)

// Format selects a wire encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps "json" and "cbor" to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "cbor", "binary":
		return FormatCBOR, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown format %q", s)
	}
}

var (
	// ErrIncompatibleVersion is matched by decode errors caused by a major version mismatch.
	ErrIncompatibleVersion = errors.New("snapshot: incompatible schema version")
	// ErrEmptyPayload is returned when decoding zero bytes.
	ErrEmptyPayload = errors.New("snapshot: empty payload")
)

// DecodeError reports a payload that could not be turned into a Snapshot.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return "snapshot: decode " + e.Format.String() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	jsonCodec   = codec.JSONCodec{}
	prettyCodec = codec.JSONCodec{Indent: true}
	cborCodec   = codec.CBORCodec{}
)

// EncodeJSON returns the compact JSON form of s.
func EncodeJSON(s Snapshot) ([]byte, error) { return jsonCodec.Marshal(wireForm(s)) }

// EncodeJSONIndent returns indented JSON, the form written to files.
func EncodeJSONIndent(s Snapshot) ([]byte, error) { return prettyCodec.Marshal(wireForm(s)) }

// EncodeCBOR returns the binary form of s.
func EncodeCBOR(s Snapshot) ([]byte, error) { return cborCodec.Marshal(wireForm(s)) }

// Encode encodes s with the given format.
func Encode(s Snapshot, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return EncodeJSON(s)
	case FormatCBOR:
		return EncodeCBOR(s)
	default:
		return nil, fmt.Errorf("snapshot: unknown format %s", f)
	}
}

// DecodeJSON decodes the textual form.
func DecodeJSON(b []byte) (Snapshot, error) { return decodeWith(b, FormatJSON, jsonCodec) }

// DecodeCBOR decodes the binary form.
func DecodeCBOR(b []byte) (Snapshot, error) { return decodeWith(b, FormatCBOR, cborCodec) }

// Decode detects the encoding of b: CBOR is attempted first, JSON second.
// Version errors from a structurally valid CBOR payload are returned as is.
func Decode(b []byte) (Snapshot, error) {
	s, err := DecodeCBOR(b)
	if err == nil || errors.Is(err, ErrIncompatibleVersion) || errors.Is(err, ErrEmptyPayload) {
		return s, err
	}
	return DecodeJSON(b)
}

func decodeWith(b []byte, f Format, c codec.Codec) (Snapshot, error) {
	if len(b) == 0 {
		return Snapshot{}, &DecodeError{Format: f, Err: ErrEmptyPayload}
	}
	var s Snapshot
	if err := c.Unmarshal(b, &s); err != nil {
		return Snapshot{}, &DecodeError{Format: f, Err: err}
	}
	if !s.Version.IsCompatible() {
		return Snapshot{}, &DecodeError{
			Format: f,
			Err:    fmt.Errorf("%w: got %s, want %d.x", ErrIncompatibleVersion, s.Version, SchemaMajor),
		}
	}
	fillMaps(&s)
	return s, nil
}

// wireForm replaces nil maps so they encode as empty objects rather than null.
func wireForm(s Snapshot) Snapshot {
	if s.Modules == nil {
		s.Modules = map[string]ModuleMetrics{}
		return s
	}
	for _, m := range s.Modules {
		if m.Reads == nil || m.Writes == nil {
			s = s.Clone()
			break
		}
	}
	return s
}

func fillMaps(s *Snapshot) {
	if s.Modules == nil {
		s.Modules = make(map[string]ModuleMetrics)
	}
	for name, m := range s.Modules {
		if m.Reads == nil || m.Writes == nil {
			if m.Reads == nil {
				m.Reads = make(map[string]ReadMetrics)
			}
			if m.Writes == nil {
				m.Writes = make(map[string]WriteMetrics)
			}
			s.Modules[name] = m
		}
	}
}
