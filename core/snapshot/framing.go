package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing selects how snapshots are delimited on a byte stream.
type Framing int

const (
	// FramingLines writes one compact JSON snapshot per line.
	FramingLines Framing = iota
	// FramingLengthPrefixed writes a 4 byte big-endian length followed by a CBOR snapshot.
	FramingLengthPrefixed
)

func (f Framing) String() string {
	switch f {
	case FramingLines:
		return "lines"
	case FramingLengthPrefixed:
		return "length-prefixed"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ParseFraming maps "lines" and "length-prefixed" to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "lines", "ndjson":
		return FramingLines, nil
	case "length-prefixed", "length", "binary":
		return FramingLengthPrefixed, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown framing %q", s)
	}
}

// MaxFrameSize bounds a single frame read from a stream.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("snapshot: frame too large")

// Frame encodes s as one complete frame.
func Frame(s Snapshot, f Framing) ([]byte, error) {
	switch f {
	case FramingLines:
		b, err := EncodeJSON(s)
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case FramingLengthPrefixed:
		b, err := EncodeCBOR(s)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4, 4+len(b))
		binary.BigEndian.PutUint32(out, uint32(len(b)))
		return append(out, b...), nil
	default:
		return nil, fmt.Errorf("snapshot: unknown framing %s", f)
	}
}

// FrameReader reads framed snapshots from a stream. A frame that fails to
// decode is reported as an error from Next; the reader stays positioned at
// the following frame.
type FrameReader struct {
	framing Framing
	br      *bufio.Reader
	sc      *bufio.Scanner
}

func NewFrameReader(r io.Reader, f Framing) *FrameReader {
	fr := &FrameReader{framing: f}
	if f == FramingLines {
		fr.sc = bufio.NewScanner(r)
		fr.sc.Buffer(make([]byte, 0, 64<<10), MaxFrameSize)
	} else {
		fr.br = bufio.NewReader(r)
	}
	return fr
}

// Next returns the next snapshot, or io.EOF once the stream ends cleanly.
func (fr *FrameReader) Next() (Snapshot, error) {
	if fr.framing == FramingLines {
		return fr.nextLine()
	}
	return fr.nextPrefixed()
}

func (fr *FrameReader) nextLine() (Snapshot, error) {
	for fr.sc.Scan() {
		line := bytes.TrimSpace(fr.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeJSON(line)
	}
	if err := fr.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Snapshot{}, ErrFrameTooLarge
		}
		return Snapshot{}, err
	}
	return Snapshot{}, io.EOF
}

func (fr *FrameReader) nextPrefixed() (Snapshot, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(fr.br, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Snapshot{}, io.ErrUnexpectedEOF
		}
		return Snapshot{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return Snapshot{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.br, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, io.ErrUnexpectedEOF
		}
		return Snapshot{}, err
	}
	return Decode(body)
}
