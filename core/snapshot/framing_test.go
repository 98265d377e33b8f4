package snapshot

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameReader_Lines(t *testing.T) {
	a := NewBuilder().Timestamp(1).Module("a", nil).Build()
	b := NewBuilder().Timestamp(2).Module("b", func(m *ModuleBuilder) {
		m.Read("t", ReadMetrics{Count: 3})
	}).Build()

	var buf bytes.Buffer
	for _, s := range []Snapshot{a, b} {
		f, err := Frame(s, FramingLines)
		require.NoError(t, err)
		require.Equal(t, byte('\n'), f[len(f)-1])
		buf.Write(f)
	}
	buf.WriteString("\n\n{broken\n")
	f, err := Frame(a, FramingLines)
	require.NoError(t, err)
	buf.Write(f)

	fr := NewFrameReader(&buf, FramingLines)

	got, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, a, got)

	got, err = fr.Next()
	require.NoError(t, err)
	require.Equal(t, b, got)

	// a bad line is reported without poisoning the stream
	_, err = fr.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)

	got, err = fr.Next()
	require.NoError(t, err)
	require.Equal(t, a, got)

	_, err = fr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReader_LengthPrefixed(t *testing.T) {
	s := NewBuilder().Timestamp(10).Module("m", func(m *ModuleBuilder) {
		m.Read("t", ReadMetrics{Count: 1}.WithBacklog(4))
		m.Write("u", WriteMetrics{Count: 2})
	}).Build()

	var buf bytes.Buffer
	for range 2 {
		f, err := Frame(s, FramingLengthPrefixed)
		require.NoError(t, err)
		buf.Write(f)
	}

	fr := NewFrameReader(&buf, FramingLengthPrefixed)
	for range 2 {
		got, err := fr.Next()
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := fr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReader_TruncatedFrame(t *testing.T) {
	s := NewBuilder().Timestamp(10).Build()
	f, err := Frame(s, FramingLengthPrefixed)
	require.NoError(t, err)

	fr := NewFrameReader(bytes.NewReader(f[:len(f)-1]), FramingLengthPrefixed)
	_, err = fr.Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameReader_OversizedFrame(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), FramingLengthPrefixed)
	_, err := fr.Next()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
