package snapshot

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	return NewBuilder().
		Timestamp(1703160000000).
		Module("orders", func(m *ModuleBuilder) {
			m.Read("orders.new", ReadMetrics{Count: 100}.WithBacklog(5).WithPending(1500*time.Millisecond))
			m.Read("orders.retry", ReadMetrics{Count: 0})
			m.Write("orders.done", WriteMetrics{Count: 95}.WithRate(12.5))
		}).
		Module("billing", func(m *ModuleBuilder) {
			m.Read("orders.done", ReadMetrics{Count: 90}.WithRate(0.25))
			m.Write("invoices", WriteMetrics{Count: 3}.WithPending(20*time.Microsecond))
		}).
		Module("idle", nil).
		Build()
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := sampleSnapshot()

	for _, f := range []Format{FormatJSON, FormatCBOR} {
		t.Run(f.String(), func(t *testing.T) {
			b, err := Encode(s, f)
			require.NoError(t, err)

			back, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, s, back)
		})
	}
}

func TestSnapshot_IndentedJSONRoundTrip(t *testing.T) {
	s := sampleSnapshot()
	b, err := EncodeJSONIndent(s)
	require.NoError(t, err)
	back, err := DecodeJSON(b)
	require.NoError(t, err)
	require.Equal(t, s, back)
}

func TestSnapshot_JSONShape(t *testing.T) {
	s := NewBuilder().
		Timestamp(42).
		Module("m", func(m *ModuleBuilder) {
			m.Read("t", ReadMetrics{Count: 7}.WithBacklog(0))
			m.Write("u", WriteMetrics{Count: 1})
		}).
		Build()

	b, err := EncodeJSON(s)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"version": {"major": 1, "minor": 0},
		"timestamp_ms": 42,
		"modules": {
			"m": {
				"reads": {"t": {"count": 7, "backlog": 0}},
				"writes": {"u": {"count": 1}}
			}
		}
	}`, string(b))
}

func TestSnapshot_PendingIsMicroseconds(t *testing.T) {
	s := NewBuilder().Timestamp(1).Module("m", func(m *ModuleBuilder) {
		m.Write("t", WriteMetrics{Count: 1}.WithPending(2*time.Second))
	}).Build()

	b, err := EncodeJSON(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	pending := raw["modules"].(map[string]any)["m"].(map[string]any)["writes"].(map[string]any)["t"].(map[string]any)["pending"]
	require.EqualValues(t, 2_000_000, pending)
}

func TestDecode_MinorVersionWithUnknownFields(t *testing.T) {
	payload := `{
		"version": {"major": 1, "minor": 3},
		"timestamp_ms": 9,
		"host": "box-1",
		"modules": {
			"m": {
				"reads": {"t": {"count": 2, "lag_ms": 17}},
				"writes": {},
				"labels": {"team": "x"}
			}
		}
	}`
	s, err := Decode([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, uint32(3), s.Version.Minor)
	require.Equal(t, uint64(2), s.Modules["m"].Reads["t"].Count)
	require.NotNil(t, s.Modules["m"].Writes)
}

func TestDecode_MajorVersionMismatch(t *testing.T) {
	future := sampleSnapshot()
	future.Version = SchemaVersion{Major: 2}

	for _, f := range []Format{FormatJSON, FormatCBOR} {
		t.Run(f.String(), func(t *testing.T) {
			b, err := Encode(future, f)
			require.NoError(t, err)

			_, err = Decode(b)
			require.ErrorIs(t, err, ErrIncompatibleVersion)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			require.Equal(t, f, de.Format)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("not a snapshot"))
	var de *DecodeError
	require.ErrorAs(t, err, &de)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestDecode_MissingModulesIsEmpty(t *testing.T) {
	s, err := DecodeJSON([]byte(`{"version":{"major":1,"minor":0},"timestamp_ms":5}`))
	require.NoError(t, err)
	require.True(t, s.IsEmpty())
	require.NotNil(t, s.Modules)
}

func TestEncode_NilMapsBecomeObjects(t *testing.T) {
	s := Snapshot{Version: CurrentVersion(), TimestampMs: 1, Modules: map[string]ModuleMetrics{"m": {}}}
	b, err := EncodeJSON(s)
	require.NoError(t, err)
	require.JSONEq(t, `{"version":{"major":1,"minor":0},"timestamp_ms":1,"modules":{"m":{"reads":{},"writes":{}}}}`, string(b))

	// the caller's value is left untouched
	require.Nil(t, s.Modules["m"].Reads)
}

func TestSnapshot_Clone(t *testing.T) {
	s := sampleSnapshot()
	c := s.Clone()
	require.Equal(t, s, c)

	r := c.Modules["orders"].Reads["orders.new"]
	*r.Backlog = 999
	c.Modules["orders"].Reads["orders.new"] = r.WithRate(1)

	require.Equal(t, uint64(5), *s.Modules["orders"].Reads["orders.new"].Backlog)
	require.Nil(t, s.Modules["orders"].Reads["orders.new"].Rate)
}

func TestSnapshot_Helpers(t *testing.T) {
	s := sampleSnapshot()
	require.Equal(t, 3, s.Len())
	require.False(t, s.IsEmpty())
	require.Equal(t, []string{"billing", "idle", "orders"}, s.ModuleNames())
	require.Equal(t, uint64(190), s.TotalReads())
	require.Equal(t, uint64(98), s.TotalWrites())

	m, ok := s.Get("idle")
	require.True(t, ok)
	require.True(t, m.IsEmpty())

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestMetrics_IsHealthy(t *testing.T) {
	r := ReadMetrics{Count: 1}
	require.True(t, r.IsHealthy(10, 100))
	require.False(t, r.WithBacklog(11).IsHealthy(10, 100))
	require.False(t, r.WithPending(101*time.Microsecond).IsHealthy(10, 100))
	require.True(t, r.WithBacklog(10).WithPending(100*time.Microsecond).IsHealthy(10, 100))

	w := WriteMetrics{Count: 1}
	require.True(t, w.IsHealthy(5))
	require.False(t, w.WithPending(6*time.Microsecond).IsHealthy(5))
}

func TestMicrosecondsOf(t *testing.T) {
	require.Equal(t, Microseconds(0), MicrosecondsOf(-time.Second))
	require.Equal(t, Microseconds(1500), MicrosecondsOf(1500*time.Microsecond+999))
	require.Equal(t, 3*time.Millisecond, Microseconds(3000).Duration())
}

func TestMicroseconds_DurationSaturates(t *testing.T) {
	edge := Microseconds(math.MaxInt64 / int64(time.Microsecond))
	require.Equal(t, time.Duration(edge)*time.Microsecond, edge.Duration())
	require.Equal(t, time.Duration(math.MaxInt64), (edge + 1).Duration())
	require.Equal(t, time.Duration(math.MaxInt64), Microseconds(math.MaxUint64/2).Duration())
	require.Equal(t, time.Duration(math.MaxInt64), Microseconds(math.MaxUint64).Duration())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("cbor")
	require.NoError(t, err)
	require.Equal(t, FormatCBOR, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	require.Error(t, err)
}
