// ABOUTME: Tests for span decoding, encoding and attribute accessors
// ABOUTME: Covers the on-disk record contract and malformed-line rejection

package span

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ValidRecord(t *testing.T) {
	line := `{"name":"swarmsh.roberts.vote","trace_id":"t1","span_id":"s1","timestamp":1000,"attributes":{"motion_id":"sprint42","votes":[1,2],"ok":true}}`

	s, err := Decode([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, "swarmsh.roberts.vote", s.Name)
	assert.Equal(t, "t1", s.TraceID)
	assert.Equal(t, "s1", s.SpanID)
	assert.Equal(t, float64(1000), s.Timestamp)
	assert.Equal(t, "sprint42", s.String("motion_id", ""))
	assert.True(t, s.Bool("ok"))
}

func TestDecode_MissingAttributesIsEmpty(t *testing.T) {
	s, err := Decode([]byte(`{"name":"a","trace_id":"t","span_id":"s","timestamp":1.5}`))
	require.NoError(t, err)
	assert.NotNil(t, s.Attributes)
	assert.Empty(t, s.Attributes)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"name":`,
		"empty":             `   `,
		"missing name":      `{"trace_id":"t","span_id":"s","timestamp":1}`,
		"empty trace":       `{"name":"a","trace_id":"","span_id":"s","timestamp":1}`,
		"missing span id":   `{"name":"a","trace_id":"t","timestamp":1}`,
		"missing timestamp": `{"name":"a","trace_id":"t","span_id":"s"}`,
		"string timestamp":  `{"name":"a","trace_id":"t","span_id":"s","timestamp":"now"}`,
		"array attributes":  `{"name":"a","trace_id":"t","span_id":"s","timestamp":1,"attributes":[1]}`,
		"nested attribute":  `{"name":"a","trace_id":"t","span_id":"s","timestamp":1,"attributes":{"x":{"y":1}}}`,
		"nested array item": `{"name":"a","trace_id":"t","span_id":"s","timestamp":1,"attributes":{"x":[{"y":1}]}}`,
		"name wrong type":   `{"name":7,"trace_id":"t","span_id":"s","timestamp":1}`,
	}

	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(line))
			require.Error(t, err)

			var mre *MalformedRecordError
			assert.True(t, errors.As(err, &mre), "expected MalformedRecordError, got %T", err)
		})
	}
}

func TestEncode_RoundTripPreservesFields(t *testing.T) {
	in := Span{
		Name:         "swarmsh.ping.pong",
		TraceID:      "trace-1",
		SpanID:       "span-2",
		ParentSpanID: "span-1",
		Timestamp:    1700000000.25,
		Attributes:   map[string]any{"ping_id": "p-1", "tags": []string{"a", "b"}},
	}

	line, err := Encode(in)
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n")

	out, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.ParentSpanID, out.ParentSpanID)
	assert.Equal(t, []string{"a", "b"}, out.Strings("tags"))
}

func TestEncode_NilAttributesWrittenAsObject(t *testing.T) {
	line, err := Encode(Span{Name: "a", TraceID: "t", SpanID: "s", Timestamp: 1})
	require.NoError(t, err)
	assert.Contains(t, string(line), `"attributes":{}`)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Span{Name: "a", TraceID: "t", SpanID: "s", Timestamp: 1}))
	assert.Error(t, Validate(Span{Name: "a", TraceID: "t", Timestamp: 1}))
	assert.Error(t, Validate(Span{Name: "a", TraceID: "t", SpanID: "s", Timestamp: 1,
		Attributes: map[string]any{"bad": map[string]any{"x": 1}}}))
}

func TestIDs_AreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewSpanID()
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, NewTraceID(), 32)
}

func TestTimestamp_RoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 500_000_000)
	s := Span{Timestamp: Timestamp(now)}
	assert.WithinDuration(t, now, s.Time(), time.Microsecond)
}

func TestAttributeAccessors(t *testing.T) {
	s := Span{Attributes: map[string]any{
		"sprint_number": float64(42),
		"defect_rate":   "5.2",
		"validated":     "TRUE",
		"blockers":      []any{"api down", 3.0, "db"},
		"single":        "only",
	}}

	assert.Equal(t, "42", s.String("sprint_number", ""))
	assert.Equal(t, "fallback", s.String("missing", "fallback"))

	f, ok := s.Float("defect_rate")
	require.True(t, ok)
	assert.InDelta(t, 5.2, f, 0.0001)

	_, ok = s.Float("missing")
	assert.False(t, ok)

	assert.True(t, s.Bool("validated"))
	assert.False(t, s.Bool("missing"))
	assert.Equal(t, []string{"api down", "db"}, s.Strings("blockers"))
	assert.Equal(t, []string{"only"}, s.Strings("single"))
	assert.Nil(t, s.Strings("missing"))
}
