// ABOUTME: Span record shared by every agent through the event log
// ABOUTME: Strict line decoding, encoding, ID generation and attribute accessors

package span

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Span is an immutable event record. Agents never mutate a span they have
// read; they emit new ones.
type Span struct {
	Name         string         `json:"name"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Timestamp    float64        `json:"timestamp"`
	Attributes   map[string]any `json:"attributes"`
}

// MalformedRecordError describes a log line that could not be parsed into a
// well-formed span. It is always recoverable: the line is skipped.
type MalformedRecordError struct {
	Reason string
	Line   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed span record: %s", e.Reason)
}

// maxQuotedLine bounds how much of a bad line is kept for diagnostics.
const maxQuotedLine = 256

func malformed(line []byte, format string, args ...any) *MalformedRecordError {
	quoted := string(line)
	if len(quoted) > maxQuotedLine {
		quoted = quoted[:maxQuotedLine] + "..."
	}
	return &MalformedRecordError{Reason: fmt.Sprintf(format, args...), Line: quoted}
}

// wireSpan uses pointers so that missing fields can be told apart from zero
// values during validation.
type wireSpan struct {
	Name         *string         `json:"name"`
	TraceID      *string         `json:"trace_id"`
	SpanID       *string         `json:"span_id"`
	ParentSpanID *string         `json:"parent_span_id"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Attributes   json.RawMessage `json:"attributes"`
}

// Decode parses one log line (without its trailing newline) into a Span.
// Any deviation from the record format yields a *MalformedRecordError.
func Decode(line []byte) (Span, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Span{}, malformed(line, "empty line")
	}

	var w wireSpan
	if err := json.Unmarshal(line, &w); err != nil {
		return Span{}, malformed(line, "invalid json: %v", err)
	}

	s := Span{}
	switch {
	case w.Name == nil || *w.Name == "":
		return Span{}, malformed(line, "missing name")
	case w.TraceID == nil || *w.TraceID == "":
		return Span{}, malformed(line, "missing trace_id")
	case w.SpanID == nil || *w.SpanID == "":
		return Span{}, malformed(line, "missing span_id")
	}
	s.Name, s.TraceID, s.SpanID = *w.Name, *w.TraceID, *w.SpanID
	if w.ParentSpanID != nil {
		s.ParentSpanID = *w.ParentSpanID
	}

	if len(w.Timestamp) == 0 {
		return Span{}, malformed(line, "missing timestamp")
	}
	var ts float64
	if err := json.Unmarshal(w.Timestamp, &ts); err != nil {
		return Span{}, malformed(line, "timestamp is not numeric")
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return Span{}, malformed(line, "timestamp is not finite")
	}
	s.Timestamp = ts

	s.Attributes = map[string]any{}
	if len(w.Attributes) > 0 && string(w.Attributes) != "null" {
		var attrs map[string]any
		if err := json.Unmarshal(w.Attributes, &attrs); err != nil {
			return Span{}, malformed(line, "attributes is not an object")
		}
		for k, v := range attrs {
			if !validAttr(v) {
				return Span{}, malformed(line, "attribute %q is not a scalar or array of scalars", k)
			}
		}
		s.Attributes = attrs
	}

	return s, nil
}

func validAttr(v any) bool {
	switch t := v.(type) {
	case nil, string, float64, bool:
		return true
	case []any:
		for _, item := range t {
			switch item.(type) {
			case nil, string, float64, bool:
			default:
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Encode renders the span as a single JSON line without a trailing newline.
func Encode(s Span) ([]byte, error) {
	if s.Attributes == nil {
		s.Attributes = map[string]any{}
	}
	line, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding span %s: %w", s.SpanID, err)
	}
	return line, nil
}

// Validate reports whether s can be written to the log as-is.
func Validate(s Span) error {
	line, err := Encode(s)
	if err != nil {
		return err
	}
	_, err = Decode(line)
	return err
}

// NewSpanID returns a fresh, globally unique span identifier.
func NewSpanID() string {
	return uuid.NewString()
}

// NewTraceID returns a fresh trace identifier (32 hex characters, the OTel shape).
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Timestamp converts t into the numeric on-disk timestamp (seconds).
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts the numeric timestamp back into a time.Time.
func (s Span) Time() time.Time {
	sec, frac := math.Modf(s.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// String returns the attribute as a string. Numbers and bools are formatted;
// a missing attribute yields def.
func (s Span) String(key, def string) string {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return def
	}
}

// Float returns a numeric attribute. Numeric strings are accepted since
// producers are not consistent about quoting.
func (s Span) Float(key string) (float64, bool) {
	switch t := s.Attributes[key].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Bool returns a boolean attribute; "true"/"false" strings are accepted.
func (s Span) Bool(key string) bool {
	switch t := s.Attributes[key].(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}

// Strings returns an array attribute as strings, skipping non-scalar items.
// A single string is returned as a one-element slice.
func (s Span) Strings(key string) []string {
	switch t := s.Attributes[key].(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
