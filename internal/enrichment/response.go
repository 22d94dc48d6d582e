package enrichment

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
)

// ModelResponse is the normalized form of a model answer. Every field has
// already been coerced to its declared type; absent or unusable values are
// zero (or nil for Confidence).
type ModelResponse struct {
	Summary     string
	ThreatType  ThreatType
	Confidence  *float64
	Indicators  []string
	Mitigations []string
}

// ParseResponse accepts raw model output only when it is exactly one JSON
// object. Field shapes inside a well-formed object are coerced, never
// rejected: a string confidence is parsed, a scalar indicator becomes a
// one-item list, an unknown threat type becomes "unknown".
func ParseResponse(raw string) (ModelResponse, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '{' {
		return ModelResponse{}, false
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return ModelResponse{}, false
	}
	// Trailing content after the object ("{...} Hope this helps!") is rejected.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ModelResponse{}, false
	}

	return ModelResponse{
		Summary:     coerceText(obj["context_summary"]),
		ThreatType:  coerceThreatType(obj["threat_type"]),
		Confidence:  coerceConfidence(obj["confidence"]),
		Indicators:  coerceList(obj["indicators"]),
		Mitigations: coerceList(obj["mitigations"]),
	}, true
}

func coerceText(v any) string {
	s, ok := scalarString(v)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func coerceThreatType(v any) ThreatType {
	s, ok := v.(string)
	if !ok {
		return ThreatTypeUnknown
	}
	t := ThreatType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return ThreatTypeUnknown
	}
	return t
}

func coerceConfidence(v any) *float64 {
	var f float64
	switch c := v.(type) {
	case json.Number:
		parsed, err := c.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(c), "%"), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	f = math.Max(0, math.Min(100, f))
	return &f
}

// coerceList flattens a list of scalars, or a single scalar, into non-empty
// trimmed strings. Nested objects and arrays are kept as compact JSON.
func coerceList(v any) []string {
	var items []any
	switch l := v.(type) {
	case nil:
		return nil
	case []any:
		items = l
	default:
		items = []any{l}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := scalarString(item)
		if !ok {
			s = compactJSON(item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}

func compactJSON(v any) string {
	if v == nil {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
