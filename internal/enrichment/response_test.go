package enrichment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Rejection Tests
// =============================================================================

func TestParseResponse_RejectsNonObjects(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"I cannot comply.",
		"null",
		"[]",
		`["benign"]`,
		`"benign"`,
		"42",
		`{"context_summary": "unterminated`,
		"```json\n{\"threat_type\":\"benign\"}\n```",
		`Sure! {"threat_type":"benign"}`,
		`{"threat_type":"benign"} Hope this helps!`,
		`{"a":1}{"b":2}`,
	}

	for _, in := range inputs {
		_, ok := ParseResponse(in)
		assert.False(t, ok, "input %q should be rejected", in)
	}
}

// =============================================================================
// Coercion Tests
// =============================================================================

func TestParseResponse_WellFormed(t *testing.T) {
	resp, ok := ParseResponse(`{
		"context_summary": " Likely benign AP. ",
		"threat_type": "benign",
		"confidence": 80,
		"indicators": ["stable RSSI"],
		"mitigations": []
	}`)
	require.True(t, ok)

	assert.Equal(t, "Likely benign AP.", resp.Summary)
	assert.Equal(t, ThreatTypeBenign, resp.ThreatType)
	require.NotNil(t, resp.Confidence)
	assert.Equal(t, 80.0, *resp.Confidence)
	assert.Equal(t, []string{"stable RSSI"}, resp.Indicators)
	assert.Nil(t, resp.Mitigations)
}

func TestParseResponse_EmptyObject(t *testing.T) {
	resp, ok := ParseResponse(`{}`)
	require.True(t, ok)

	assert.Empty(t, resp.Summary)
	assert.Equal(t, ThreatTypeUnknown, resp.ThreatType)
	assert.Nil(t, resp.Confidence)
	assert.Nil(t, resp.Indicators)
	assert.Nil(t, resp.Mitigations)
}

func TestParseResponse_ThreatTypeNormalization(t *testing.T) {
	tests := []struct {
		raw  string
		want ThreatType
	}{
		{`{"threat_type":"rogue_ap"}`, ThreatTypeRogueAP},
		{`{"threat_type":" Deauth_Attack "}`, ThreatTypeDeauthAttack},
		{`{"threat_type":"SCANNER"}`, ThreatTypeScanner},
		{`{"threat_type":"evil twin"}`, ThreatTypeUnknown},
		{`{"threat_type":"rogue_ap|deauth_attack"}`, ThreatTypeUnknown},
		{`{"threat_type":7}`, ThreatTypeUnknown},
		{`{"threat_type":null}`, ThreatTypeUnknown},
	}

	for _, tt := range tests {
		resp, ok := ParseResponse(tt.raw)
		require.True(t, ok, tt.raw)
		assert.Equal(t, tt.want, resp.ThreatType, tt.raw)
	}
}

func TestParseResponse_ConfidenceCoercion(t *testing.T) {
	tests := []struct {
		raw  string
		want *float64
	}{
		{`{"confidence":80}`, ptr(80)},
		{`{"confidence":72.5}`, ptr(72.5)},
		{`{"confidence":"65"}`, ptr(65)},
		{`{"confidence":"90%"}`, ptr(90)},
		{`{"confidence":150}`, ptr(100)},
		{`{"confidence":-3}`, ptr(0)},
		{`{"confidence":"high"}`, nil},
		{`{"confidence":[80]}`, nil},
		{`{"confidence":true}`, nil},
		{`{"confidence":null}`, nil},
	}

	for _, tt := range tests {
		resp, ok := ParseResponse(tt.raw)
		require.True(t, ok, tt.raw)
		if tt.want == nil {
			assert.Nil(t, resp.Confidence, tt.raw)
			continue
		}
		require.NotNil(t, resp.Confidence, tt.raw)
		assert.Equal(t, *tt.want, *resp.Confidence, tt.raw)
	}
}

// TestParseResponse_ListShapes verifies indicators and mitigations tolerate
// heterogeneous lists, bare scalars, and absence.
func TestParseResponse_ListShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"strings", `{"indicators":["a"," b ",""]}`, []string{"a", "b"}},
		{"mixed scalars", `{"indicators":["a", 3, 2.5, true, null]}`, []string{"a", "3", "2.5", "true"}},
		{"single string", `{"indicators":"high deauth rate"}`, []string{"high deauth rate"}},
		{"single number", `{"indicators":12}`, []string{"12"}},
		{"blank string", `{"indicators":"  "}`, nil},
		{"nested", `{"indicators":[{"k":"v"},[1,2]]}`, []string{`{"k":"v"}`, `[1,2]`}},
		{"object", `{"indicators":{"k":"v"}}`, []string{`{"k":"v"}`}},
		{"absent", `{}`, nil},
		{"null", `{"indicators":null}`, nil},
		{"empty list", `{"indicators":[]}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := ParseResponse(tt.raw)
			require.True(t, ok)
			assert.Equal(t, tt.want, resp.Indicators)
		})
	}
}

func TestParseResponse_SummaryShapes(t *testing.T) {
	resp, ok := ParseResponse(`{"context_summary": 42}`)
	require.True(t, ok)
	assert.Equal(t, "42", resp.Summary)

	resp, ok = ParseResponse(`{"context_summary": ["a","b"]}`)
	require.True(t, ok)
	assert.Empty(t, resp.Summary)
}

func TestParseResponse_LargeIntegerPreserved(t *testing.T) {
	resp, ok := ParseResponse(`{"indicators":[12345678901234567890]}`)
	require.True(t, ok)
	assert.Equal(t, []string{"12345678901234567890"}, resp.Indicators)
}

func ptr(f float64) *float64 { return &f }
