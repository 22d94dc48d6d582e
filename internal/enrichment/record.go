package enrichment

import "time"

// ContextRecord is merged under the document's "context" key.
type ContextRecord struct {
	Summary            string     `json:"summary"`
	SummaryGeneratedAt time.Time  `json:"summary_generated_at"`
	SummaryModel       string     `json:"summary_model"`
	ThreatType         ThreatType `json:"threat_type,omitempty"`
	Confidence         *float64   `json:"confidence,omitempty"`
	Indicators         []string   `json:"indicators,omitempty"`
	Mitigations        []string   `json:"mitigations,omitempty"`
}

// NewContextRecord builds the record for a validated response. Structured
// fields are only copied when structured is true.
func NewContextRecord(r ModelResponse, summary, model string, generatedAt time.Time, structured bool) ContextRecord {
	rec := ContextRecord{
		Summary:            summary,
		SummaryGeneratedAt: generatedAt.UTC(),
		SummaryModel:       model,
	}
	if !structured {
		return rec
	}

	rec.ThreatType = r.ThreatType
	rec.Confidence = r.Confidence
	rec.Indicators = r.Indicators
	rec.Mitigations = r.Mitigations
	return rec
}
