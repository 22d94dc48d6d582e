package enrichment

import (
	"fmt"
	"strconv"
	"strings"
)

// ComposeSummary renders the text stored as context.summary. Sections appear
// in a fixed order separated by a blank line; empty sections are left out,
// but the threat line is always present.
func ComposeSummary(r ModelResponse) string {
	sections := make([]string, 0, 4)

	if r.Summary != "" {
		sections = append(sections, r.Summary)
	}

	sections = append(sections, fmt.Sprintf("Threat type: %s (confidence: %s)",
		threatLabel(r.ThreatType), confidenceLabel(r.Confidence)))

	if s := bulletSection("Indicators:", r.Indicators); s != "" {
		sections = append(sections, s)
	}
	if s := bulletSection("Mitigations:", r.Mitigations); s != "" {
		sections = append(sections, s)
	}

	return strings.Join(sections, "\n\n")
}

func threatLabel(t ThreatType) string {
	if t == "" {
		return string(ThreatTypeUnknown)
	}
	return string(t)
}

func confidenceLabel(c *float64) string {
	if c == nil {
		return "unknown"
	}
	return strconv.FormatFloat(*c, 'f', -1, 64)
}

func bulletSection(heading string, items []string) string {
	var b strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(heading)
		}
		b.WriteString("\n- ")
		b.WriteString(item)
	}
	return b.String()
}
