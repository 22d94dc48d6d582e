package enrichment

import (
	"encoding/json"
	"strings"
)

// SystemPrompt sets the analyst persona for every request.
const SystemPrompt = "You are a wireless intrusion detection analyst. " +
	"Given a structured WIDS feature document about a Wi-Fi access point or wireless device, " +
	"produce concise, actionable security context for an analyst dashboard."

const responseSchema = `Return JSON ONLY with this schema:
{
  "context_summary": "2-4 sentences",
  "threat_type": "rogue_ap|deauth_attack|scanner|benign|unknown",
  "confidence": 0-100,
  "indicators": ["3-6 short bullets"],
  "mitigations": ["3-6 short bullets"]
}`

// PromptFields is the projection of a telemetry document sent to the model.
// Everything else in the source is withheld.
var PromptFields = []string{
	"@timestamp",
	"sensor.id",
	"sensor.site",
	"bssid",
	"ssid",
	"manuf",
	"channel",
	"phyname",
	"first_seen",
	"last_seen",
	"client_count",
	"ssid_entropy",
	"rssi_last",
	"rssi_min",
	"rssi_max",
	"rssi_mean",
	"deauth_count_approx",
	"probe_req_count_approx",
	"anomaly_score",
	"anomaly_label",
}

// BuildPrompt renders the user message for one document.
func BuildPrompt(source map[string]any) string {
	projected := make(map[string]any, len(PromptFields))
	for _, field := range PromptFields {
		projected[field] = lookupField(source, field)
	}

	doc, err := json.MarshalIndent(projected, "", "  ")
	if err != nil {
		// Source values come from a JSON decode, so this only trips on
		// hand-built maps holding unsupported types.
		doc = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("Analyze this wireless feature document and generate an analyst-facing security explanation.\n\n")
	b.WriteString(responseSchema)
	b.WriteString("\n\nDocument:\n")
	b.Write(doc)
	return b.String()
}

// lookupField resolves a dotted name as a flat key first ("sensor.id": ...)
// and then as a path through nested objects ("sensor": {"id": ...}).
func lookupField(source map[string]any, name string) any {
	if v, ok := source[name]; ok {
		return v
	}

	var cur any = source
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[part]; !ok {
			return nil
		}
	}
	return cur
}
