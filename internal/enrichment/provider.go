// Package enrichment turns wireless telemetry documents into analyst-facing
// context using a generative model, and writes that context back to the
// document store.
package enrichment

import (
	"context"

	"github.com/lvonguyen/widsctx/internal/store"
)

// ThreatType categorizes the threat reported by the model.
type ThreatType string

const (
	ThreatTypeRogueAP      ThreatType = "rogue_ap"
	ThreatTypeDeauthAttack ThreatType = "deauth_attack"
	ThreatTypeScanner      ThreatType = "scanner"
	ThreatTypeBenign       ThreatType = "benign"
	ThreatTypeUnknown      ThreatType = "unknown"
)

// Valid reports whether t is a member of the closed threat enumeration.
func (t ThreatType) Valid() bool {
	switch t {
	case ThreatTypeRogueAP, ThreatTypeDeauthAttack, ThreatTypeScanner, ThreatTypeBenign, ThreatTypeUnknown:
		return true
	}
	return false
}

// Store is the document store surface the enricher needs.
type Store interface {
	FindMissingContext(ctx context.Context, window string, limit int) ([]store.Document, error)
	WriteContext(ctx context.Context, docID string, record any) error
}

// Model turns a prompt into raw response text. An empty string means the
// gateway produced nothing usable; implementations log their own failures.
type Model interface {
	Infer(ctx context.Context, prompt string) string
	Model() string
}

// ResponseCache holds raw model responses whose write-back failed, keyed by
// document id, so a retry does not pay for inference twice.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
