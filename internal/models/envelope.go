package models

import "github.com/google/uuid"

// Envelope is the inter-stage message. Each stage adds fields and never
// removes any, so the record that reaches the notifier carries the full
// decision trail.
type Envelope struct {
	MessageID     string              `json:"message_id"`
	NoticeID      string              `json:"notice_id"`
	Title         string              `json:"title"`
	Authority     string              `json:"authority"`
	DocumentURL   string              `json:"document_url,omitempty"`
	RawText       string              `json:"raw_text,omitempty"`
	DetectedCodes []string            `json:"detected_codes,omitempty"`
	Score         *ScoreResult        `json:"score,omitempty"`
	Adjudication  *AdjudicationResult `json:"adjudication,omitempty"`
}

// NewEnvelope starts an envelope for a freshly ingested notice.
func NewEnvelope(n Notice) Envelope {
	return Envelope{
		MessageID:   uuid.NewString(),
		NoticeID:    n.ID,
		Title:       n.Title,
		Authority:   n.Authority,
		DocumentURL: n.DocumentURL,
	}
}
