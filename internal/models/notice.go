package models

import "time"

// NoticeStatus tracks how far through the pipeline a notice has travelled.
type NoticeStatus string

const (
	StatusNew         NoticeStatus = "new"
	StatusExtracted   NoticeStatus = "extracted"
	StatusScored      NoticeStatus = "scored"
	StatusAdjudicated NoticeStatus = "adjudicated"
	StatusNotified    NoticeStatus = "notified"
)

// Notice is one procurement record. The ID is assigned by the source portal
// and is unique across the store; a notice is inserted exactly once by the
// ingestion stage and only ever updated afterwards.
type Notice struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Authority      string       `json:"authority"`
	PublishedAt    *time.Time   `json:"published_at,omitempty"`
	DeadlineAt     *time.Time   `json:"deadline_at,omitempty"`
	EstimatedValue *float64     `json:"estimated_value,omitempty"`
	DocumentURL    string       `json:"document_url,omitempty"`
	Status         NoticeStatus `json:"status"`
}

// ExtractionOutcome records whether document text extraction succeeded.
type ExtractionOutcome string

const (
	ExtractionSuccess ExtractionOutcome = "success"
	ExtractionFailure ExtractionOutcome = "failure"
)

// DocumentContent holds the extracted document text for a notice, at most one
// row per notice. A failure outcome with empty text is a legitimate state, not
// an error; downstream stages must handle it.
type DocumentContent struct {
	NoticeID      string            `json:"notice_id"`
	RawText       string            `json:"raw_text"`
	DetectedCodes []string          `json:"detected_codes"`
	ExtractedAt   time.Time         `json:"extracted_at"`
	Outcome       ExtractionOutcome `json:"outcome"`
}

// Verdict is a bid/no-bid decision. The scorer's verdict is advisory only;
// the adjudicator's recommendation is authoritative.
type Verdict string

const (
	VerdictBid   Verdict = "bid"
	VerdictNoBid Verdict = "no-bid"
)

// FeatureScores breaks the scorer's weighted sum down by feature group for
// transparency in logs and notifications.
type FeatureScores struct {
	Codes     float64 `json:"codes"`
	Title     float64 `json:"title"`
	Authority float64 `json:"authority"`
	TextTerms float64 `json:"text_terms"`
	Total     float64 `json:"total"`
}

// ScoreResult is the cheap numeric bid-likelihood estimate. A probability is
// always produced, including for no-bid verdicts; the scorer never drops a
// notice on its own.
type ScoreResult struct {
	NoticeID    string        `json:"notice_id"`
	Probability float64       `json:"probability"`
	Verdict     Verdict       `json:"verdict"`
	Reasoning   string        `json:"reasoning"`
	Features    FeatureScores `json:"features"`
	ScoredAt    time.Time     `json:"scored_at"`
}

// Strategy names how the adjudicator builds its prompt.
type Strategy string

const (
	StrategyTitleOnly    Strategy = "title-only"
	StrategyFullDocument Strategy = "full-document"
)

// AdjudicationResult is the authoritative decision for a notice. The
// Recommendation field alone gates notification, regardless of the scorer's
// verdict.
type AdjudicationResult struct {
	NoticeID       string    `json:"notice_id"`
	Strategy       Strategy  `json:"strategy"`
	Summary        string    `json:"summary"`
	KeyPoints      []string  `json:"key_points"`
	Recommendation Verdict   `json:"recommendation"`
	ConfidenceNote string    `json:"confidence_note"`
	Notes          []string  `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Priority ranks a notification for the humans reading it. Urgent means the
// scorer and adjudicator agree on bid; high covers overrides and near
// deadlines; normal is everything else.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// NotificationState exists once a notification has been sent for a notice.
// Its presence is the at-most-once contract: if the row exists, the notifier
// must never send again for that notice.
type NotificationState struct {
	NoticeID string    `json:"notice_id"`
	SentAt   time.Time `json:"sent_at"`
}

// RawNotice is an inbound candidate record. Every field is a string at this
// boundary; dates and currency are parsed during ingestion and unparsable
// values are stored as null rather than rejecting the record.
type RawNotice struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Authority      string `json:"authority"`
	PublishedAt    string `json:"published_at"`
	DeadlineAt     string `json:"deadline_at"`
	EstimatedValue string `json:"estimated_value"`
	DocumentURL    string `json:"document_url"`
}

// RawBatch is what the scraper publishes to the ingestion topic.
type RawBatch struct {
	FetchedAt time.Time   `json:"fetched_at"`
	Records   []RawNotice `json:"records"`
}
