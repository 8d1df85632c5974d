package score

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/tenderradar/backend/internal/models"
	"github.com/tenderradar/backend/internal/stream"
)

// Coefficients of the fitted linear model for the non-term features.
const (
	weightCodesCount  = 0.35
	weightHasCodes    = 0.15
	weightTitleLength = 0.05
	weightAuthority   = 0.08
)

// sigmoidScale steepens the logistic curve so the small weighted sums the
// model produces still spread over a usable probability range.
const sigmoidScale = 6

// Store is the slice of the repository the scoring stage needs.
type Store interface {
	UpsertScoreResult(ctx context.Context, sr models.ScoreResult) error
	UpdateStatus(ctx context.Context, noticeID string, status models.NoticeStatus) error
}

// Handler computes a bid-likelihood probability for every notice. The verdict
// is advisory: every envelope is forwarded to the adjudicator regardless of
// the threshold, so the numeric model never creates a blind spot.
type Handler struct {
	store           Store
	threshold       float64
	topicAdjudicate string
	log             *slog.Logger
}

// New wires the scoring handler.
func New(store Store, threshold float64, topicAdjudicate string, log *slog.Logger) *Handler {
	return &Handler{
		store:           store,
		threshold:       threshold,
		topicAdjudicate: topicAdjudicate,
		log:             log,
	}
}

func (h *Handler) Name() string { return "score" }

// Handle scores one envelope, persists the result and forwards it.
func (h *Handler) Handle(ctx context.Context, value []byte) ([]stream.Message, error) {
	var env models.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	result := h.Score(env.NoticeID, env.Title, env.RawText, env.DetectedCodes, env.Authority)

	if err := h.store.UpsertScoreResult(ctx, result); err != nil {
		return nil, fmt.Errorf("persist score result: %w", err)
	}
	if err := h.store.UpdateStatus(ctx, env.NoticeID, models.StatusScored); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	env.Score = &result
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	h.log.Info("notice scored",
		slog.String("notice_id", env.NoticeID),
		slog.Float64("probability", result.Probability),
		slog.String("verdict", string(result.Verdict)),
		slog.String("reasoning", result.Reasoning),
	)
	return []stream.Message{{Topic: h.topicAdjudicate, Key: env.NoticeID, Value: payload}}, nil
}

// Score runs the model over one notice. It is deterministic and side-effect
// free so tests can exercise it directly.
func (h *Handler) Score(noticeID, title, text string, codes []string, authority string) models.ScoreResult {
	fv := extractFeatures(title, text, codes, authority)

	features := models.FeatureScores{
		Codes:     weightCodesCount*fv.codesCount + weightHasCodes*fv.hasCodes,
		Title:     weightTitleLength * fv.titleLength,
		Authority: weightAuthority * fv.caEncoded,
	}
	for _, term := range termOrder {
		features.TextTerms += termWeights[term] * fv.termFreq[term]
	}
	features.Total = features.Codes + features.Title + features.Authority + features.TextTerms

	probability := sigmoid(features.Total * sigmoidScale)

	verdict := models.VerdictNoBid
	if probability >= h.threshold {
		verdict = models.VerdictBid
	}

	return models.ScoreResult{
		NoticeID:    noticeID,
		Probability: probability,
		Verdict:     verdict,
		Reasoning:   h.reasoning(fv, title, probability, verdict),
		Features:    features,
		ScoredAt:    time.Now().UTC(),
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// reasoning names the probability bucket plus the feature signals that drove
// the score, so a reader of a log line or notification can tell why without
// re-running the model.
func (h *Handler) reasoning(fv featureVector, title string, probability float64, verdict models.Verdict) string {
	var reasons []string
	if codes := int(fv.codesCount * 20); codes > 0 {
		reasons = append(reasons, fmt.Sprintf("has %d relevant codes", codes))
	}
	if fv.termFreq["software"] > 0.1 {
		reasons = append(reasons, "contains software-related terms")
	}
	if fv.termFreq["support"] > 0.1 {
		reasons = append(reasons, "contains support service terms")
	}
	if len(title) > 100 {
		reasons = append(reasons, "detailed title suggests complex requirements")
	}

	category := "NO_BID_RECOMMENDED"
	if verdict == models.VerdictBid {
		switch {
		case probability > 0.2:
			category = "HIGH_CONFIDENCE_BID"
		case probability > 0.1:
			category = "MEDIUM_CONFIDENCE_BID"
		default:
			category = "LOW_CONFIDENCE_BID"
		}
	}

	if len(reasons) == 0 {
		return fmt.Sprintf("%s: score %.3f vs threshold %.3f", category, probability, h.threshold)
	}
	return fmt.Sprintf("%s: %s (score %.3f)", category, strings.Join(reasons, ", "), probability)
}
