package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tenderradar/backend/internal/models"
	"github.com/tenderradar/backend/internal/stream"
	"github.com/tenderradar/backend/internal/textutil"
)

// maxDocumentChars bounds how much extracted text goes into the prompt.
const maxDocumentChars = 8000

const systemPrompt = "You are an expert tender analyst with deep knowledge of public " +
	"procurement processes, technical requirements assessment, and business strategy. " +
	"When in doubt, recommend against bidding."

// Generator produces a completion for a system+user prompt pair.
type Generator interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Store is the slice of the repository the adjudication stage needs.
type Store interface {
	GetNotice(ctx context.Context, id string) (*models.Notice, error)
	UpsertAdjudication(ctx context.Context, ar models.AdjudicationResult) error
	UpdateStatus(ctx context.Context, noticeID string, status models.NoticeStatus) error
}

// Handler produces the authoritative bid/no-bid decision for every notice.
// Its recommendation alone gates notification; it may override the scorer in
// either direction.
type Handler struct {
	store       Store
	gen         Generator
	minTextFull int
	topicNotify string
	log         *slog.Logger
}

// New wires the adjudication handler. minTextFull is the extracted-text
// length at which the full-document strategy replaces title-only.
func New(store Store, gen Generator, minTextFull int, topicNotify string, log *slog.Logger) *Handler {
	return &Handler{
		store:       store,
		gen:         gen,
		minTextFull: minTextFull,
		topicNotify: topicNotify,
		log:         log,
	}
}

func (h *Handler) Name() string { return "adjudicate" }

// Handle adjudicates one envelope. Generation failures return an error so the
// delivery is retried; an unparsable model response is NOT an error, it
// resolves conservatively to no-bid.
func (h *Handler) Handle(ctx context.Context, value []byte) ([]stream.Message, error) {
	var env models.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	notice, err := h.store.GetNotice(ctx, env.NoticeID)
	if err != nil {
		return nil, fmt.Errorf("load notice %s: %w", env.NoticeID, err)
	}

	strategy := models.StrategyTitleOnly
	maxTokens := 800
	var prompt string
	if len(env.RawText) >= h.minTextFull {
		strategy = models.StrategyFullDocument
		maxTokens = 1500
		prompt = fullDocumentPrompt(*notice, env)
	} else {
		prompt = titleOnlyPrompt(env)
	}

	raw, err := h.gen.Complete(ctx, systemPrompt, prompt, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("generate adjudication: %w", err)
	}

	result := parseResponse(env.NoticeID, strategy, raw)

	if err := h.store.UpsertAdjudication(ctx, result); err != nil {
		return nil, fmt.Errorf("persist adjudication: %w", err)
	}
	if err := h.store.UpdateStatus(ctx, env.NoticeID, models.StatusAdjudicated); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	h.log.Info("notice adjudicated",
		slog.String("notice_id", env.NoticeID),
		slog.String("strategy", string(strategy)),
		slog.String("recommendation", string(result.Recommendation)),
	)

	if result.Recommendation != models.VerdictBid {
		return nil, nil
	}

	env.Adjudication = &result
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return []stream.Message{{Topic: h.topicNotify, Key: env.NoticeID, Value: payload}}, nil
}

func titleOnlyPrompt(env models.Envelope) string {
	return fmt.Sprintf(`Based on the limited information provided, provide a concise assessment:

TENDER TITLE: %q
CONTRACTING AUTHORITY: %q
%s
Please provide:
1. A brief summary of what this tender likely involves
2. Key assessment points based on the title
3. Your recommendation considering the numeric prediction
4. Confidence assessment noting the limited information

If the information is insufficient to justify bidding, recommend "no bid".

Format as JSON with fields: summary, key_points (array), recommendation, confidence_assessment`,
		env.Title, env.Authority, scoreSection(env.Score))
}

func fullDocumentPrompt(notice models.Notice, env models.Envelope) string {
	return fmt.Sprintf(`Analyze this complete tender opportunity:

TENDER DETAILS:
Title: %q
Contracting Authority: %q
Value: %s
Deadline: %s

DOCUMENT CONTENT:
%s

DETECTED PROCUREMENT CODES: %s
CODES COUNT: %d
%s
Please provide a comprehensive analysis including:
1. Executive summary of the tender opportunity
2. Key requirements and scope
3. Assessment of our suitability based on the content
4. Strategic recommendations
5. Risk factors and considerations
6. Confidence level in your assessment

If the opportunity is a poor fit, recommend "no bid".

Format as JSON with fields: summary, key_points (array), recommendation, confidence_assessment`,
		notice.Title,
		notice.Authority,
		formatValue(notice.EstimatedValue),
		formatDeadline(notice.DeadlineAt),
		textutil.Truncate(env.RawText, maxDocumentChars),
		strings.Join(env.DetectedCodes, ", "),
		len(env.DetectedCodes),
		scoreSection(env.Score),
	)
}

func scoreSection(score *models.ScoreResult) string {
	if score == nil {
		return "\nNUMERIC PREDICTION: not available\n\n"
	}
	label := "DO NOT BID"
	if score.Verdict == models.VerdictBid {
		label = "RECOMMEND BID"
	}
	return fmt.Sprintf("\nNUMERIC PREDICTION: %s (confidence: %.1f%%)\nPREDICTION REASONING: %s\n\n",
		label, score.Probability*100, score.Reasoning)
}

func formatValue(v *float64) string {
	if v == nil {
		return "Not specified"
	}
	return fmt.Sprintf("%.2f", *v)
}

func formatDeadline(t *time.Time) string {
	if t == nil {
		return "Not specified"
	}
	return t.Format(time.RFC3339)
}

// structuredResponse mirrors the JSON shape the prompt requests.
type structuredResponse struct {
	Summary              string   `json:"summary"`
	KeyPoints            []string `json:"key_points"`
	Recommendation       string   `json:"recommendation"`
	ConfidenceAssessment string   `json:"confidence_assessment"`
}

// parseResponse turns a raw model response into an adjudication result. A
// response that cannot be parsed as JSON keeps its full text as the summary
// and resolves to no-bid: an unreadable answer never triggers a notification.
func parseResponse(noticeID string, strategy models.Strategy, raw string) models.AdjudicationResult {
	result := models.AdjudicationResult{
		NoticeID:  noticeID,
		Strategy:  strategy,
		CreatedAt: time.Now().UTC(),
	}

	var parsed structuredResponse
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		result.Summary = raw
		result.KeyPoints = []string{"response was in plain text format"}
		result.Recommendation = models.VerdictNoBid
		result.ConfidenceNote = "unknown, response format issue"
		result.Notes = []string{"response could not be parsed as JSON"}
		return result
	}

	result.Summary = parsed.Summary
	if result.Summary == "" {
		result.Summary = raw
	}
	result.KeyPoints = parsed.KeyPoints
	result.Recommendation = normalizeRecommendation(parsed.Recommendation)
	result.ConfidenceNote = parsed.ConfidenceAssessment
	result.Notes = []string{"parsed structured response"}
	return result
}

// stripCodeFence unwraps a ```json fenced block when the model adds one.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// normalizeRecommendation reduces free-text recommendations to a verdict.
// Anything negated or ambiguous resolves to no-bid.
func normalizeRecommendation(text string) models.Verdict {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "no bid"),
		strings.Contains(lower, "no-bid"),
		strings.Contains(lower, "do not bid"),
		strings.Contains(lower, "don't bid"),
		strings.Contains(lower, "not bid"):
		return models.VerdictNoBid
	case strings.Contains(lower, "bid"):
		return models.VerdictBid
	default:
		return models.VerdictNoBid
	}
}
