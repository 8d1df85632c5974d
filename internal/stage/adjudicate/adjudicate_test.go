package adjudicate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tenderradar/backend/internal/models"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	notice   models.Notice
	saved    []models.AdjudicationResult
	statuses map[string]models.NoticeStatus
}

func (s *stubStore) GetNotice(_ context.Context, id string) (*models.Notice, error) {
	n := s.notice
	n.ID = id
	return &n, nil
}

func (s *stubStore) UpsertAdjudication(_ context.Context, ar models.AdjudicationResult) error {
	s.saved = append(s.saved, ar)
	return nil
}

func (s *stubStore) UpdateStatus(_ context.Context, noticeID string, status models.NoticeStatus) error {
	if s.statuses == nil {
		s.statuses = map[string]models.NoticeStatus{}
	}
	s.statuses[noticeID] = status
	return nil
}

type stubGenerator struct {
	response string
	err      error
	prompts  []string
}

func (g *stubGenerator) Complete(_ context.Context, _, user string, _ int) (string, error) {
	g.prompts = append(g.prompts, user)
	return g.response, g.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func marshalEnvelope(t *testing.T, env models.Envelope) []byte {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	return payload
}

const bidResponse = `{"summary":"Strong fit","key_points":["matches our stack"],"recommendation":"bid","confidence_assessment":"high"}`

func TestHandleBidForwardsToNotify(t *testing.T) {
	store := &stubStore{}
	gen := &stubGenerator{response: bidResponse}
	h := New(store, gen, 100, "t_notify", discard())

	out, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{
		NoticeID: "n-1", Title: "Software services",
	}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "t_notify", out[0].Topic)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(out[0].Value, &env))
	require.NotNil(t, env.Adjudication)
	require.Equal(t, models.VerdictBid, env.Adjudication.Recommendation)

	require.Len(t, store.saved, 1)
	require.Equal(t, models.StatusAdjudicated, store.statuses["n-1"])
}

func TestHandleNoBidStopsPipeline(t *testing.T) {
	store := &stubStore{}
	gen := &stubGenerator{response: `{"summary":"Poor fit","key_points":[],"recommendation":"do not bid","confidence_assessment":"high"}`}
	h := New(store, gen, 100, "t_notify", discard())

	out, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{NoticeID: "n-1"}))
	require.NoError(t, err)
	require.Empty(t, out, "no-bid must not reach the notifier")
	require.Len(t, store.saved, 1, "the decision is still persisted")
}

func TestHandleOverridesScorerNoBid(t *testing.T) {
	store := &stubStore{}
	gen := &stubGenerator{response: bidResponse}
	h := New(store, gen, 100, "t_notify", discard())

	out, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{
		NoticeID: "n-1",
		Score:    &models.ScoreResult{NoticeID: "n-1", Probability: 0.02, Verdict: models.VerdictNoBid},
	}))
	require.NoError(t, err)
	require.Len(t, out, 1, "the recommendation alone gates notification")
}

func TestHandleStrategySelection(t *testing.T) {
	store := &stubStore{}
	gen := &stubGenerator{response: bidResponse}
	h := New(store, gen, 100, "t_notify", discard())

	_, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{NoticeID: "n-1", Title: "Short"}))
	require.NoError(t, err)
	require.Equal(t, models.StrategyTitleOnly, store.saved[0].Strategy)

	_, err = h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{
		NoticeID: "n-2", Title: "Long", RawText: strings.Repeat("procurement of software services ", 10),
	}))
	require.NoError(t, err)
	require.Equal(t, models.StrategyFullDocument, store.saved[1].Strategy)
	require.Contains(t, gen.prompts[1], "DOCUMENT CONTENT")
}

func TestHandleGenerationErrorRetries(t *testing.T) {
	store := &stubStore{}
	gen := &stubGenerator{err: errors.New("api down")}
	h := New(store, gen, 100, "t_notify", discard())

	_, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{NoticeID: "n-1"}))
	require.Error(t, err, "a failed generation must fail the delivery for retry")
	require.Empty(t, store.saved)
}

func TestParseResponseUnparsableIsConservative(t *testing.T) {
	result := parseResponse("n-1", models.StrategyTitleOnly, "I think you should definitely bid on this one!")

	require.Equal(t, models.VerdictNoBid, result.Recommendation, "unparsable output must never notify")
	require.Contains(t, result.Summary, "definitely bid")
	require.NotEmpty(t, result.Notes)
}

func TestParseResponseFencedJSON(t *testing.T) {
	fenced := "```json\n" + bidResponse + "\n```"
	result := parseResponse("n-1", models.StrategyFullDocument, fenced)

	require.Equal(t, models.VerdictBid, result.Recommendation)
	require.Equal(t, "Strong fit", result.Summary)
	require.Equal(t, []string{"matches our stack"}, result.KeyPoints)
}

func TestNormalizeRecommendation(t *testing.T) {
	cases := map[string]models.Verdict{
		"bid":                           models.VerdictBid,
		"BID - strong opportunity":      models.VerdictBid,
		"We recommend submitting a bid": models.VerdictBid,
		"no bid":                        models.VerdictNoBid,
		"No-Bid":                        models.VerdictNoBid,
		"Do not bid on this":            models.VerdictNoBid,
		"see summary":                   models.VerdictNoBid,
		"":                              models.VerdictNoBid,
	}
	for text, want := range cases {
		require.Equal(t, want, normalizeRecommendation(text), text)
	}
}
