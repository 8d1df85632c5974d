package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/k3a/html2text"

	"github.com/tenderradar/backend/internal/models"
	"github.com/tenderradar/backend/internal/stream"
	"github.com/tenderradar/backend/internal/textutil"
)

// maxDocumentBytes caps how much of a document body is read.
const maxDocumentBytes = 5 << 20

// Fetcher retrieves the text of a notice document.
type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Store is the slice of the repository the extraction stage needs.
type Store interface {
	UpsertDocumentContent(ctx context.Context, dc models.DocumentContent) error
	UpdateStatus(ctx context.Context, noticeID string, status models.NoticeStatus) error
}

// Handler fetches the notice document, extracts plain text and classification
// codes, and forwards the enriched envelope to the scorer. Extraction failure
// is a recorded outcome, not a pipeline error: the notice continues with empty
// text either way.
type Handler struct {
	store      Store
	fetcher    Fetcher
	vocabulary []string
	topicScore string
	log        *slog.Logger
}

// New wires the extraction handler.
func New(store Store, fetcher Fetcher, vocabulary []string, topicScore string, log *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		fetcher:    fetcher,
		vocabulary: vocabulary,
		topicScore: topicScore,
		log:        log,
	}
}

func (h *Handler) Name() string { return "extract" }

// Handle processes one envelope and always emits exactly one message to the
// score topic. Persistence errors do fail the delivery: the stored document
// row is what the adjudicator reads later.
func (h *Handler) Handle(ctx context.Context, value []byte) ([]stream.Message, error) {
	var env models.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	content := models.DocumentContent{
		NoticeID:    env.NoticeID,
		ExtractedAt: time.Now().UTC(),
		Outcome:     models.ExtractionSuccess,
	}

	text, err := h.fetcher.FetchText(ctx, env.DocumentURL)
	if err != nil {
		h.log.Warn("document extraction failed",
			slog.String("notice_id", env.NoticeID),
			slog.String("url", env.DocumentURL),
			slog.Any("err", err),
		)
		content.Outcome = models.ExtractionFailure
	} else {
		content.RawText = text
		// Codes are matched against title and body so a notice whose
		// document omits the codes still picks them up from the title.
		content.DetectedCodes = textutil.DetectCodes(env.Title+" "+text, h.vocabulary)
	}

	if err := h.store.UpsertDocumentContent(ctx, content); err != nil {
		return nil, fmt.Errorf("persist document content: %w", err)
	}
	if err := h.store.UpdateStatus(ctx, env.NoticeID, models.StatusExtracted); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	env.RawText = content.RawText
	env.DetectedCodes = content.DetectedCodes

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	h.log.Info("document extracted",
		slog.String("notice_id", env.NoticeID),
		slog.String("outcome", string(content.Outcome)),
		slog.Int("text_len", len(content.RawText)),
		slog.Int("codes", len(content.DetectedCodes)),
	)
	return []stream.Message{{Topic: h.topicScore, Key: env.NoticeID, Value: payload}}, nil
}

// HTTPFetcher fetches documents over HTTP and converts HTML to plain text.
// Binary formats (PDF and friends) are rejected; the caller records that as an
// extraction failure.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with the given timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// FetchText downloads the document at url and returns its plain text.
func (f *HTTPFetcher) FetchText(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("empty document url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch document: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("read document body: %w", err)
	}

	mediaType := contentType(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(mediaType, "html"):
		return strings.TrimSpace(html2text.HTML2Text(string(body))), nil
	case strings.HasPrefix(mediaType, "text/"), mediaType == "":
		return strings.TrimSpace(string(body)), nil
	default:
		return "", fmt.Errorf("unsupported document type %q", mediaType)
	}
}

func contentType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mediaType
}
