package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tenderradar/backend/internal/dedupe"
	"github.com/tenderradar/backend/internal/models"
	"github.com/tenderradar/backend/internal/stream"
)

// Store is the slice of the repository the ingestion stage needs.
type Store interface {
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	InsertNotice(ctx context.Context, n models.Notice) (bool, error)
}

// Handler deduplicates raw notice batches and fans new notices out to either
// document extraction or straight to the adjudicator.
type Handler struct {
	store           Store
	seen            *dedupe.Cache
	topicExtract    string
	topicAdjudicate string
	log             *slog.Logger
}

// New wires the ingestion handler. The cache is a cheap pre-filter for
// recently seen IDs; the store's indexed id column stays authoritative.
func New(store Store, seen *dedupe.Cache, topicExtract, topicAdjudicate string, log *slog.Logger) *Handler {
	return &Handler{
		store:           store,
		seen:            seen,
		topicExtract:    topicExtract,
		topicAdjudicate: topicAdjudicate,
		log:             log,
	}
}

// Name identifies the stage in logs and consumer groups.
func (h *Handler) Name() string { return "ingest" }

// Handle processes one raw batch. A single bad record never aborts the batch:
// per-record errors are logged and skipped. Re-ingesting known IDs is expected
// and cheap; duplicates are absorbed silently at info level.
func (h *Handler) Handle(ctx context.Context, value []byte) ([]stream.Message, error) {
	var batch models.RawBatch
	if err := json.Unmarshal(value, &batch); err != nil {
		return nil, fmt.Errorf("unmarshal raw batch: %w", err)
	}

	ids := make([]string, 0, len(batch.Records))
	for _, raw := range batch.Records {
		if id := strings.TrimSpace(raw.ID); id != "" {
			ids = append(ids, id)
		}
	}
	existing, err := h.store.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load existing ids: %w", err)
	}

	var out []stream.Message
	for _, raw := range batch.Records {
		msg, ok := h.ingestOne(ctx, raw, existing)
		if ok {
			out = append(out, msg)
		}
	}

	h.log.Info("batch ingested",
		slog.Int("received", len(batch.Records)),
		slog.Int("new", len(out)),
	)
	return out, nil
}

func (h *Handler) ingestOne(ctx context.Context, raw models.RawNotice, existing map[string]bool) (stream.Message, bool) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		h.log.Warn("skipping record without id", slog.String("title", raw.Title))
		return stream.Message{}, false
	}

	if existing[id] || (h.seen != nil && h.seen.IsSeen(id)) {
		h.log.Info("duplicate notice, skipping", slog.String("notice_id", id))
		return stream.Message{}, false
	}

	notice := parseRaw(raw)

	inserted, err := h.store.InsertNotice(ctx, notice)
	if err != nil {
		h.log.Error("persist notice, skipping record",
			slog.String("notice_id", id),
			slog.Any("err", err),
		)
		return stream.Message{}, false
	}
	if !inserted {
		// Another delivery inserted it between the existence check and now.
		h.log.Info("duplicate notice, lost insert race", slog.String("notice_id", id))
		return stream.Message{}, false
	}

	if h.seen != nil {
		h.seen.MarkSeen(id)
	}

	env := models.NewEnvelope(notice)
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error("marshal envelope", slog.String("notice_id", id), slog.Any("err", err))
		return stream.Message{}, false
	}

	topic := h.topicAdjudicate
	if notice.DocumentURL != "" {
		topic = h.topicExtract
	}
	h.log.Info("notice ingested",
		slog.String("notice_id", id),
		slog.String("next", topic),
	)
	return stream.Message{Topic: topic, Key: id, Value: payload}, true
}

func parseRaw(raw models.RawNotice) models.Notice {
	return models.Notice{
		ID:             strings.TrimSpace(raw.ID),
		Title:          strings.TrimSpace(raw.Title),
		Authority:      strings.TrimSpace(raw.Authority),
		PublishedAt:    parseTime(raw.PublishedAt),
		DeadlineAt:     parseTime(raw.DeadlineAt),
		EstimatedValue: parseValue(raw.EstimatedValue),
		DocumentURL:    strings.TrimSpace(raw.DocumentURL),
		Status:         models.StatusNew,
	}
}

// parseTime accepts the portal's formats plus RFC 3339. Unparsable input
// yields nil; a missing date never rejects the record.
func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"02/01/2006 15:04:05",
		"02/01/2006 15:04",
		"02/01/2006",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if ts, err := time.Parse(f, raw); err == nil {
			return &ts
		}
	}
	return nil
}

// parseValue strips currency symbols and separators from an estimated value.
// Unparsable values become nil rather than rejecting the record.
func parseValue(raw string) *float64 {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '€', '£', '$', ',', ' ':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}
