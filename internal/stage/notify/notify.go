package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tenderradar/backend/internal/models"
	"github.com/tenderradar/backend/internal/stream"
)

// deadlineSoon is the window inside which an approaching deadline escalates
// the notification priority.
const deadlineSoon = 72 * time.Hour

// highValueCutoff escalates notices worth chasing even without a near
// deadline.
const highValueCutoff = 500_000

// portalLinkFormat renders the deep link back to the source portal.
const portalLinkFormat = "https://www.etenders.gov.ie/epps/opportunity/opportunityDetailAction.do?opportunityId=%s"

// Dispatcher delivers one rendered notification to the configured channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, title, body string) error
}

// Store is the slice of the repository the notification stage needs.
type Store interface {
	GetNotice(ctx context.Context, id string) (*models.Notice, error)
	ClaimNotification(ctx context.Context, noticeID string, sentAt time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, noticeID string) error
	UpdateStatus(ctx context.Context, noticeID string, status models.NoticeStatus) error
}

// Handler sends at most one notification per notice. The claim row in
// notification_state is the contract: whoever inserts it owns the send, and a
// redelivered or concurrent message that finds the row present is a silent
// no-op. On dispatch failure the claim is released so a retry can send.
type Handler struct {
	store      Store
	dispatcher Dispatcher
	log        *slog.Logger
}

// New wires the notification handler.
func New(store Store, dispatcher Dispatcher, log *slog.Logger) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, log: log}
}

func (h *Handler) Name() string { return "notify" }

// Handle is the pipeline's only external side effect. It claims first and
// sends second: a crash between claim and send suppresses the notification
// rather than duplicating it, which is the ordering the at-most-once contract
// requires.
func (h *Handler) Handle(ctx context.Context, value []byte) ([]stream.Message, error) {
	var env models.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Adjudication == nil || env.Adjudication.Recommendation != models.VerdictBid {
		// Only bid recommendations reach this topic; anything else here is a
		// routing bug and must not notify.
		h.log.Warn("non-bid envelope on notify topic, dropping", slog.String("notice_id", env.NoticeID))
		return nil, nil
	}

	notice, err := h.store.GetNotice(ctx, env.NoticeID)
	if err != nil {
		return nil, fmt.Errorf("load notice %s: %w", env.NoticeID, err)
	}

	claimed, err := h.store.ClaimNotification(ctx, env.NoticeID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		h.log.Info("notification already sent, skipping", slog.String("notice_id", env.NoticeID))
		return nil, nil
	}

	priority, override := classify(env, *notice)
	title, body := render(env, *notice, priority, override)

	if err := h.dispatcher.Dispatch(ctx, title, body); err != nil {
		if relErr := h.store.ReleaseNotification(ctx, env.NoticeID); relErr != nil {
			// The claim row stays; this notice will never notify again. Better
			// silent than duplicated.
			h.log.Error("release claim after failed dispatch",
				slog.String("notice_id", env.NoticeID),
				slog.Any("err", relErr),
			)
			return nil, fmt.Errorf("dispatch notification (claim stuck): %w", err)
		}
		return nil, fmt.Errorf("dispatch notification: %w", err)
	}

	if err := h.store.UpdateStatus(ctx, env.NoticeID, models.StatusNotified); err != nil {
		// The send already happened; log and commit rather than retrying into
		// the already-claimed path.
		h.log.Error("update status after send", slog.String("notice_id", env.NoticeID), slog.Any("err", err))
	}

	h.log.Info("notification sent",
		slog.String("notice_id", env.NoticeID),
		slog.String("priority", string(priority)),
		slog.Bool("override", override),
	)
	return nil, nil
}

// classify derives the priority and whether the adjudicator overrode the
// scorer. Agreement on bid is urgent; an override starts at high so a human
// double-checks it; deadline and value escalate the rest.
func classify(env models.Envelope, notice models.Notice) (models.Priority, bool) {
	override := env.Score != nil && env.Score.Verdict == models.VerdictNoBid

	priority := models.PriorityNormal
	switch {
	case env.Score != nil && env.Score.Verdict == models.VerdictBid:
		priority = models.PriorityUrgent
	case override:
		priority = models.PriorityHigh
	}

	if priority == models.PriorityNormal {
		if notice.DeadlineAt != nil && time.Until(*notice.DeadlineAt) <= deadlineSoon {
			priority = models.PriorityHigh
		}
		if notice.EstimatedValue != nil && *notice.EstimatedValue >= highValueCutoff {
			priority = models.PriorityHigh
		}
	}
	return priority, override
}

func render(env models.Envelope, notice models.Notice, priority models.Priority, override bool) (title, body string) {
	adj := env.Adjudication

	tag := strings.ToUpper(string(priority))
	if override {
		tag += " OVERRIDE"
	}
	title = fmt.Sprintf("[%s] Bid opportunity: %s", tag, notice.Title)

	var b strings.Builder
	fmt.Fprintf(&b, "Authority: %s\n", notice.Authority)
	if notice.EstimatedValue != nil {
		fmt.Fprintf(&b, "Estimated value: %.2f\n", *notice.EstimatedValue)
	}
	if notice.DeadlineAt != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", notice.DeadlineAt.Format("2006-01-02 15:04"))
	}
	if env.Score != nil {
		fmt.Fprintf(&b, "Model score: %.1f%% (%s)\n", env.Score.Probability*100, env.Score.Verdict)
	}
	if override {
		b.WriteString("Note: analyst recommendation overrides the numeric model's no-bid verdict.\n")
	}
	b.WriteString("\n")
	b.WriteString(adj.Summary)
	b.WriteString("\n")
	if len(adj.KeyPoints) > 0 {
		b.WriteString("\nKey points:\n")
		for _, p := range adj.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if adj.ConfidenceNote != "" {
		fmt.Fprintf(&b, "\nConfidence: %s\n", adj.ConfidenceNote)
	}
	fmt.Fprintf(&b, "\nPortal: "+portalLinkFormat+"\n", notice.ID)
	return title, b.String()
}
