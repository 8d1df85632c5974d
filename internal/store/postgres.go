package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/tenderradar/backend/internal/models"
)

// ErrNotFound is returned when a notice or dependent record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists all durable pipeline state in Postgres. Every write is an
// idempotent upsert keyed by notice_id so stages are safe to re-run on
// redelivery.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the five pipeline tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS notices (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			authority TEXT NOT NULL,
			published_at TIMESTAMPTZ,
			deadline_at TIMESTAMPTZ,
			estimated_value NUMERIC,
			document_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS document_content (
			notice_id TEXT PRIMARY KEY REFERENCES notices(id),
			raw_text TEXT NOT NULL,
			detected_codes TEXT[] NOT NULL DEFAULT '{}',
			extracted_at TIMESTAMPTZ NOT NULL,
			extraction_outcome TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS score_results (
			notice_id TEXT PRIMARY KEY REFERENCES notices(id),
			probability DOUBLE PRECISION NOT NULL,
			verdict TEXT NOT NULL,
			reasoning TEXT NOT NULL,
			scored_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS adjudication_results (
			notice_id TEXT PRIMARY KEY REFERENCES notices(id),
			strategy TEXT NOT NULL,
			summary TEXT NOT NULL,
			key_points TEXT[] NOT NULL DEFAULT '{}',
			recommendation TEXT NOT NULL,
			confidence_note TEXT NOT NULL,
			notes TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_state (
			notice_id TEXT PRIMARY KEY REFERENCES notices(id),
			sent_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ExistingIDs returns a map with the notice IDs that already exist.
func (s *Store) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM notices WHERE id = ANY($1)`, pq.StringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	result := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// InsertNotice persists a newly ingested notice. The conflict clause makes
// the insert a no-op under redelivery races: the first writer wins and the
// notice is never re-inserted.
func (s *Store) InsertNotice(ctx context.Context, n models.Notice) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notices (id, title, authority, published_at, deadline_at, estimated_value, document_url, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Title, n.Authority,
		nullableTime(n.PublishedAt), nullableTime(n.DeadlineAt), nullableFloat(n.EstimatedValue),
		n.DocumentURL, string(n.Status),
	)
	if err != nil {
		return false, fmt.Errorf("insert notice: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notice rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateStatus advances the lifecycle column for a notice.
func (s *Store) UpdateStatus(ctx context.Context, noticeID string, status models.NoticeStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notices SET status = $2 WHERE id = $1`, noticeID, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// GetNotice loads one notice by id.
func (s *Store) GetNotice(ctx context.Context, noticeID string) (*models.Notice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, authority, published_at, deadline_at, estimated_value, document_url, status
		 FROM notices WHERE id = $1`, noticeID)

	var (
		n         models.Notice
		published sql.NullTime
		deadline  sql.NullTime
		value     sql.NullFloat64
		status    string
	)
	err := row.Scan(&n.ID, &n.Title, &n.Authority, &published, &deadline, &value, &n.DocumentURL, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notice: %w", err)
	}

	if published.Valid {
		t := published.Time
		n.PublishedAt = &t
	}
	if deadline.Valid {
		t := deadline.Time
		n.DeadlineAt = &t
	}
	if value.Valid {
		v := value.Float64
		n.EstimatedValue = &v
	}
	n.Status = models.NoticeStatus(status)
	return &n, nil
}

// UpsertDocumentContent stores the extraction result, overwriting any
// previous attempt for the notice.
func (s *Store) UpsertDocumentContent(ctx context.Context, dc models.DocumentContent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_content (notice_id, raw_text, detected_codes, extracted_at, extraction_outcome)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (notice_id) DO UPDATE SET
			raw_text = EXCLUDED.raw_text,
			detected_codes = EXCLUDED.detected_codes,
			extracted_at = EXCLUDED.extracted_at,
			extraction_outcome = EXCLUDED.extraction_outcome`,
		dc.NoticeID, dc.RawText, pq.StringArray(dc.DetectedCodes), dc.ExtractedAt, string(dc.Outcome),
	)
	if err != nil {
		return fmt.Errorf("upsert document content: %w", err)
	}
	return nil
}

// GetDocumentContent loads the extracted document for a notice, if any.
func (s *Store) GetDocumentContent(ctx context.Context, noticeID string) (*models.DocumentContent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT notice_id, raw_text, detected_codes, extracted_at, extraction_outcome
		 FROM document_content WHERE notice_id = $1`, noticeID)

	var (
		dc      models.DocumentContent
		codes   pq.StringArray
		outcome string
	)
	err := row.Scan(&dc.NoticeID, &dc.RawText, &codes, &dc.ExtractedAt, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document content: %w", err)
	}
	dc.DetectedCodes = codes
	dc.Outcome = models.ExtractionOutcome(outcome)
	return &dc, nil
}

// UpsertScoreResult stores the scorer output; reruns overwrite.
func (s *Store) UpsertScoreResult(ctx context.Context, sr models.ScoreResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO score_results (notice_id, probability, verdict, reasoning, scored_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (notice_id) DO UPDATE SET
			probability = EXCLUDED.probability,
			verdict = EXCLUDED.verdict,
			reasoning = EXCLUDED.reasoning,
			scored_at = EXCLUDED.scored_at`,
		sr.NoticeID, sr.Probability, string(sr.Verdict), sr.Reasoning, sr.ScoredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert score result: %w", err)
	}
	return nil
}

// UpsertAdjudication stores the adjudicator's decision; reruns overwrite.
func (s *Store) UpsertAdjudication(ctx context.Context, ar models.AdjudicationResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO adjudication_results
			(notice_id, strategy, summary, key_points, recommendation, confidence_note, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (notice_id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			summary = EXCLUDED.summary,
			key_points = EXCLUDED.key_points,
			recommendation = EXCLUDED.recommendation,
			confidence_note = EXCLUDED.confidence_note,
			notes = EXCLUDED.notes,
			created_at = EXCLUDED.created_at`,
		ar.NoticeID, string(ar.Strategy), ar.Summary, pq.StringArray(ar.KeyPoints),
		string(ar.Recommendation), ar.ConfidenceNote, pq.StringArray(ar.Notes), ar.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert adjudication: %w", err)
	}
	return nil
}

// ClaimNotification atomically records that a notification is being sent for
// the notice. It returns false when the state row already exists, which means
// another delivery won the race or the notice was notified earlier; callers
// must not send in that case. This is the single conditional write that
// closes the check-then-act window under concurrent redelivery.
func (s *Store) ClaimNotification(ctx context.Context, noticeID string, sentAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_state (notice_id, sent_at)
		 VALUES ($1, $2)
		 ON CONFLICT (notice_id) DO NOTHING`,
		noticeID, sentAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim notification rows: %w", err)
	}
	return affected > 0, nil
}

// ReleaseNotification removes a claim after a failed dispatch so the retry
// can send. Only the invocation that won the claim may call this.
func (s *Store) ReleaseNotification(ctx context.Context, noticeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_state WHERE notice_id = $1`, noticeID)
	if err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}

// NoticeFilter narrows the API listing query.
type NoticeFilter struct {
	Authority      string
	Status         string
	Recommendation string
	PublishedFrom  *time.Time
	PublishedTo    *time.Time
	Offset         int
	Limit          int
}

// NoticeOverview is a notice joined with its decision trail for the read API.
type NoticeOverview struct {
	models.Notice
	Probability    *float64       `json:"probability,omitempty"`
	ScoreVerdict   models.Verdict `json:"score_verdict,omitempty"`
	Recommendation models.Verdict `json:"recommendation,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	NotifiedAt     *time.Time     `json:"notified_at,omitempty"`
}

// ListNotices returns notices matching the filter, newest first.
func (s *Store) ListNotices(ctx context.Context, f NoticeFilter) ([]NoticeOverview, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	builder := sq.Select(
		"n.id", "n.title", "n.authority", "n.published_at", "n.deadline_at",
		"n.estimated_value", "n.document_url", "n.status",
		"s.probability", "s.verdict", "a.recommendation", "a.summary", "ns.sent_at",
	).
		From("notices n").
		LeftJoin("score_results s ON s.notice_id = n.id").
		LeftJoin("adjudication_results a ON a.notice_id = n.id").
		LeftJoin("notification_state ns ON ns.notice_id = n.id").
		OrderBy("n.published_at DESC NULLS LAST, n.id DESC").
		Offset(uint64(f.Offset)).
		Limit(uint64(f.Limit)).
		PlaceholderFormat(sq.Dollar)

	if f.Authority != "" {
		builder = builder.Where(sq.Eq{"n.authority": f.Authority})
	}
	if f.Status != "" {
		builder = builder.Where(sq.Eq{"n.status": f.Status})
	}
	if f.Recommendation != "" {
		builder = builder.Where(sq.Eq{"a.recommendation": f.Recommendation})
	}
	if f.PublishedFrom != nil {
		builder = builder.Where(sq.GtOrEq{"n.published_at": *f.PublishedFrom})
	}
	if f.PublishedTo != nil {
		builder = builder.Where(sq.LtOrEq{"n.published_at": *f.PublishedTo})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}
	defer rows.Close()

	var out []NoticeOverview
	for rows.Next() {
		var (
			o              NoticeOverview
			published      sql.NullTime
			deadline       sql.NullTime
			value          sql.NullFloat64
			status         string
			probability    sql.NullFloat64
			verdict        sql.NullString
			recommendation sql.NullString
			summary        sql.NullString
			sentAt         sql.NullTime
		)
		if err := rows.Scan(
			&o.ID, &o.Title, &o.Authority, &published, &deadline, &value, &o.DocumentURL, &status,
			&probability, &verdict, &recommendation, &summary, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("scan notice row: %w", err)
		}

		o.Status = models.NoticeStatus(status)
		if published.Valid {
			t := published.Time
			o.PublishedAt = &t
		}
		if deadline.Valid {
			t := deadline.Time
			o.DeadlineAt = &t
		}
		if value.Valid {
			v := value.Float64
			o.EstimatedValue = &v
		}
		if probability.Valid {
			p := probability.Float64
			o.Probability = &p
		}
		if verdict.Valid {
			o.ScoreVerdict = models.Verdict(verdict.String)
		}
		if recommendation.Valid {
			o.Recommendation = models.Verdict(recommendation.String)
		}
		if summary.Valid {
			o.Summary = summary.String
		}
		if sentAt.Valid {
			t := sentAt.Time
			o.NotifiedAt = &t
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
