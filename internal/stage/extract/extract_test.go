package extract

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tenderradar/backend/internal/models"
	"github.com/tenderradar/backend/internal/textutil"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	content  []models.DocumentContent
	statuses map[string]models.NoticeStatus
	failNext error
}

func (s *stubStore) UpsertDocumentContent(_ context.Context, dc models.DocumentContent) error {
	if s.failNext != nil {
		return s.failNext
	}
	s.content = append(s.content, dc)
	return nil
}

func (s *stubStore) UpdateStatus(_ context.Context, noticeID string, status models.NoticeStatus) error {
	if s.statuses == nil {
		s.statuses = map[string]models.NoticeStatus{}
	}
	s.statuses[noticeID] = status
	return nil
}

type stubFetcher struct {
	text string
	err  error
}

func (f *stubFetcher) FetchText(context.Context, string) (string, error) {
	return f.text, f.err
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

func TestHandleSuccessForwardsEnrichedEnvelope(t *testing.T) {
	store := &stubStore{}
	h := New(store, &stubFetcher{text: "provision of 72000000 software services"}, textutil.DefaultCodes, "t_score", discard())

	out, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{
		NoticeID: "n-1", Title: "IT services", DocumentURL: "https://portal/doc/1",
	}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "t_score", out[0].Topic)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(out[0].Value, &env))
	require.Contains(t, env.RawText, "software services")
	require.Equal(t, []string{"72000000"}, env.DetectedCodes)

	require.Len(t, store.content, 1)
	require.Equal(t, models.ExtractionSuccess, store.content[0].Outcome)
	require.Equal(t, models.StatusExtracted, store.statuses["n-1"])
}

func TestHandleFetchFailureStillForwards(t *testing.T) {
	store := &stubStore{}
	h := New(store, &stubFetcher{err: errors.New("boom")}, textutil.DefaultCodes, "t_score", discard())

	out, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{
		NoticeID: "n-1", Title: "IT services", DocumentURL: "https://portal/doc/1",
	}))
	require.NoError(t, err)
	require.Len(t, out, 1)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(out[0].Value, &env))
	require.Empty(t, env.RawText)
	require.Empty(t, env.DetectedCodes)

	require.Len(t, store.content, 1)
	require.Equal(t, models.ExtractionFailure, store.content[0].Outcome)
}

func TestHandlePersistErrorFailsDelivery(t *testing.T) {
	store := &stubStore{failNext: errors.New("db down")}
	h := New(store, &stubFetcher{text: "text"}, textutil.DefaultCodes, "t_score", discard())

	_, err := h.Handle(context.Background(), marshalEnvelope(t, models.Envelope{NoticeID: "n-1"}))
	require.Error(t, err)
}

func TestHTTPFetcherHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>Tender</h1><p>Provision of software</p></body></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	text, err := f.FetchText(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, text, "Tender")
	require.Contains(t, text, "Provision of software")
	require.NotContains(t, text, "<p>")
}

func TestHTTPFetcherRejectsBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	_, err := f.FetchText(context.Background(), srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported document type")
}

func TestHTTPFetcherBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	_, err := f.FetchText(context.Background(), srv.URL)
	require.Error(t, err)
}
