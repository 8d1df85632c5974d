package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tenderradar/backend/internal/llm"
	"github.com/stretchr/testify/require"
)

func TestCompleteReturnsAssistantText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "test-model", payload["model"])
		msgs := payload["messages"].([]any)
		require.Len(t, msgs, 2)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "hello from model"}},
			},
		})
	}))
	defer srv.Close()

	client := llm.NewClient(srv.URL, "test-model", "test-key", srv.Client())
	out, err := client.Complete(context.Background(), "system", "user", 100)
	require.NoError(t, err)
	require.Equal(t, "hello from model", out)
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := llm.NewClient(srv.URL, "test-model", "test-key", srv.Client())
	_, err := client.Complete(context.Background(), "system", "user", 100)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client := llm.NewClient(srv.URL, "test-model", "test-key", srv.Client())
	_, err := client.Complete(context.Background(), "system", "user", 100)
	require.Error(t, err)
}

func TestCompleteMisconfigured(t *testing.T) {
	client := llm.NewClient("", "", "", nil)
	_, err := client.Complete(context.Background(), "system", "user", 100)
	require.Error(t, err)
}
