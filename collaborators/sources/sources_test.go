package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	since := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "2026-09-01T00:00:00Z", r.URL.Query().Get("since"))
		w.Write([]byte(`{"items": [
			{"id": "1", "text": "going hiking on saturday"},
			{"id": "2", "text": "loved that podcast on tides", "source": "slack"},
			{"id": "3", "text": "overflow"}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{Name: ChatHistory, Endpoint: srv.URL, Token: "token"})
	resp, err := podflow.Call[collaborators.FetchResponse](context.Background(), client, collaborators.OpFetch,
		collaborators.FetchRequest{Limit: 2, Since: since})
	require.NoError(t, err)
	require.Equal(t, ChatHistory, resp.Source)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, ChatHistory, resp.Items[0].Source)
	assert.Equal(t, "slack", resp.Items[1].Source)
}

func TestFetchFailures(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		_, err := NewClient(Config{Name: Mailbox}).Fetch(context.Background(), collaborators.FetchRequest{})
		assert.Equal(t, podflow.ErrorKindUnavailable, podflow.KindOf(err))
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "expired token", http.StatusUnauthorized)
		}))
		defer srv.Close()
		_, err := NewClient(Config{Name: Documents, Endpoint: srv.URL}).Fetch(context.Background(), collaborators.FetchRequest{})
		require.Error(t, err)
		assert.Equal(t, podflow.ErrorKindUnauthorized, podflow.KindOf(err))
		assert.Contains(t, err.Error(), "documents.fetch")
	})

	t.Run("unsupported operation", func(t *testing.T) {
		_, err := NewClient(Config{Name: Documents}).Invoke(context.Background(), collaborators.OpEmbed, nil)
		assert.Equal(t, podflow.ErrorKindInvalidInput, podflow.KindOf(err))
	})
}
