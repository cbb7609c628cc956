package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<html><head><title>Tide Pools</title></head><body>
<nav class="navbar"><a href="/">Home</a></nav>
<article><h1>Tide Pools</h1><p>Tide pools host <strong>anemones</strong>.</p>
<div class="share">Share this</div></article>
<footer>Copyright</footer>
</body></html>`

func TestConverter(t *testing.T) {
	page, err := NewConverter().Convert([]byte(articleHTML))
	require.NoError(t, err)
	assert.Equal(t, "Tide Pools", page.Title)
	assert.Contains(t, page.Markdown, "# Tide Pools")
	assert.Contains(t, page.Markdown, "**anemones**")
	assert.NotContains(t, page.Markdown, "Share this")
	assert.NotContains(t, page.Markdown, "Copyright")
	assert.NotContains(t, page.Markdown, "Home")
}

func TestConverterWithoutArticle(t *testing.T) {
	page, err := NewConverter().Convert([]byte(`<html><body><header>Top</header><p>Hello</p></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, "Hello", page.Markdown)
	assert.Empty(t, page.Title)
}

func TestSearch(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "tide pools", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		fmt.Fprintf(w, `{"results": [
			{"title": "Tide Pools", "url": "%[1]s/article", "snippet": "about pools"},
			{"title": "Missing", "url": "%[1]s/missing", "description": "gone"},
			{"title": "Extra", "url": "%[1]s/extra"}
		]}`, srv.URL)
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(articleHTML))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL + "/search", APIKey: "secret"})
	result, err := podflow.Call[collaborators.SearchResponse](context.Background(), client, collaborators.OpSearch,
		collaborators.SearchRequest{Query: " tide pools ", Limit: 2, FetchContent: true})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	assert.Equal(t, "about pools", result.Results[0].Snippet)
	assert.Contains(t, result.Results[0].Content, "anemones")
	// A page that fails to download keeps its snippet only.
	assert.Equal(t, "gone", result.Results[1].Snippet)
	assert.Empty(t, result.Results[1].Content)
}

func TestSearchErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		kind   podflow.ErrorKind
	}{
		{http.StatusTooManyRequests, podflow.ErrorKindRateLimited},
		{http.StatusForbidden, podflow.ErrorKindUnauthorized},
		{http.StatusBadGateway, podflow.ErrorKindUnavailable},
		{http.StatusBadRequest, podflow.ErrorKindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(Config{Endpoint: srv.URL}).Search(context.Background(),
				collaborators.SearchRequest{Query: "q"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, podflow.KindOf(err))
		})
	}

	t.Run("empty query", func(t *testing.T) {
		_, err := NewClient(Config{Endpoint: "http://localhost"}).Search(context.Background(),
			collaborators.SearchRequest{Query: "  "})
		assert.Equal(t, podflow.ErrorKindInvalidInput, podflow.KindOf(err))
	})
}
