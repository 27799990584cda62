package mediameta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, oembed, page http.HandlerFunc) *Resolver {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oembed", oembed)
	mux.HandleFunc("/page/", page)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.OEmbedUrl = srv.URL + "/oembed"
	cfg.PageUrl = srv.URL + "/page/"

	return NewResolver(cfg, srv.Client())
}

func TestTitleFromOEmbed(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "https://www.youtube.com/watch?v=abc", req.URL.Query().Get("url"))
		w.Write([]byte(`{"title":"Some video","author_name":"someone"}`))
	}, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("page must not be fetched")
	})

	title, err := r.Title(context.Background(), "https://www.youtube.com/watch?v=abc&t=10")
	require.NoError(t, err)
	assert.Equal(t, "Some video", title)
}

func TestTitleFallsBackToPage(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/page/abc", req.URL.Path)
		w.Write([]byte(`<html><head><title>Private one - YouTube</title>` +
			`<link itemprop="name" content="someone"></head><body></body></html>`))
	})

	data, err := r.Get(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)
	assert.Equal(t, "Private one", data.Title)
	assert.Equal(t, "someone", data.AuthorName)
	assert.Contains(t, data.ThumbnailUrl, "/vi/abc/")
}

func TestTitleErrors(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, func(w http.ResponseWriter, _ *http.Request) {})

	_, err := r.Title(context.Background(), "https://www.youtube.com/watch?v=gone")
	assert.ErrorIs(t, err, ErrVideoNotFound)

	_, err = r.Title(context.Background(), "https://www.netflix.com/watch/81234")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestYoutubeVideoId(t *testing.T) {
	tests := []struct {
		url string
		id  string
		ok  bool
	}{
		{"https://www.youtube.com/watch?v=abc", "abc", true},
		{"https://m.youtube.com/watch?v=abc&list=x", "abc", true},
		{"https://youtu.be/abc", "abc", true},
		{"https://www.youtube.com/shorts/abc", "abc", true},
		{"https://www.youtube.com/feed", "", false},
		{"https://vimeo.com/123", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			id, ok := youtubeVideoId(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}
