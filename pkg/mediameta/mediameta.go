// Package mediameta looks up display metadata for a watch url.
package mediameta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/net/html"
)

var (
	ErrUnsupported        = errors.New("unsupported media url")
	ErrVideoNotFound      = errors.New("video not found")
	ErrVideoNotEmbeddable = errors.New("video is not embeddable")
)

type VideoData struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailUrl string `json:"thumbnail_url"`
}

type Config struct {
	// OEmbedUrl and PageUrl are overridden in tests.
	OEmbedUrl string
	PageUrl   string
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		OEmbedUrl: "https://www.youtube.com/oembed",
		PageUrl:   "https://youtu.be/",
		Timeout:   3 * time.Second,
	}
}

type Resolver struct {
	cfg    Config
	client *http.Client
}

func NewResolver(cfg Config, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Resolver{cfg: cfg, client: client}
}

// Title returns the media title of a youtube watch url.
func (r *Resolver) Title(ctx context.Context, rawUrl string) (string, error) {
	data, err := r.Get(ctx, rawUrl)
	if err != nil {
		return "", err
	}

	return data.Title, nil
}

func (r *Resolver) Get(ctx context.Context, rawUrl string) (*VideoData, error) {
	videoId, ok := youtubeVideoId(rawUrl)
	if !ok {
		return nil, ErrUnsupported
	}

	videoData, err := r.getWithEmbed(ctx, videoId)
	if err != nil {
		if !errors.Is(err, ErrVideoNotEmbeddable) {
			return nil, fmt.Errorf("failed to get video data with embed: %w", err)
		}

		videoData, err = r.getFromPage(ctx, videoId)
		if err != nil {
			return nil, fmt.Errorf("failed to get video data from page: %w", err)
		}
	}

	return videoData, nil
}

func youtubeVideoId(rawUrl string) (string, bool) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if id := u.Query().Get("v"); id != "" {
			return id, true
		}
		if rest, ok := strings.CutPrefix(u.Path, "/shorts/"); ok && rest != "" {
			return strings.Trim(rest, "/"), true
		}
	case "youtu.be":
		if id := strings.Trim(u.Path, "/"); id != "" {
			return id, true
		}
	}

	return "", false
}

func (r *Resolver) do(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	return r.client.Do(req)
}

func (r *Resolver) getWithEmbed(ctx context.Context, videoId string) (*VideoData, error) {
	q := url.Values{}
	q.Set("url", "https://www.youtube.com/watch?v="+videoId)
	q.Set("format", "json")

	resp, err := r.do(ctx, r.cfg.OEmbedUrl+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound:
			return nil, ErrVideoNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, ErrVideoNotEmbeddable
		default:
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
	}

	var result VideoData
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode oembed response: %w", err)
	}

	return &result, nil
}

func (r *Resolver) getFromPage(ctx context.Context, videoId string) (*VideoData, error) {
	resp, err := r.do(ctx, r.cfg.PageUrl+url.PathEscape(videoId))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(strings.TrimSuffix(getTitle(doc), " - YouTube"))
	if title == "" {
		return nil, ErrVideoNotFound
	}

	return &VideoData{
		Title:        title,
		ThumbnailUrl: fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", videoId),
		AuthorName:   getLinkContent(doc),
	}, nil
}

func getTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return n.FirstChild.Data
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if title := getTitle(c); title != "" {
			return title
		}
	}
	return ""
}

func getLinkContent(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "link" {
		for _, attr := range n.Attr {
			if attr.Key == "itemprop" && attr.Val == "name" {
				for _, attr := range n.Attr {
					if attr.Key == "content" {
						return attr.Val
					}
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if content := getLinkContent(c); content != "" {
			return content
		}
	}
	return ""
}
