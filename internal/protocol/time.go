package protocol

import (
	"net/url"
	"slices"
	"strings"
	"time"
)

// ProjectedTime returns where the host's playhead is expected to be at now,
// accounting for the time the snapshot spent in flight.
func ProjectedTime(s HostSnapshot, now time.Time) float64 {
	if !s.IsPlaying || s.InAd {
		return s.TimeSeconds
	}

	elapsed := float64(now.UnixMilli()-s.CapturedAt) / 1000
	if elapsed < 0 {
		elapsed = 0
	}

	rate := s.PlaybackRate
	if rate <= 0 {
		rate = 1
	}

	return s.TimeSeconds + elapsed*rate
}

func CapturedAt(s HostSnapshot) time.Time {
	return time.UnixMilli(s.CapturedAt)
}

var trackingParams = []string{"t", "start", "si", "feature", "pp", "trackId", "tctx", "ab_channel"}

// NormalizeUrl reduces a media url to the parts that identify the media, so
// that two tabs on the same video compare equal regardless of tracking or
// timestamp parameters.
func NormalizeUrl(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	path := strings.TrimRight(u.EscapedPath(), "/")
	query := u.Query()

	if host == "youtu.be" {
		query.Set("v", strings.TrimPrefix(path, "/"))
		host, path = "youtube.com", "/watch"
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		if slices.Contains(trackingParams, k) || strings.HasPrefix(k, "utm_") {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(query.Get(k))
	}

	return b.String()
}

// SameMedia reports whether two urls point at the same media.
func SameMedia(a, b string) bool {
	return NormalizeUrl(a) == NormalizeUrl(b)
}
