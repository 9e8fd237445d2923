// Package signals derives classification hints from story text. Everything here is pure.
package signals

import (
	"net/url"
	"regexp"
	"strings"

	"story-filter/internal/story_filter/model"
)

var urlExpr = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'\x60]+`)

const trailingPunct = ".,;:!?)]}>'\"“”‘’»«…"

// CollectURLs scans explicit urls, sticker texts, caption, OCR text and raw text
// candidates, in that order, and returns deduplicated URLs in first-seen order.
func CollectURLs(c model.Candidate) []string {
	var sources []string
	sources = append(sources, c.URLs...)
	sources = append(sources, c.StickerTexts()...)
	sources = append(sources, c.CaptionText, c.OCRText)
	sources = append(sources, c.RawTextCandidates...)

	seen := map[string]struct{}{}
	var out []string
	for _, text := range sources {
		for _, u := range FindURLs(text) {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// FindURLs extracts cleaned URLs from free text.
func FindURLs(text string) []string {
	if text == "" {
		return nil
	}
	matches := urlExpr.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if u := cleanURL(m); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func cleanURL(raw string) string {
	u := strings.TrimRight(raw, trailingPunct)
	if u == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(u), "www.") {
		u = "https://" + u
	}
	u = unwrapShim(u)
	if Host(u) == "" {
		return ""
	}
	return u
}

// unwrapShim resolves the platform's outbound redirect (l.instagram.com/?u=...).
func unwrapShim(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.ToLower(parsed.Hostname())
	if host != "l.instagram.com" && host != "l.facebook.com" {
		return raw
	}
	target := parsed.Query().Get("u")
	if target == "" {
		return raw
	}
	if Host(target) == "" {
		return raw
	}
	return target
}

// Host returns the lowercase hostname of raw, or "" when it is not an absolute URL.
func Host(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
}
