package media

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"story-filter/internal/story_filter/signals"
)

// Discover reads the og:image of a permalink page. Used when a story has no image_url.
func (r *Resolver) Discover(ctx context.Context, permalink string) (string, bool) {
	if signals.Host(permalink) == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, permalink, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		r.Log.Debug("Permalink fetch failed", zap.String("permalink", permalink), zap.Error(err))
		return "", false
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			r.Log.Debug("Failed to close permalink body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		r.Log.Debug("Permalink returned non-200", zap.String("permalink", permalink), zap.Int("status", resp.StatusCode))
		return "", false
	}

	// pages larger than the fetch cap are parsed up to the cap only
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, r.cfg.MaxFetchBytes))
	if err != nil {
		r.Log.Debug("Permalink page is not HTML", zap.String("permalink", permalink), zap.Error(err))
		return "", false
	}

	for _, sel := range []string{`meta[property="og:image"]`, `meta[name="twitter:image"]`} {
		if content, ok := doc.Find(sel).First().Attr("content"); ok {
			content = strings.TrimSpace(content)
			if signals.Host(content) != "" {
				return content, true
			}
		}
	}
	return "", false
}
