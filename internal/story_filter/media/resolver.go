// Package media prepares story images for the classifier: it keeps public references as
// they are and inlines images served from hosts the classifier cannot fetch.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	_ "image/gif"
	_ "image/png"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"story-filter/internal/story_filter/signals"
)

const maxDownscaleRounds = 3

// Image is what the classifier receives: a plain reference or a data URL.
type Image struct {
	URL     string
	Inlined bool
	MIME    string
	Size    int
}

// Config bounds fetching and inlining.
type Config struct {
	FetchTimeout   time.Duration
	MaxFetchBytes  int64
	MaxInlineBytes int
	Recompress     bool
	JPEGQuality    int
	UserAgent      string
	// RestrictedHost reports hosts the classifier cannot fetch from; defaults to the platform/CDN denylist.
	RestrictedHost func(host string) bool
}

// DefaultConfig mirrors the production limits.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:   15 * time.Second,
		MaxFetchBytes:  20 << 20,
		MaxInlineBytes: 4 << 20,
		Recompress:     true,
		JPEGQuality:    80,
		UserAgent:      "story-filter/1.0",
		RestrictedHost: signals.IsPlatformHost,
	}
}

// Resolver fetches and inlines images. Failures are logged and reported as "no image".
type Resolver struct {
	Log    *zap.Logger
	Client *http.Client
	cfg    Config
}

// NewResolver fills zero config values with defaults.
func NewResolver(log *zap.Logger, client *http.Client, cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = def.MaxFetchBytes
	}
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = def.MaxInlineBytes
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.RestrictedHost == nil {
		cfg.RestrictedHost = def.RestrictedHost
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{Log: log, Client: client, cfg: cfg}
}

// Resolve returns ref unchanged when the classifier can fetch it, and an inlined copy otherwise.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Image, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Image{}, false
	}
	if strings.HasPrefix(ref, "data:image/") {
		return Image{URL: ref, Inlined: true, Size: len(ref)}, true
	}
	host := signals.Host(ref)
	if host == "" {
		return Image{}, false
	}
	if !r.cfg.RestrictedHost(host) {
		return Image{URL: ref}, true
	}
	return r.ForceInline(ctx, ref)
}

// ForceInline fetches ref and returns it as a data URL regardless of its host.
func (r *Resolver) ForceInline(ctx context.Context, ref string) (Image, bool) {
	img, err := r.inline(ctx, ref)
	if err != nil {
		r.Log.Warn("Image inlining failed, continuing without image",
			zap.String("ref", ref),
			zap.Error(err),
		)
		return Image{}, false
	}
	r.Log.Debug("Image inlined",
		zap.String("ref", ref),
		zap.String("mime", img.MIME),
		zap.Int("bytes", img.Size),
	)
	return img, true
}

func (r *Resolver) inline(ctx context.Context, ref string) (Image, error) {
	if strings.HasPrefix(ref, "data:image/") {
		return Image{URL: ref, Inlined: true, Size: len(ref)}, nil
	}

	data, contentType, err := r.fetch(ctx, ref)
	if err != nil {
		return Image{}, err
	}

	mimeType := imageMIME(contentType, data)
	if mimeType == "" {
		return Image{}, eris.Errorf("not an image (content-type %q)", contentType)
	}

	if len(data) > r.cfg.MaxInlineBytes {
		if !r.cfg.Recompress {
			return Image{}, eris.Errorf("image too large to inline: %d bytes", len(data))
		}
		data, err = recompress(data, r.cfg.MaxInlineBytes, r.cfg.JPEGQuality)
		if err != nil {
			return Image{}, eris.Wrap(err, "recompress image")
		}
		mimeType = "image/jpeg"
	}

	encoded := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return Image{URL: encoded, Inlined: true, MIME: mimeType, Size: len(data)}, nil
}

func (r *Resolver) fetch(ctx context.Context, ref string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "build image request")
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, "", eris.Wrap(err, "fetch image")
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			r.Log.Debug("Failed to close image body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", eris.Errorf("image fetch returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxFetchBytes+1))
	if err != nil {
		return nil, "", eris.Wrap(err, "read image body")
	}
	if int64(len(data)) > r.cfg.MaxFetchBytes {
		return nil, "", eris.Errorf("image exceeds fetch limit of %d bytes", r.cfg.MaxFetchBytes)
	}
	if len(data) == 0 {
		return nil, "", eris.New("empty image body")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func imageMIME(contentType string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return ""
}

// recompress re-encodes as JPEG, halving dimensions until the result fits ceiling.
func recompress(data []byte, ceiling, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "decode image")
	}

	current := src
	for round := 0; ; round++ {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, current, &jpeg.Options{Quality: quality}); err != nil {
			return nil, eris.Wrap(err, "encode jpeg")
		}
		if buf.Len() <= ceiling {
			return buf.Bytes(), nil
		}
		if round == maxDownscaleRounds {
			return nil, eris.Errorf("image still %d bytes after %d downscales", buf.Len(), round)
		}
		current = halve(current)
	}
}

func halve(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
