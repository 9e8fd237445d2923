package classifier

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"story-filter/internal/story_filter/media"
	"story-filter/internal/story_filter/model"
	"story-filter/internal/story_filter/signals"
)

// SystemPrompt states the acceptance rule the pipeline enforces afterwards.
const SystemPrompt = `You are filter_json_bot.
Goal: Decide if a single Instagram story is a brand collaboration that gives followers something redeemable.

Decision rule:
is_relevant = has_collab AND (has_coupon_code OR has_url).

Definitions (case-insensitive):
- has_collab if ANY signals appear:
  English: "paid partnership", "sponsored", "ad", "#ad", "#sponsored", "#paidpartnership", "partnered", "collab".
  Hebrew: "בשיתוף פעולה", "שת״פ", "שתפ", "תוכן ממומן", "פרסומת", "חסות", "בשיתוף עם", "פרסומי", hashtags like #שת״פ, #שתפ, #בשיתוף_פעולה.
  A visible brand logo or product placement in the image also counts.
- has_coupon_code if a concrete code pattern appears (e.g. SAVE20, FOX15), in text or in the image.
- has_url if a brand URL is present (brand_urls, a link sticker, or a URL readable in the image).

Hints:
brand_urls, brand_tokens, brand_url_present, marketing_intent and coupon_candidates are computed locally.
coupon_candidates are codes that follow a coupon/promo/voucher keyword in the text.
Use them as supporting evidence only, never as proof of a collaboration.

Input policy:
You ONLY receive the fields under row_minimal and, optionally, the story image.
Do NOT assume any other hidden fields.

Output JSON (strict):
{
  "is_relevant": boolean,
  "brand": string|null,
  "name": string|null,
  "coupon": string|null,
  "url": string|null,
  "description": string|null,
  "evidence": { "collab": string[], "coupon": string[], "url": string[] }
}
Return ONLY valid JSON with those keys, no extra commentary.`

// Request is one classification call.
type Request struct {
	Candidate model.Candidate
	Hints     signals.Hints
	// Image is nil for text-only calls.
	Image *media.Image
}

type rowMinimal struct {
	CaptionText      string   `json:"caption_text"`
	OCRText          string   `json:"ocr_text"`
	Stickers         []string `json:"stickers"`
	StickerKinds     []string `json:"sticker_kinds"`
	Hashtags         []string `json:"hashtags"`
	URLs             []string `json:"urls"`
	BrandURLs        []string `json:"brand_urls"`
	BrandTokens      []string `json:"brand_tokens"`
	BrandURLPresent  bool     `json:"brand_url_present"`
	MarketingIntent  bool     `json:"marketing_intent"`
	CouponCandidates []string `json:"coupon_candidates"`
	HasImage         bool     `json:"has_image"`
	HasVideo         bool     `json:"has_video"`
	ImageInlined     bool     `json:"image_inlined"`
	PermalinkPresent bool     `json:"permalink_present"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Messages       []chatMessage   `json:"messages"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func minimalRow(req Request) rowMinimal {
	c := req.Candidate
	kinds := make([]string, 0, len(c.Stickers))
	for _, s := range c.Stickers {
		if s.Kind != "" {
			kinds = append(kinds, s.Kind)
		}
	}
	return rowMinimal{
		CaptionText:      c.CaptionText,
		OCRText:          c.OCRText,
		Stickers:         nonNil(c.StickerTexts()),
		StickerKinds:     kinds,
		Hashtags:         nonNil(c.Hashtags),
		URLs:             nonNil(req.Hints.URLsAll),
		BrandURLs:        nonNil(req.Hints.BrandURLs),
		BrandTokens:      nonNil(req.Hints.BrandTokens),
		BrandURLPresent:  req.Hints.BrandURLPresent,
		MarketingIntent:  req.Hints.MarketingIntent,
		CouponCandidates: nonNil(req.Hints.CouponCodes),
		HasImage:         c.ImageURL != "" || req.Image != nil,
		HasVideo:         c.VideoURL != "",
		ImageInlined:     req.Image != nil && req.Image.Inlined,
		PermalinkPresent: c.Permalink != "",
	}
}

// buildBody renders the chat-completions request for req.
func (c *Client) buildBody(req Request) ([]byte, error) {
	user, err := json.Marshal(map[string]rowMinimal{"row_minimal": minimalRow(req)})
	if err != nil {
		return nil, eris.Wrap(err, "marshal row_minimal")
	}

	var userContent any = string(user)
	if req.Image != nil && req.Image.URL != "" {
		userContent = []contentPart{
			{Type: "text", Text: string(user)},
			{Type: "image_url", ImageURL: &imageRef{URL: req.Image.URL}},
		}
	}

	body := chatRequest{
		Model:          c.cfg.Model,
		Temperature:    0,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: userContent},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal chat request")
	}
	return data, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
