package model

import "time"

// Sticker is one overlay element of a story (link sticker, coupon text, mention...).
type Sticker struct {
	Text string `bson:"text" json:"text"`
	Kind string `bson:"kind" json:"kind"` // url|coupon|price|percent|date|generic
}

// Candidate is a story row pulled from the raw collection, after normalization.
type Candidate struct {
	MediaID           string    `bson:"media_id" json:"media_id"`
	UserID            string    `bson:"user_id" json:"user_id"`
	Username          string    `bson:"username" json:"username"`
	Type              string    `bson:"type" json:"type"` // image|video
	CaptionText       string    `bson:"caption_text" json:"caption_text"`
	OCRText           string    `bson:"ocr_text" json:"ocr_text"`
	Stickers          []Sticker `bson:"stickers" json:"stickers"`
	Hashtags          []string  `bson:"hashtags" json:"hashtags"`
	Mentions          []string  `bson:"mentions" json:"mentions"`
	URLs              []string  `bson:"urls" json:"urls"`
	RawTextCandidates []string  `bson:"raw_text_candidates" json:"raw_text_candidates"`
	ImageURL          string    `bson:"image_url" json:"image_url"`
	VideoURL          string    `bson:"video_url" json:"video_url"`
	Permalink         string    `bson:"permalink" json:"permalink"`
	TakenAt           time.Time `bson:"taken_at_iso" json:"taken_at_iso"`
}

// FillFrom backfills every empty field of c from fallback. Non-empty values of c are kept.
func (c *Candidate) FillFrom(fallback Candidate) {
	fillString(&c.MediaID, fallback.MediaID)
	fillString(&c.UserID, fallback.UserID)
	fillString(&c.Username, fallback.Username)
	fillString(&c.Type, fallback.Type)
	fillString(&c.CaptionText, fallback.CaptionText)
	fillString(&c.OCRText, fallback.OCRText)
	if len(c.Stickers) == 0 && len(fallback.Stickers) > 0 {
		c.Stickers = append([]Sticker(nil), fallback.Stickers...)
	}
	fillStrings(&c.Hashtags, fallback.Hashtags)
	fillStrings(&c.Mentions, fallback.Mentions)
	fillStrings(&c.URLs, fallback.URLs)
	fillStrings(&c.RawTextCandidates, fallback.RawTextCandidates)
	fillString(&c.ImageURL, fallback.ImageURL)
	fillString(&c.VideoURL, fallback.VideoURL)
	fillString(&c.Permalink, fallback.Permalink)
	if c.TakenAt.IsZero() {
		c.TakenAt = fallback.TakenAt
	}
}

// HasMedia reports whether the story carries an image or a video reference.
func (c Candidate) HasMedia() bool {
	return c.ImageURL != "" || c.VideoURL != ""
}

// HasTextualSignal reports whether there is anything for the classifier to read.
func (c Candidate) HasTextualSignal() bool {
	return c.CaptionText != "" || c.OCRText != "" || len(c.Stickers) > 0 || len(c.Hashtags) > 0
}

// StickerTexts returns the non-empty sticker texts in order.
func (c Candidate) StickerTexts() []string {
	out := make([]string, 0, len(c.Stickers))
	for _, s := range c.Stickers {
		if s.Text != "" {
			out = append(out, s.Text)
		}
	}
	return out
}

func fillString(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func fillStrings(dst *[]string, src []string) {
	if len(*dst) == 0 && len(src) > 0 {
		*dst = append([]string(nil), src...)
	}
}
