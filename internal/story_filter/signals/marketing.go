package signals

import (
	"regexp"
	"strings"

	"story-filter/internal/story_filter/model"
)

// English cues only count as whole words, so "ideal" or "wholesale" stay quiet.
var englishCue = regexp.MustCompile(`(?i)\b(?:` +
	`coupons?|promo ?codes?|discounts?|use code|off your|sales?|deals?|offers?|` +
	`free shipping|link in bio|swipe up|shop now|buy now|order now|limited time|` +
	`giveaways?|sponsored|paid partnership|collab(?:oration)?|partnered` +
	`)\b|\bcode:|#ad\b`)

var hebrewCues = []string{
	"קוד הנחה", "קוד קופון", "קופון", "הנחה", "מבצע", "הטבה", "בלעדי", "משלוח חינם",
	"לינק בביו", "קישור בביו", "לרכישה", "בשיתוף פעולה", "בשיתוף עם", "שת״פ", "שת\"פ",
	"שתפ", "תוכן ממומן", "פרסומת", "חסות",
}

var priceSymbols = []string{"%", "₪", "$", "€", "£"}

// MarketingIntent scans caption, OCR and sticker text for promotional cues.
func MarketingIntent(c model.Candidate) bool {
	parts := append([]string{c.CaptionText, c.OCRText}, c.StickerTexts()...)
	return HasMarketingCue(strings.Join(parts, "\n"))
}

// HasMarketingCue is the text-level check behind MarketingIntent.
func HasMarketingCue(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if englishCue.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, list := range [][]string{hebrewCues, priceSymbols} {
		for _, cue := range list {
			if strings.Contains(lower, cue) {
				return true
			}
		}
	}
	return false
}
